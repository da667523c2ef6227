package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	breakCmds
	runCmds
	dataCmds
	threadCmds
	programCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Running the program", runCmds},
	{"Manipulating breakpoints", breakCmds},
	{"Viewing and changing memory", dataCmds},
	{"Listing and switching between threads", threadCmds},
	{"Inspecting the loaded program", programCmds},
	{"Other commands", otherCmds},
}
