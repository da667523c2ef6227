// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
	"github.com/letoram/lldb/pkg/proc/linutil"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the nativehost terminal.
type Commands struct {
	cmds []command
	// index maps every alias to the position of its command in cmds.
	index *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until a breakpoint is hit or the program stops.

	continue [signal]

If signal is given it is delivered to the current thread when it resumes.
Signals are specified by number or name, for example 10 or SIGUSR1.`},
		{aliases: []string{"step", "s", "si"}, group: runCmds, cmdFn: step, helpMsg: `Single step a thread.

	step [thread id]

Executes one instruction in the given thread, or the current one. Every
other thread stays stopped.`},
		{aliases: []string{"halt"}, group: runCmds, cmdFn: halt, helpMsg: "Stops every thread of the program."},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: "Kills the program."},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detaches from the program and exits.

Every breakpoint is removed and the program keeps running.`},
		{aliases: []string{"signal"}, group: runCmds, cmdFn: sendSignal, helpMsg: `Sends a signal to the program.

	signal <signal>`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a software breakpoint.

	break <address> [size]

Size, if given, must be the size of the trap instruction.`},
		{aliases: []string{"hbreak", "hb"}, group: breakCmds, cmdFn: hardwareBreakpoint, helpMsg: `Sets a hardware breakpoint.

	hbreak <address>

The breakpoint uses a debug register of every thread.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearBreakpoint, helpMsg: `Deletes breakpoint.

	clear <address>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: "Print out info for active breakpoints."},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemoryCmd, helpMsg: `Examine raw memory at the given address.

	examinemem [-raw] <address> [length]

Breakpoint traps are hidden unless -raw is given. The length defaults to 64
bytes and is limited by the max-memory-dump option.`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMemoryCmd, helpMsg: `Writes bytes to memory.

	write <address> <hex bytes>

Example:

	write 0x601040 deadbeef`},
		{aliases: []string{"disassemble", "disass"}, group: dataCmds, cmdFn: disassCommand, helpMsg: `Disassembler.

	disassemble [address] [count]

Disassembles count instructions starting at address. Address defaults to the
current program counter and count to the disassemble-count option.`},
		{aliases: []string{"regions"}, group: dataCmds, cmdFn: regions, helpMsg: "Lists the mapped memory regions."},
		{aliases: []string{"region"}, group: dataCmds, cmdFn: region, helpMsg: `Prints the memory region containing an address.

	region <address>`},
		{aliases: []string{"alloc"}, group: dataCmds, cmdFn: alloc, helpMsg: `Allocates memory in the program.

	alloc <size> [permissions]

Permissions are a combination of r, w and x, the default is rw.`},
		{aliases: []string{"dealloc"}, group: dataCmds, cmdFn: dealloc, helpMsg: `Frees memory allocated with alloc.

	dealloc <address>`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"regs"}, group: threadCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs [thread id]`},
		{aliases: []string{"auxv"}, group: programCmds, cmdFn: auxv, helpMsg: "Prints the auxiliary vector."},
		{aliases: []string{"libinfo", "libraries"}, group: programCmds, cmdFn: libraries, helpMsg: "Lists the loaded shared libraries."},
		{aliases: []string{"loadaddr"}, group: programCmds, cmdFn: loadAddress, helpMsg: `Prints the load address of a file.

	loadaddr <file>`},
		{aliases: []string{"module"}, group: programCmds, cmdFn: module, helpMsg: `Prints the path of a loaded module.

	module <name>`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark
script. If path is a single '-' character an interactive starlark
interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"transcript"}, cmdFn: transcript, helpMsg: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of commands is appended to the specified output file. If -t is
specified and the output file exists it is truncated. If -x is specified
output to stdout is suppressed and commands are only written to the file.

Use "transcript -off" to end transcribing.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

A launched program is killed. For an attached program you are asked whether
to kill it, unless the kill-on-exit option is set.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.rebuildIndex()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) rebuildIndex() {
	c.index = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.index.Add(alias, i)
		}
	}
}

// Register custom commands. A command with the same name is replaced.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.rebuildIndex()
}

// Find will look up the command function for the given command input.
// Commands can be abbreviated to any unambiguous prefix of one of their
// aliases.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	if node, ok := c.index.Find(cmdstr); ok {
		return c.cmds[node.Meta().(int)].cmdFn
	}

	var found []int
	for _, key := range c.index.PrefixSearch(cmdstr) {
		node, ok := c.index.Find(key)
		if !ok {
			continue
		}
		i := node.Meta().(int)
		dup := false
		for _, j := range found {
			if i == j {
				dup = true
				break
			}
		}
		if !dup {
			found = append(found, i)
		}
	}

	switch len(found) {
	case 0:
		return noCmdAvailable
	case 1:
		return c.cmds[found[0]].cmdFn
	}
	names := make([]string, len(found))
	for i, j := range found {
		names[i] = c.cmds[j].aliases[0]
	}
	sort.Strings(names)
	return func(*Term, string) error {
		return fmt.Errorf("ambiguous command %q: %s", cmdstr, strings.Join(names, ", "))
	}
}

// complete returns the aliases starting with line.
func (c *Commands) complete(line string) []string {
	if strings.ContainsRune(line, ' ') {
		return nil
	}
	r := c.index.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	if t.log != nil {
		t.log.Debugf("command %q", cmdstr)
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.rebuildIndex()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line the way a shell would, without
// expansions.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid address", s)
	}
	return addr, nil
}

func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("%q is not a valid signal", s)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := sys.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("%q is not a valid signal", s)
}

func (t *Term) currentThread() (int, error) {
	var tid int
	err := t.do(func() error {
		tid = t.target.CurrentThreadID()
		if tid == 0 {
			return errors.New("no threads")
		}
		return nil
	})
	return tid, err
}

func (t *Term) currentPC() (uint64, error) {
	var pc uint64
	err := t.do(func() error {
		regs, err := t.target.ThreadRegisters(t.target.CurrentThreadID())
		if err != nil {
			return err
		}
		pc, err = regs.ReadRegister(proc.RegPC)
		return err
	})
	return pc, err
}

func cont(t *Term, args string) error {
	actions := proc.ContinueAll()
	if args != "" {
		sig, err := parseSignal(args)
		if err != nil {
			return err
		}
		tid, err := t.currentThread()
		if err != nil {
			return err
		}
		actions = proc.NewResumeActionList(
			proc.ResumeAction{Tid: tid, State: proc.ResumeContinue, Signal: sig},
			proc.ResumeAction{Tid: proc.AllThreads, State: proc.ResumeContinue})
	}
	_, err := t.resume(actions)
	return err
}

func step(t *Term, args string) error {
	var tid int
	var err error
	if args == "" {
		tid, err = t.currentThread()
	} else {
		tid, err = strconv.Atoi(args)
	}
	if err != nil {
		return err
	}
	ev, err := t.resume(proc.NewResumeActionList(proc.ResumeAction{Tid: tid, State: proc.ResumeStep}))
	if err != nil || ev.Kind != EventStopped {
		return err
	}
	pc, err := t.currentPC()
	if err != nil {
		return err
	}
	return printDisassembly(t, pc, 1)
}

func halt(t *Term, args string) error {
	var state proc.StateType
	if err := t.do(func() error { state = t.target.State(); return nil }); err != nil {
		return err
	}
	if state != proc.StateRunning {
		fmt.Fprintf(t.stdout, "Process %d is %s\n", t.target.Pid(), state)
		return nil
	}
	return t.haltAndWait()
}

func kill(t *Term, args string) error {
	if err := t.do(t.target.Kill); err != nil {
		return err
	}
	t.waitForTerminalEvent()
	return nil
}

func detach(t *Term, args string) error {
	if err := t.do(t.target.Detach); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d\n", t.target.Pid())
	return ExitRequestError{}
}

func sendSignal(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: signal <signal>")
	}
	sig, err := parseSignal(args)
	if err != nil {
		return err
	}
	return t.do(func() error { return t.target.Signal(sig) })
}

func setBreakpoint(t *Term, args string, hardware bool) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 || (hardware && len(v) != 1) {
		return errors.New("wrong number of arguments")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	size := 0
	if len(v) == 2 {
		size, err = strconv.Atoi(v[1])
		if err != nil {
			return fmt.Errorf("%q is not a valid size", v[1])
		}
	}
	var bp *proc.Breakpoint
	if err := t.do(func() (err error) {
		bp, err = t.target.SetBreakpoint(addr, size, hardware)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s\n", bp)
	return nil
}

func breakpoint(t *Term, args string) error {
	return setBreakpoint(t, args, false)
}

func hardwareBreakpoint(t *Term, args string) error {
	return setBreakpoint(t, args, true)
}

func clearBreakpoint(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: clear <address>")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	if err := t.do(func() error { return t.target.RemoveBreakpoint(addr) }); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint at %#x cleared\n", addr)
	return nil
}

func breakpoints(t *Term, args string) error {
	var bps []*proc.Breakpoint
	if err := t.do(func() error { bps = t.target.Breakpoints(); return nil }); err != nil {
		return err
	}
	if len(bps) == 0 {
		fmt.Fprintln(t.stdout, "No breakpoints")
		return nil
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	for _, bp := range bps {
		switch bp.Kind {
		case proc.HardwareBreakpoint:
			fmt.Fprintf(w, "%#x\t%s\tslot %d\trefs %d\n", bp.Addr, bp.Kind, bp.HWSlot, bp.RefCount)
		default:
			fmt.Fprintf(w, "%#x\t%s\t%x\trefs %d\n", bp.Addr, bp.Kind, bp.OriginalData, bp.RefCount)
		}
	}
	return w.Flush()
}

const defaultExamineLength = 64

func examineMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	raw := false
	if len(v) > 0 && v[0] == "-raw" {
		raw = true
		v = v[1:]
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: examinemem [-raw] <address> [length]")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	length := defaultExamineLength
	if len(v) == 2 {
		length, err = strconv.Atoi(v[1])
		if err != nil || length <= 0 {
			return errors.New("length must be a positive integer")
		}
	}
	if limit := t.conf.GetMaxMemoryDump(); length > limit {
		return fmt.Errorf("read memory range must be less than or equal to %d bytes", limit)
	}

	buf := make([]byte, length)
	var n int
	err = t.do(func() (err error) {
		if raw {
			n, err = t.target.ReadMemory(buf, addr)
		} else {
			n, err = t.target.ReadMemoryWithoutTrap(buf, addr)
		}
		if err != nil && n == 0 {
			if r, rerr := t.target.GetMemoryRegionInfo(addr); rerr == nil && r.Mapped && !r.Readable() {
				err = fmt.Errorf("%#x is in a region that is not readable (%s): %w", addr, r.Perm, err)
			}
		}
		return err
	})
	if n > 0 {
		fmt.Fprint(t.stdout, formatMemory(addr, buf[:n]))
	}
	return err
}

func writeMemoryCmd(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errors.New("wrong number of arguments: write <address> <hex bytes>")
	}
	addr, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.Join(v[1:], ""), "0x"))
	if err != nil {
		return fmt.Errorf("invalid data: %v", err)
	}
	var n int
	err = t.do(func() (err error) {
		n, err = t.target.WriteMemory(addr, data)
		return err
	})
	fmt.Fprintf(t.stdout, "Wrote %d bytes at %#x\n", n, addr)
	return err
}

func disassCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) > 2 {
		return errors.New("wrong number of arguments: disassemble [address] [count]")
	}
	var addr uint64
	if len(v) > 0 {
		addr, err = parseAddress(v[0])
	} else {
		addr, err = t.currentPC()
	}
	if err != nil {
		return err
	}
	count := t.conf.GetDisassembleCount()
	if len(v) == 2 {
		count, err = strconv.Atoi(v[1])
		if err != nil || count <= 0 {
			return errors.New("count must be a positive integer")
		}
	}
	return printDisassembly(t, addr, count)
}

func printDisassembly(t *Term, addr uint64, count int) error {
	var arch *proc.Arch
	var pc uint64
	var bps []*proc.Breakpoint
	var buf []byte
	var n int
	var region proc.MemoryRegionInfo
	err := t.do(func() error {
		arch = t.target.Architecture()
		region, _ = t.target.GetMemoryRegionInfo(addr)
		bps = t.target.Breakpoints()
		if regs, err := t.target.ThreadRegisters(t.target.CurrentThreadID()); err == nil {
			pc, _ = regs.ReadRegister(proc.RegPC)
		}
		buf = make([]byte, count*arch.MaxInstructionLength())
		var err error
		n, err = t.target.ReadMemoryWithoutTrap(buf, addr)
		return err
	})
	if n == 0 {
		return err
	}
	if region.Mapped && !region.Executable() {
		fmt.Fprintf(t.stdout, "warning: %#x is not in an executable region\n", addr)
	}
	insts := disassemble(arch, buf[:n], addr, count)
	markInstructions(insts, pc, bps)
	disasmPrint(insts, t.stdout)
	return nil
}

func formatRegion(r proc.MemoryRegionInfo) string {
	if !r.Mapped {
		return fmt.Sprintf("%#016x-%#016x ---- (unmapped)", r.Start, r.End)
	}
	return fmt.Sprintf("%#016x-%#016x %s %#8x %s", r.Start, r.End, r.Perm, r.Offset, r.Path)
}

func regions(t *Term, args string) error {
	var rs []proc.MemoryRegionInfo
	if err := t.do(func() (err error) {
		rs, err = t.target.MemoryRegions()
		return err
	}); err != nil {
		return err
	}
	for _, r := range rs {
		fmt.Fprintln(t.stdout, formatRegion(r))
	}
	return nil
}

func region(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: region <address>")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	var r proc.MemoryRegionInfo
	if err := t.do(func() (err error) {
		r, err = t.target.GetMemoryRegionInfo(addr)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, formatRegion(r))
	return nil
}

func alloc(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 2 {
		return errors.New("wrong number of arguments: alloc <size> [permissions]")
	}
	size, err := strconv.ParseUint(v[0], 0, 64)
	if err != nil || size == 0 {
		return fmt.Errorf("%q is not a valid size", v[0])
	}
	perm := proc.PermRead | proc.PermWrite
	if len(v) == 2 {
		perm, err = proc.ParsePermissions(v[1])
		if err != nil {
			return err
		}
	}
	var addr uint64
	if err := t.do(func() (err error) {
		addr, err = t.target.AllocateMemory(size, perm)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Allocated %d bytes at %#x\n", size, addr)
	return nil
}

func dealloc(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: dealloc <address>")
	}
	addr, err := parseAddress(args)
	if err != nil {
		return err
	}
	return t.do(func() error { return t.target.DeallocateMemory(addr) })
}

func threads(t *Term, args string) error {
	type threadInfo struct {
		id   int
		stop proc.StopInfo
		pc   uint64
		err  error
	}
	var infos []threadInfo
	var current int
	if err := t.do(func() error {
		current = t.target.CurrentThreadID()
		for _, tid := range t.target.ThreadIDs() {
			ti := threadInfo{id: tid}
			ti.stop, _ = t.target.ThreadStopInfo(tid)
			var regs proc.RegisterContext
			regs, ti.err = t.target.ThreadRegisters(tid)
			if ti.err == nil {
				ti.pc, ti.err = regs.ReadRegister(proc.RegPC)
			}
			infos = append(infos, ti)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, ti := range infos {
		prefix := "  "
		if ti.id == current {
			prefix = "* "
		}
		if ti.err != nil {
			fmt.Fprintf(t.stdout, "%sThread %d: %v\n", prefix, ti.id, ti.err)
			continue
		}
		fmt.Fprintf(t.stdout, "%sThread %d at %#x, %s\n", prefix, ti.id, ti.pc, ti.stop.Reason)
	}
	return nil
}

func thread(t *Term, args string) error {
	if args == "" {
		return errors.New("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	var old int
	if err := t.do(func() error {
		old = t.target.CurrentThreadID()
		return t.target.SetCurrentThread(tid)
	}); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Switched from %d to %d\n", old, tid)
	return nil
}

func regs(t *Term, args string) error {
	var named []proc.NamedRegister
	err := t.do(func() error {
		tid := t.target.CurrentThreadID()
		if args != "" {
			var err error
			if tid, err = strconv.Atoi(args); err != nil {
				return err
			}
		}
		regs, err := t.target.ThreadRegisters(tid)
		if err != nil {
			return err
		}
		named, err = regs.Registers()
		return err
	})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', tabwriter.AlignRight)
	for _, r := range named {
		fmt.Fprintf(w, "%s\t= %#016x\t\n", r.Name, r.Value)
	}
	return w.Flush()
}

func auxv(t *Term, args string) error {
	var entries []linutil.AuxvEntry
	if err := t.do(func() error {
		data, err := t.target.GetAuxvData()
		if err != nil {
			return err
		}
		entries, err = linutil.ParseAuxv(data, t.target.Architecture().PtrSize())
		return err
	}); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintln(t.stdout, e)
	}
	return nil
}

func libraries(t *Term, args string) error {
	var rdebug uint64
	var libs []linutil.Library
	if err := t.do(func() (err error) {
		if rdebug, err = t.target.GetSharedLibraryInfoAddress(); err != nil {
			return err
		}
		libs, err = t.target.LoadedLibraries()
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "r_debug at %#x\n", rdebug)
	d := len(strconv.Itoa(len(libs)))
	for i := range libs {
		fmt.Fprintf(t.stdout, "%"+strconv.Itoa(d)+"d. %#x %s\n", i, libs[i].Addr, libs[i].Name)
	}
	return nil
}

func loadAddress(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: loadaddr <file>")
	}
	var addr uint64
	if err := t.do(func() (err error) {
		addr, err = t.target.GetFileLoadAddress(args)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s loaded at %#x\n", args, addr)
	return nil
}

func module(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: module <name>")
	}
	var path string
	if err := t.do(func() (err error) {
		path, err = t.target.GetLoadedModuleFileSpec(args)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, path)
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

func transcript(t *Term, args string) error {
	argv, err := splitArgs(args)
	if err != nil {
		return err
	}
	truncate := false
	fileOnly := false
	disable := false
	path := ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

// ExitRequestError is returned when the user
// exits nativehost.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
