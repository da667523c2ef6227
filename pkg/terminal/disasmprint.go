package terminal

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/letoram/lldb/pkg/proc"
)

type asmInstruction struct {
	addr       uint64
	bytes      []byte
	text       string
	atPC       bool
	breakpoint bool
}

// disassemble decodes up to count instructions of mem, which was read at
// addr. Bytes that do not decode are shown as a single byte "?"
// instruction.
func disassemble(arch *proc.Arch, mem []byte, addr uint64, count int) []asmInstruction {
	var r []asmInstruction
	for off := 0; off < len(mem) && len(r) < count; {
		pc := addr + uint64(off)
		var size int
		var text string
		switch arch.Name {
		case "amd64":
			inst, err := x86asm.Decode(mem[off:], 64)
			if err == nil {
				size = inst.Len
				text = x86asm.IntelSyntax(inst, pc, nil)
			}
		case "arm64":
			if len(mem)-off >= 4 {
				size = 4
				inst, err := arm64asm.Decode(mem[off:])
				if err == nil {
					text = arm64asm.GNUSyntax(inst)
				}
			}
		}
		if size == 0 {
			if arch.Name == "arm64" {
				break
			}
			size = 1
		}
		if text == "" {
			text = "?"
		}
		r = append(r, asmInstruction{addr: pc, bytes: mem[off : off+size], text: text})
		off += size
	}
	return r
}

func markInstructions(insts []asmInstruction, pc uint64, bps []*proc.Breakpoint) {
	for i := range insts {
		insts[i].atPC = insts[i].addr == pc
		for _, bp := range bps {
			if bp.Addr == insts[i].addr {
				insts[i].breakpoint = true
				break
			}
		}
	}
}

func disasmPrint(dv []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		atbp := ""
		if inst.breakpoint {
			atbp = "*"
		}
		atpc := ""
		if inst.atPC {
			atpc = "=>"
		}
		fmt.Fprintf(tw, "%s\t%#x%s\t%x\t%s\n", atpc, inst.addr, atbp, inst.bytes, inst.text)
	}
}

// formatMemory formats data, read at addr, as a hex dump of 16 bytes per
// line followed by its printable characters.
func formatMemory(addr uint64, data []byte) string {
	const perLine = 16
	var sb strings.Builder
	for off := 0; off < len(data); off += perLine {
		end := off + perLine
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		fmt.Fprintf(&sb, "%#016x:  ", addr+uint64(off))
		for i := 0; i < perLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&sb, "%02x ", line[i])
			} else {
				sb.WriteString("   ")
			}
			if i == perLine/2-1 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" ")
		for _, b := range line {
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
