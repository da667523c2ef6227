package native

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	sys "golang.org/x/sys/unix"

	"github.com/letoram/lldb/pkg/proc"
)

// Both supported architectures are little endian with 8 byte words.
const wordSize = 8

// ReadMemory reads len(buf) bytes at addr into buf. Software breakpoints
// show up as their trap instruction, see ReadMemoryWithoutTrap.
// Memory is read with process_vm_readv, the part it could not read is read
// one word at a time with PTRACE_PEEKDATA.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if err := p.checkAlive("read memory"); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if addr+uint64(len(buf)) < addr {
		return 0, fmt.Errorf("read of %d bytes at %#x: %w", len(buf), addr, proc.ErrInvalidArgument)
	}

	n, err := processVMRead(p.pid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	tid, terr := p.ptraceTid()
	if terr != nil {
		if err == nil {
			err = terr
		}
		return n, err
	}
	m, err := peekData(tid, buf[n:], addr+uint64(n))
	return n + m, err
}

// ReadMemoryWithoutTrap is ReadMemory with the trap instructions of
// software breakpoints replaced by the original bytes.
func (p *Process) ReadMemoryWithoutTrap(buf []byte, addr uint64) (int, error) {
	n, err := p.ReadMemory(buf, addr)
	p.breakpoints.MaskTraps(buf[:n], addr)
	return n, err
}

// WriteMemory writes data at addr. Ranges known to be unmapped or not
// writable are refused with EFAULT without writing anything. Bytes that
// fall on an installed software breakpoint become its saved original bytes
// and the trap stays in memory.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := p.checkAlive("write memory"); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	if addr+uint64(len(data)) < addr {
		return 0, fmt.Errorf("write of %d bytes at %#x: %w", len(data), addr, proc.ErrInvalidArgument)
	}
	if err := p.checkWritable(addr, uint64(len(data))); err != nil {
		return 0, err
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	p.breakpoints.ApplyTraps(buf, addr, p.arch.BreakpointInstruction())

	n, err := processVMWrite(p.pid, uintptr(addr), buf)
	if err != nil || n < len(buf) {
		tid, terr := p.ptraceTid()
		if terr == nil {
			var m int
			m, err = pokeData(tid, addr+uint64(n), buf[n:])
			n += m
		} else if err == nil {
			err = terr
		}
	}
	if n > 0 {
		p.breakpoints.UpdateOriginalData(addr, data[:n])
	}
	return n, err
}

// checkWritable returns EFAULT if the region cache knows that part of
// [addr, addr+size) can not be written. Without region information every
// write is attempted.
func (p *Process) checkWritable(addr, size uint64) error {
	if err := p.populateRegions(); err != nil {
		if !errors.Is(err, proc.ErrUnsupported) {
			p.log.Debugf("no region information for write at %#x: %v", addr, err)
		}
		return nil
	}
	end := addr + size
	for a := addr; a < end; {
		r, ok := p.regions.Lookup(a)
		if !ok {
			return nil
		}
		if !r.Mapped || !r.Writable() {
			return &proc.SyscallError{Op: "write memory", Pid: p.pid, Addr: a, Errno: sys.EFAULT}
		}
		if r.End == math.MaxUint64 || r.End >= end {
			break
		}
		a = r.End
	}
	return nil
}

// ptraceTid returns a stopped thread to issue memory requests on.
func (p *Process) ptraceTid() (int, error) {
	if t := p.CurrentThread(); t != nil && !t.running {
		return t.ID, nil
	}
	for _, t := range p.threads.list() {
		if !t.running {
			return t.ID, nil
		}
	}
	return 0, &proc.InvalidStateError{Pid: p.pid, State: p.state, Op: "ptrace memory access"}
}

func peekData(tid int, buf []byte, addr uint64) (int, error) {
	var word [wordSize]byte
	n := 0
	for n < len(buf) {
		a := addr + uint64(n)
		aligned := a &^ (wordSize - 1)
		v, err := ptracePeek(sys.PTRACE_PEEKDATA, tid, uintptr(aligned))
		if err != nil {
			return n, err
		}
		binary.LittleEndian.PutUint64(word[:], v)
		n += copy(buf[n:], word[a-aligned:])
	}
	return n, nil
}

// pokeData writes data with PTRACE_POKEDATA, which ignores page
// protections. Partial words are merged with the current contents.
func pokeData(tid int, addr uint64, data []byte) (int, error) {
	var word [wordSize]byte
	n := 0
	for n < len(data) {
		a := addr + uint64(n)
		aligned := a &^ (wordSize - 1)
		off := a - aligned
		if off != 0 || len(data)-n < wordSize {
			v, err := ptracePeek(sys.PTRACE_PEEKDATA, tid, uintptr(aligned))
			if err != nil {
				return n, err
			}
			binary.LittleEndian.PutUint64(word[:], v)
		}
		c := copy(word[off:], data[n:])
		if err := ptracePoke(sys.PTRACE_POKEDATA, tid, uintptr(aligned), binary.LittleEndian.Uint64(word[:])); err != nil {
			return n, err
		}
		n += c
	}
	return n, nil
}

// forcedMemory writes through PTRACE_POKEDATA, ignoring page protections.
// It is what breakpoints and injected code are written with.
type forcedMemory struct {
	p *Process
}

func (m forcedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.p.ReadMemory(buf, addr)
}

func (m forcedMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	tid, err := m.p.ptraceTid()
	if err != nil {
		return 0, err
	}
	return pokeData(tid, addr, data)
}

// maskedMemory reads memory as it would be without our breakpoints.
type maskedMemory struct {
	p *Process
}

func (m maskedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return m.p.ReadMemoryWithoutTrap(buf, addr)
}
