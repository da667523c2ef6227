package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/letoram/lldb/pkg/proc"
)

const (
	maxNumLibraries      = 1000000 // maximum number of loaded libraries, to avoid loading forever on corrupted memory
	maxLibraryPathLength = 1000000 // maximum length for the path of a library, to avoid loading forever on corrupted memory
	maxDynamicEntries    = 4096
)

var (
	ErrTooManyLibraries = errors.New("number of loaded libraries exceeds maximum")
	ErrNoDebugEntry     = errors.New("no DT_DEBUG entry in dynamic section")
)

const (
	_DT_NULL  = 0  // DT_NULL as defined by SysV ABI specification
	_DT_DEBUG = 21 // DT_DEBUG as defined by SysV ABI specification

	prog64Size = 56 // sizeof(Elf64_Phdr)
)

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

// dynamicSection locates the .dynamic section of the executable in memory
// using the program headers found through the auxiliary vector. The load
// bias is the difference between where PT_PHDR says the headers should be
// and where AT_PHDR says they are.
func dynamicSection(mem proc.MemoryReader, auxv []byte, ptrSize int) (addr, size uint64, err error) {
	if ptrSize != 8 {
		return 0, 0, &proc.UnsupportedError{Feature: fmt.Sprintf("program headers with pointer size %d", ptrSize)}
	}
	phdrAddr, phnum, ok := ProgramHeadersFromAuxv(auxv, ptrSize)
	if !ok {
		return 0, 0, errors.New("no program headers in auxiliary vector")
	}
	buf := make([]byte, phnum*prog64Size)
	if _, err := mem.ReadMemory(buf, phdrAddr); err != nil {
		return 0, 0, fmt.Errorf("could not read program headers: %w", err)
	}
	progs := make([]elf.Prog64, phnum)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, progs); err != nil {
		return 0, 0, err
	}

	var bias uint64
	var dyn *elf.Prog64
	for i := range progs {
		switch elf.ProgType(progs[i].Type) {
		case elf.PT_PHDR:
			bias = phdrAddr - progs[i].Vaddr
		case elf.PT_DYNAMIC:
			dyn = &progs[i]
		}
	}
	if dyn == nil {
		return 0, 0, &proc.UnsupportedError{Feature: "shared libraries in statically linked executable"}
	}
	return bias + dyn.Vaddr, dyn.Memsz, nil
}

// SharedLibraryInfoAddress returns the address of the dynamic linker's
// r_debug structure, as stored in the DT_DEBUG entry of the executable's
// .dynamic section. The value is zero until the dynamic linker has
// initialized it.
func SharedLibraryInfoAddress(mem proc.MemoryReader, auxv []byte, ptrSize int) (uint64, error) {
	dynAddr, dynSize, err := dynamicSection(mem, auxv, ptrSize)
	if err != nil {
		return 0, err
	}
	if limit := uint64(maxDynamicEntries * 2 * ptrSize); dynSize == 0 || dynSize > limit {
		dynSize = limit
	}
	dynbuf := make([]byte, dynSize)
	if _, err := mem.ReadMemory(dynbuf, dynAddr); err != nil {
		return 0, err
	}

	rd := bytes.NewReader(dynbuf)
	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0, ErrNoDebugEntry
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0, ErrNoDebugEntry
		}
		switch tag {
		case _DT_NULL:
			return 0, ErrNoDebugEntry
		case _DT_DEBUG:
			return val, nil
		}
	}
}

func readPtr(mem proc.MemoryReader, addr uint64, ptrSize int) (uint64, error) {
	ptrbuf := make([]byte, ptrSize)
	_, err := mem.ReadMemory(ptrbuf, addr)
	if err != nil {
		return 0, err
	}
	return readUintRaw(bytes.NewReader(ptrbuf), binary.LittleEndian, ptrSize)
}

// Library is a shared object loaded by the dynamic linker.
type Library struct {
	Name    string
	Addr    uint64 // load bias
	Dynamic uint64 // address of the library's .dynamic section
}

type linkMap struct {
	Library
	next uint64
}

func readLinkMapNode(mem proc.MemoryReader, rMap uint64, ptrSize int) (*linkMap, error) {
	var ptrs [4]uint64
	for i := range ptrs {
		var err error
		ptrs[i], err = readPtr(mem, rMap+uint64(ptrSize*i), ptrSize)
		if err != nil {
			return nil, err
		}
	}
	name, err := readCString(mem, ptrs[1])
	if err != nil {
		return nil, err
	}
	return &linkMap{Library: Library{Name: name, Addr: ptrs[0], Dynamic: ptrs[2]}, next: ptrs[3]}, nil
}

func readCString(mem proc.MemoryReader, addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	buf := make([]byte, 1)
	r := []byte{}
	for {
		if len(r) > maxLibraryPathLength {
			return "", fmt.Errorf("error reading libraries: string too long (%d)", len(r))
		}
		_, err := mem.ReadMemory(buf, addr)
		if err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		r = append(r, buf[0])
		addr++
	}
	return string(r), nil
}

// LoadedLibraries walks the link_map list of the r_debug structure at
// rDebug. The first entry, describing the executable itself, is skipped
// when its load bias is zero.
// See the SysV ABI for a description of how the .dynamic section works:
// https://www.sco.com/developers/gabi/latest/contents.html
func LoadedLibraries(mem proc.MemoryReader, rDebug uint64, ptrSize int) ([]Library, error) {
	if rDebug == 0 {
		return nil, nil
	}

	// Offsets of the fields of the r_debug and link_map structs,
	// see /usr/include/elf/link.h for a full description of those structs.
	rMap, err := readPtr(mem, rDebug+uint64(ptrSize), ptrSize)
	if err != nil {
		return nil, err
	}

	var libs []Library
	first := true
	for rMap != 0 {
		if len(libs) > maxNumLibraries {
			return libs, ErrTooManyLibraries
		}
		lm, err := readLinkMapNode(mem, rMap, ptrSize)
		if err != nil {
			return libs, err
		}
		if !first || lm.Addr != 0 {
			libs = append(libs, lm.Library)
		}
		first = false
		rMap = lm.next
	}
	return libs, nil
}
