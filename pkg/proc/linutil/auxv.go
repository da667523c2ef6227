package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	_AT_NULL   = 0
	_AT_PHDR   = 3
	_AT_PHENT  = 4
	_AT_PHNUM  = 5
	_AT_PAGESZ = 6
	_AT_BASE   = 7
	_AT_ENTRY  = 9
	_AT_HWCAP  = 16
	_AT_RANDOM = 25
	_AT_EXECFN = 31
)

var auxvNames = map[uint64]string{
	_AT_PHDR:   "AT_PHDR",
	_AT_PHENT:  "AT_PHENT",
	_AT_PHNUM:  "AT_PHNUM",
	_AT_PAGESZ: "AT_PAGESZ",
	_AT_BASE:   "AT_BASE",
	_AT_ENTRY:  "AT_ENTRY",
	_AT_HWCAP:  "AT_HWCAP",
	_AT_RANDOM: "AT_RANDOM",
	_AT_EXECFN: "AT_EXECFN",
}

// AuxvEntry is one (tag, value) pair of the auxiliary vector.
type AuxvEntry struct {
	Tag, Value uint64
}

func (e AuxvEntry) String() string {
	if name, ok := auxvNames[e.Tag]; ok {
		return fmt.Sprintf("%-10s %#x", name, e.Value)
	}
	return fmt.Sprintf("%-10d %#x", e.Tag, e.Value)
}

// ParseAuxv decodes the elf auxiliary vector up to, not including, its
// AT_NULL terminator.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func ParseAuxv(auxv []byte, ptrSize int) ([]AuxvEntry, error) {
	rd := bytes.NewReader(auxv)
	var r []AuxvEntry
	for rd.Len() > 0 {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r, err
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r, err
		}
		if tag == _AT_NULL {
			break
		}
		r = append(r, AuxvEntry{Tag: tag, Value: val})
	}
	return r, nil
}

func auxvLookup(auxv []byte, ptrSize int, tag uint64) (uint64, bool) {
	entries, _ := ParseAuxv(auxv, ptrSize)
	for _, e := range entries {
		if e.Tag == tag {
			return e.Value, true
		}
	}
	return 0, false
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	v, _ := auxvLookup(auxv, ptrSize, _AT_ENTRY)
	return v
}

// ProgramHeadersFromAuxv returns the address and number of the program
// headers of the executable, as loaded in memory.
func ProgramHeadersFromAuxv(auxv []byte, ptrSize int) (addr uint64, num int, ok bool) {
	addr, ok1 := auxvLookup(auxv, ptrSize, _AT_PHDR)
	n, ok2 := auxvLookup(auxv, ptrSize, _AT_PHNUM)
	return addr, int(n), ok1 && ok2 && addr != 0
}
