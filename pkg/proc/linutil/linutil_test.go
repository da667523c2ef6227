package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letoram/lldb/pkg/proc"
)

// fakeMemory is a sparse address space made of byte slices.
type fakeMemory map[uint64][]byte

func (m fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for base, data := range m {
		if addr >= base && addr+uint64(len(buf)) <= base+uint64(len(data)) {
			return copy(buf, data[addr-base:]), nil
		}
	}
	return 0, errors.New("unmapped")
}

func auxvBytes(pairs ...uint64) []byte {
	var buf bytes.Buffer
	for _, v := range pairs {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func TestParseAuxv(t *testing.T) {
	auxv := auxvBytes(_AT_PHDR, 0x400040, _AT_PHNUM, 3, _AT_ENTRY, 0x401000, _AT_NULL, 0, 99, 99)
	entries, err := ParseAuxv(auxv, 8)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuxvEntry{Tag: _AT_ENTRY, Value: 0x401000}, entries[2])
	assert.Contains(t, entries[0].String(), "AT_PHDR")

	assert.Equal(t, uint64(0x401000), EntryPointFromAuxv(auxv, 8))
	addr, n, ok := ProgramHeadersFromAuxv(auxv, 8)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x400040), addr)
	assert.Equal(t, 3, n)

	assert.Zero(t, EntryPointFromAuxv(auxv[:16], 8))
	_, _, ok = ProgramHeadersFromAuxv(nil, 8)
	assert.False(t, ok)
}

func TestParseAuxvTruncated(t *testing.T) {
	auxv := auxvBytes(_AT_ENTRY, 0x1000)
	entries, err := ParseAuxv(auxv[:12], 8)
	assert.Error(t, err)
	assert.Empty(t, entries)
}

// loadedExecutable builds the memory image of a position independent
// executable loaded with a bias of 0x555500000000.
func loadedExecutable(t *testing.T, withDebug bool) (fakeMemory, []byte, uint64) {
	const (
		bias      = 0x555500000000
		phdrVaddr = 0x40
		dynVaddr  = 0x3000
		rDebug    = 0x7fff0000
	)
	var phdrs bytes.Buffer
	progs := []elf.Prog64{
		{Type: uint32(elf.PT_PHDR), Vaddr: phdrVaddr, Memsz: 3 * prog64Size},
		{Type: uint32(elf.PT_LOAD), Vaddr: 0, Memsz: 0x4000},
		{Type: uint32(elf.PT_DYNAMIC), Vaddr: dynVaddr, Memsz: 4 * 16},
	}
	require.NoError(t, binary.Write(&phdrs, binary.LittleEndian, progs))

	dyn := []uint64{1, 0x10, 12, 0x1000}
	if withDebug {
		dyn = append(dyn, _DT_DEBUG, rDebug)
	} else {
		dyn = append(dyn, 14, 0x20)
	}
	dyn = append(dyn, _DT_NULL, 0)

	mem := fakeMemory{
		bias + phdrVaddr: phdrs.Bytes(),
		bias + dynVaddr:  auxvBytes(dyn...),
	}
	auxv := auxvBytes(_AT_PHDR, bias+phdrVaddr, _AT_PHNUM, uint64(len(progs)), _AT_NULL, 0)
	return mem, auxv, rDebug
}

func TestSharedLibraryInfoAddress(t *testing.T) {
	mem, auxv, rDebug := loadedExecutable(t, true)
	addr, err := SharedLibraryInfoAddress(mem, auxv, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(rDebug), addr)

	mem, auxv, _ = loadedExecutable(t, false)
	_, err = SharedLibraryInfoAddress(mem, auxv, 8)
	assert.ErrorIs(t, err, ErrNoDebugEntry)
}

func TestSharedLibraryInfoAddressStatic(t *testing.T) {
	var phdrs bytes.Buffer
	require.NoError(t, binary.Write(&phdrs, binary.LittleEndian, []elf.Prog64{{Type: uint32(elf.PT_LOAD)}}))
	mem := fakeMemory{0x400040: phdrs.Bytes()}
	auxv := auxvBytes(_AT_PHDR, 0x400040, _AT_PHNUM, 1, _AT_NULL, 0)
	_, err := SharedLibraryInfoAddress(mem, auxv, 8)
	assert.ErrorIs(t, err, proc.ErrUnsupported)

	_, err = SharedLibraryInfoAddress(mem, auxv, 4)
	assert.ErrorIs(t, err, proc.ErrUnsupported)
}

func TestLoadedLibraries(t *testing.T) {
	const (
		rDebug = 0x1000
		node0  = 0x2000
		node1  = 0x3000
		name1  = 0x4000
	)
	mem := fakeMemory{
		rDebug: auxvBytes(1, node0),
		// l_addr, l_name, l_ld, l_next
		node0: auxvBytes(0, 0, 0x5000, node1),
		node1: auxvBytes(0x7f0000000000, name1, 0x7f0000003000, 0),
		name1: append([]byte("/lib/libc.so.6"), 0),
	}
	libs, err := LoadedLibraries(mem, rDebug, 8)
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, Library{Name: "/lib/libc.so.6", Addr: 0x7f0000000000, Dynamic: 0x7f0000003000}, libs[0])

	libs, err = LoadedLibraries(mem, 0, 8)
	assert.NoError(t, err)
	assert.Empty(t, libs)
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProcFS(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "42", "task", "42", "comm"), "a\n")
	writeFile(t, filepath.Join(root, "42", "task", "44", "comm"), "a\n")
	writeFile(t, filepath.Join(root, "42", "task", "43", "comm"), "a\n")
	writeFile(t, filepath.Join(root, "42", "auxv"), string(auxvBytes(_AT_ENTRY, 0x401000, _AT_NULL, 0)))
	writeFile(t, filepath.Join(root, "42", "maps"),
		"00400000-00401000 r-xp 00000000 08:01 1234 /usr/bin/prog\n"+
			"00601000-00602000 rw-p 00001000 08:01 1234 /usr/bin/prog\n"+
			"7ffc0000-7ffc1000 rw-p 00000000 00:00 0 [stack]\n")

	pfs, err := NewProcFS(root)
	require.NoError(t, err)

	tids, err := pfs.Tasks(42)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 43, 44}, tids)

	_, err = pfs.Tasks(7)
	assert.ErrorIs(t, err, os.ErrNotExist)

	auxv, err := pfs.Auxv(42)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), EntryPointFromAuxv(auxv, 8))

	regions, err := pfs.MemoryRegions(42)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, proc.MemoryRegionInfo{
		Start: 0x601000, End: 0x602000, Perm: proc.PermRead | proc.PermWrite,
		Mapped: true, Path: "/usr/bin/prog", Offset: 0x1000,
	}, regions[1])
	assert.Equal(t, proc.PermRead|proc.PermExec, regions[0].Perm)

	cache := proc.NewMemoryRegionCache(pfs.RegionLoader(42))
	require.NoError(t, cache.Populate())
	r, ok := cache.Lookup(0x500000)
	require.True(t, ok)
	assert.False(t, r.Mapped)
	assert.Equal(t, uint64(0x401000), r.Start)
	assert.Equal(t, uint64(0x601000), r.End)

	// a process that went away leaves the cache usable for the next one
	missing := proc.NewMemoryRegionCache(pfs.RegionLoader(7))
	err = missing.Populate()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, proc.ErrUnsupported)
	assert.Equal(t, proc.LazyUnknown, missing.Supported())
}

func TestRegionLoaderUnsupported(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "42", "comm"), "a\n")
	pfs, err := NewProcFS(root)
	require.NoError(t, err)

	// process directory without maps
	cache := proc.NewMemoryRegionCache(pfs.RegionLoader(42))
	assert.ErrorIs(t, cache.Populate(), proc.ErrUnsupported)
	assert.Equal(t, proc.LazyFalse, cache.Supported())

	// procfs unmounted under us
	require.NoError(t, os.RemoveAll(root))
	cache = proc.NewMemoryRegionCache(pfs.RegionLoader(7))
	assert.ErrorIs(t, cache.Populate(), proc.ErrUnsupported)
}

func TestNewProcFSMissing(t *testing.T) {
	_, err := NewProcFS(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, proc.ErrUnsupported)
}
