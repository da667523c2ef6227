package linutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/prometheus/procfs"

	"github.com/letoram/lldb/pkg/proc"
)

// ProcFS reads process information out of a procfs mount.
type ProcFS struct {
	root string
	fs   procfs.FS
}

// NewProcFS opens the procfs mounted at root. An empty root means
// procfs.DefaultMountPoint.
// Failing to open it is reported as an UnsupportedError, since nothing
// that depends on procfs can work without it.
func NewProcFS(root string) (*ProcFS, error) {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", &proc.UnsupportedError{Feature: "procfs at " + root}, err)
	}
	return &ProcFS{root: root, fs: fs}, nil
}

// Tasks returns the ids of every thread of pid, sorted. Errors opening the
// task directory are returned unchanged so that callers can check for
// fs.ErrNotExist.
func (p *ProcFS) Tasks(pid int) ([]int, error) {
	threads, err := p.fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(threads))
	for _, t := range threads {
		tids = append(tids, t.PID)
	}
	sort.Ints(tids)
	return tids, nil
}

// State returns the one letter scheduler state of pid ("R", "S", "T", ...).
func (p *ProcFS) State(pid int) (string, error) {
	pr, err := p.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	stat, err := pr.Stat()
	if err != nil {
		return "", err
	}
	return stat.State, nil
}

// MemoryRegions reads /proc/<pid>/maps.
func (p *ProcFS) MemoryRegions(pid int) ([]proc.MemoryRegionInfo, error) {
	pr, err := p.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	maps, err := pr.ProcMaps()
	if err != nil {
		return nil, err
	}
	r := make([]proc.MemoryRegionInfo, 0, len(maps))
	for _, m := range maps {
		region := proc.MemoryRegionInfo{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Mapped: true,
			Path:   m.Pathname,
			Offset: uint64(m.Offset),
		}
		if m.Perms != nil {
			if m.Perms.Read {
				region.Perm |= proc.PermRead
			}
			if m.Perms.Write {
				region.Perm |= proc.PermWrite
			}
			if m.Perms.Execute {
				region.Perm |= proc.PermExec
			}
		}
		r = append(r, region)
	}
	return r, nil
}

// RegionLoader returns a loader for proc.MemoryRegionCache reading the maps
// of pid. A missing maps file is reported as unsupported only if the
// process directory exists, otherwise the process is just gone.
func (p *ProcFS) RegionLoader(pid int) proc.RegionLoader {
	return func() ([]proc.MemoryRegionInfo, error) {
		regions, err := p.MemoryRegions(pid)
		if !errors.Is(err, fs.ErrNotExist) {
			return regions, err
		}
		if _, rerr := os.Stat(p.root); rerr == nil {
			if _, perr := os.Stat(filepath.Join(p.root, strconv.Itoa(pid))); perr != nil {
				return nil, fmt.Errorf("process %d: %w", pid, err)
			}
		}
		return nil, fmt.Errorf("%w: %v", &proc.UnsupportedError{Feature: "maps in procfs at " + p.root}, err)
	}
}

// Auxv returns the raw contents of /proc/<pid>/auxv.
func (p *ProcFS) Auxv(pid int) ([]byte, error) {
	return os.ReadFile(filepath.Join(p.root, strconv.Itoa(pid), "auxv"))
}
