package proc

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// LazyBool is a boolean that starts out unknown.
type LazyBool uint8

const (
	LazyUnknown LazyBool = iota
	LazyTrue
	LazyFalse
)

func (b LazyBool) String() string {
	switch b {
	case LazyTrue:
		return "yes"
	case LazyFalse:
		return "no"
	}
	return "unknown"
}

// MemoryRegionInfo describes a range [Start, End) of the inferior's address
// space.
type MemoryRegionInfo struct {
	Start, End uint64
	Perm       Permissions
	Mapped     bool
	Path       string // backing file, if any
	Offset     uint64 // offset of Start inside Path
}

func (r MemoryRegionInfo) Size() uint64 {
	return r.End - r.Start
}

func (r MemoryRegionInfo) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r MemoryRegionInfo) Readable() bool   { return r.Perm&PermRead != 0 }
func (r MemoryRegionInfo) Writable() bool   { return r.Perm&PermWrite != 0 }
func (r MemoryRegionInfo) Executable() bool { return r.Perm&PermExec != 0 }

func (r MemoryRegionInfo) String() string {
	if !r.Mapped {
		return fmt.Sprintf("%#016x-%#016x unmapped", r.Start, r.End)
	}
	return fmt.Sprintf("%#016x-%#016x %s %#x %s", r.Start, r.End, r.Perm, r.Offset, r.Path)
}

// RegionLoader returns the current memory map of the inferior, in any
// order. Returning an error that matches ErrUnsupported marks region
// introspection as unavailable.
type RegionLoader func() ([]MemoryRegionInfo, error)

// MemoryRegionCache is a lazily populated, sorted snapshot of the memory map
// of the inferior. It is not safe for concurrent use.
type MemoryRegionCache struct {
	regions   []MemoryRegionInfo
	populated bool
	supported LazyBool
	load      RegionLoader
}

// NewMemoryRegionCache returns an empty cache that will be filled by load.
func NewMemoryRegionCache(load RegionLoader) *MemoryRegionCache {
	return &MemoryRegionCache{load: load}
}

// Populate loads the memory map if the cache is empty. Once the loader has
// reported that the facility is unavailable every call fails without
// calling it again.
func (c *MemoryRegionCache) Populate() error {
	if c.supported == LazyFalse {
		return &UnsupportedError{Feature: "memory region info"}
	}
	if c.populated {
		return nil
	}
	regions, err := c.load()
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			c.supported = LazyFalse
			return &UnsupportedError{Feature: "memory region info"}
		}
		return err
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	for i := range regions {
		if regions[i].End <= regions[i].Start {
			return fmt.Errorf("empty memory region at %#x: %w", regions[i].Start, ErrInvalidArgument)
		}
		if i > 0 && regions[i].Start < regions[i-1].End {
			return fmt.Errorf("memory region %#x-%#x overlaps %#x-%#x: %w", regions[i].Start, regions[i].End, regions[i-1].Start, regions[i-1].End, ErrInvalidArgument)
		}
	}
	c.regions = regions
	c.populated = true
	c.supported = LazyTrue
	return nil
}

// Populated returns true if the cache currently holds a snapshot.
func (c *MemoryRegionCache) Populated() bool {
	return c.populated
}

// Lookup returns the region containing addr. Addresses that fall outside of
// every mapped region return an unmapped region spanning the surrounding
// gap. The second return value is false if the cache is not populated.
func (c *MemoryRegionCache) Lookup(addr uint64) (MemoryRegionInfo, bool) {
	if !c.populated {
		return MemoryRegionInfo{}, false
	}
	if len(c.regions) == 0 {
		return MemoryRegionInfo{Start: 0, End: math.MaxUint64}, true
	}
	// first region ending after addr
	i := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].End > addr })
	switch {
	case i == len(c.regions):
		return MemoryRegionInfo{Start: c.regions[i-1].End, End: math.MaxUint64}, true
	case c.regions[i].Contains(addr):
		return c.regions[i], true
	case i == 0:
		return MemoryRegionInfo{Start: 0, End: c.regions[0].Start}, true
	}
	return MemoryRegionInfo{Start: c.regions[i-1].End, End: c.regions[i].Start}, true
}

// Invalidate discards the snapshot. The support flag is kept.
func (c *MemoryRegionCache) Invalidate() {
	c.regions = nil
	c.populated = false
}

// Regions returns a copy of the snapshot.
func (c *MemoryRegionCache) Regions() []MemoryRegionInfo {
	r := make([]MemoryRegionInfo, len(c.regions))
	copy(r, c.regions)
	return r
}

// Supported reports whether region introspection is available.
func (c *MemoryRegionCache) Supported() LazyBool {
	return c.supported
}
