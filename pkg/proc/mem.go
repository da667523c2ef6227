package proc

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is a MemoryReader that can also write memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Permissions of a memory region or of an allocation.
type Permissions uint8

const (
	PermRead Permissions = 1 << iota
	PermWrite
	PermExec
)

// ParsePermissions parses strings like "rw-" or "rx".
func ParsePermissions(s string) (Permissions, error) {
	var p Permissions
	for _, ch := range s {
		switch ch {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, ErrInvalidArgument
		}
	}
	return p, nil
}

func (p Permissions) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}
