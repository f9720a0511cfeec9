package ctrcrypt

// Region of a container, in bytes relative to the start of the container.
type Region struct {
	Offset int64
	Size   int64
}

func unitRegion(offset, size uint32, unitSize int64) Region {
	return Region{
		Offset: int64(offset) * unitSize,
		Size:   int64(size) * unitSize,
	}
}

// End of the region, exclusive.
func (r Region) End() int64 {
	return r.Offset + r.Size
}

// Empty reports whether the region has no data.
func (r Region) Empty() bool {
	return r.Size == 0
}

// check that the region fits in a container of the given size. Ending exactly at the end of the
// container is valid.
func (r Region) check(container, name string, containerSize int64) error {
	if r.Offset < 0 || r.Size < 0 || r.End() < r.Offset || r.End() > containerSize {
		return formatErrorf(container, "%s out of range (offset=0x%x, size=0x%x, container size=0x%x)",
			name, r.Offset, r.Size, containerSize)
	}
	return nil
}

func align(value, alignment int64) int64 {
	if alignment <= 1 {
		return value
	}
	if rem := value % alignment; rem != 0 {
		return value + alignment - rem
	}
	return value
}
