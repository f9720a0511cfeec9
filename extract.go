package ctrcrypt

import (
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// extractChunkSize is the size of the chunks streamed from a region to an output file.
const extractChunkSize = 16 * 1024

// saveFile streams exactly size bytes of src into a new file. The directory of the file is
// created if needed.
func saveFile(fs afero.Fs, container, name string, src io.Reader, size int64) error {
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return ioError(container, name, err)
		}
	}

	file, err := fs.Create(name)
	if err != nil {
		return ioError(container, name, err)
	}

	n, err := io.CopyBuffer(file, io.LimitReader(src, size), make([]byte, extractChunkSize))
	if err == nil && n != size {
		err = io.ErrUnexpectedEOF
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return ioError(container, name, err)
}

// saveRegion streams a region of a ReaderAt into a new file.
func saveRegion(fs afero.Fs, container, name string, r io.ReaderAt, region Region) error {
	return saveFile(fs, container, name, io.NewSectionReader(r, region.Offset, region.Size), region.Size)
}

// sanitizeName turns a name found in a container into a single path element.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	switch name {
	case "", ".", "..":
		return "_" + name
	}
	return name
}
