package ctrcrypt

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"

	"github.com/connesc/ctrcrypt/ctrutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const (
	romfsInfoHeaderSize = 0x28
	romfsNone           = 0xffffffff
	romfsDirEntrySize   = 0x18
	romfsFileEntrySize  = 0x20
	romfsMaxNameSize    = 0x200
	romfsMaxDepth       = 64
)

// RomFSInfo is the level 3 header of a RomFS, with offsets relative to the RomFS.
type RomFSInfo struct {
	HeaderSize    uint32
	DirHashTable  Region
	DirMeta       Region
	FileHashTable Region
	FileMeta      Region
	DataOffset    int64
}

// RomFSDir is a directory of a RomFS.
type RomFSDir struct {
	Name  string
	Dirs  []*RomFSDir  `json:",omitempty"`
	Files []*RomFSFile `json:",omitempty"`
}

// RomFSFile is a file of a RomFS, located relative to the RomFS.
type RomFSFile struct {
	Name   string
	Offset int64
	Size   int64
}

// RomFS is a read-only filesystem protected by an IVFC hash tree.
type RomFS struct {
	r    io.ReaderAt
	size int64

	IVFC *IVFC
	Info *RomFSInfo `json:",omitempty"`
	Root *RomFSDir  `json:",omitempty"`
}

// ParseRomFS reads the IVFC header and the file tree of a decrypted RomFS of the given size.
//
// A broken file tree is not fatal: Root is then nil and the error is logged.
func ParseRomFS(r io.ReaderAt, size int64, log logrus.FieldLogger) (*RomFS, error) {
	ivfc, err := ParseIVFC(r, size)
	if err != nil {
		return nil, err
	}

	fs := &RomFS{
		r:    r,
		size: size,
		IVFC: ivfc,
	}

	if err := fs.parseTree(); err != nil {
		log.WithError(err).Warn("romfs: unable to read file tree")
	}
	return fs, nil
}

func (fs *RomFS) parseTree() error {
	base := fs.IVFC.BodyOffset

	header, err := readAt(fs.r, base, romfsInfoHeaderSize)
	if err != nil {
		return fmt.Errorf("romfs: failed to read info header: %w", err)
	}

	headerSize := binary.LittleEndian.Uint32(header)
	if headerSize != romfsInfoHeaderSize {
		return formatErrorf("romfs", "info header size must be 0x%x, got 0x%x", romfsInfoHeaderSize, headerSize)
	}

	var sections [4]Region
	for i := range sections {
		sections[i] = Region{
			Offset: base + int64(binary.LittleEndian.Uint32(header[0x4+0x8*i:])),
			Size:   int64(binary.LittleEndian.Uint32(header[0x8+0x8*i:])),
		}
		if err := sections[i].check("romfs", fmt.Sprintf("section %d", i), fs.size); err != nil {
			return err
		}
	}

	fs.Info = &RomFSInfo{
		HeaderSize:    headerSize,
		DirHashTable:  sections[0],
		DirMeta:       sections[1],
		FileHashTable: sections[2],
		FileMeta:      sections[3],
		DataOffset:    base + int64(binary.LittleEndian.Uint32(header[0x24:])),
	}

	dirMeta, err := readAt(fs.r, fs.Info.DirMeta.Offset, fs.Info.DirMeta.Size)
	if err != nil {
		return fmt.Errorf("romfs: failed to read directory metadata: %w", err)
	}
	fileMeta, err := readAt(fs.r, fs.Info.FileMeta.Offset, fs.Info.FileMeta.Size)
	if err != nil {
		return fmt.Errorf("romfs: failed to read file metadata: %w", err)
	}

	walker := romfsWalker{
		dirMeta:    dirMeta,
		fileMeta:   fileMeta,
		dataOffset: fs.Info.DataOffset,
		size:       fs.size,
		visited:    make(map[uint32]bool),
	}
	root, err := walker.dir(0, 0)
	if err != nil {
		return err
	}
	fs.Root = root
	return nil
}

type romfsWalker struct {
	dirMeta    []byte
	fileMeta   []byte
	dataOffset int64
	size       int64
	visited    map[uint32]bool
}

func romfsEntryName(meta []byte, offset, headerSize uint32) (string, error) {
	nameSize := binary.LittleEndian.Uint32(meta[offset+headerSize-4:])
	if nameSize > romfsMaxNameSize || nameSize%2 != 0 {
		return "", formatErrorf("romfs", "invalid name size 0x%x at 0x%x", nameSize, offset)
	}
	start := uint64(offset) + uint64(headerSize)
	if start+uint64(nameSize) > uint64(len(meta)) {
		return "", formatErrorf("romfs", "name out of range at 0x%x", offset)
	}
	return ctrutil.DecodeUTF16(meta[start:start+uint64(nameSize)], binary.LittleEndian), nil
}

// dir reads the directory at the given offset, with its files and subdirectories.
func (w *romfsWalker) dir(offset uint32, depth int) (*RomFSDir, error) {
	if depth > romfsMaxDepth {
		return nil, formatErrorf("romfs", "directory tree is too deep")
	}
	if uint64(offset)+romfsDirEntrySize > uint64(len(w.dirMeta)) {
		return nil, formatErrorf("romfs", "directory entry out of range at 0x%x", offset)
	}
	if w.visited[offset] {
		return nil, formatErrorf("romfs", "directory loop at 0x%x", offset)
	}
	w.visited[offset] = true

	entry := w.dirMeta[offset:]
	name, err := romfsEntryName(w.dirMeta, offset, romfsDirEntrySize)
	if err != nil {
		return nil, err
	}

	dir := &RomFSDir{Name: name}

	visitedFiles := make(map[uint32]bool)
	for fileOffset := binary.LittleEndian.Uint32(entry[0xc:]); fileOffset != romfsNone; {
		if visitedFiles[fileOffset] {
			return nil, formatErrorf("romfs", "file loop at 0x%x", fileOffset)
		}
		visitedFiles[fileOffset] = true

		file, sibling, err := w.file(fileOffset)
		if err != nil {
			return nil, err
		}
		dir.Files = append(dir.Files, file)
		fileOffset = sibling
	}

	for childOffset := binary.LittleEndian.Uint32(entry[0x8:]); childOffset != romfsNone; {
		child, err := w.dir(childOffset, depth+1)
		if err != nil {
			return nil, err
		}
		dir.Dirs = append(dir.Dirs, child)
		childOffset = binary.LittleEndian.Uint32(w.dirMeta[childOffset+0x4:])
	}

	return dir, nil
}

// file reads the file entry at the given offset, and returns the offset of its next sibling.
func (w *romfsWalker) file(offset uint32) (*RomFSFile, uint32, error) {
	if uint64(offset)+romfsFileEntrySize > uint64(len(w.fileMeta)) {
		return nil, 0, formatErrorf("romfs", "file entry out of range at 0x%x", offset)
	}

	entry := w.fileMeta[offset:]
	name, err := romfsEntryName(w.fileMeta, offset, romfsFileEntrySize)
	if err != nil {
		return nil, 0, err
	}

	file := &RomFSFile{
		Name:   name,
		Offset: w.dataOffset + int64(binary.LittleEndian.Uint64(entry[0x8:])),
		Size:   int64(binary.LittleEndian.Uint64(entry[0x10:])),
	}
	if err := (Region{Offset: file.Offset, Size: file.Size}).check("romfs", "file "+name, w.size); err != nil {
		return nil, 0, err
	}

	return file, binary.LittleEndian.Uint32(entry[0x4:]), nil
}

// Verify the IVFC hash tree.
func (fs *RomFS) Verify() error {
	return fs.IVFC.Verify(fs.r, fs.size)
}

// Open returns a reader over the content of a file.
func (fs *RomFS) Open(file *RomFSFile) io.Reader {
	return io.NewSectionReader(fs.r, file.Offset, file.Size)
}

// Extract the file tree into the given directory. A failing file does not prevent the others
// from being extracted.
func (fs *RomFS) Extract(afs afero.Fs, dir string, log logrus.FieldLogger) error {
	if fs.Root == nil {
		return formatErrorf("romfs", "no file tree to extract")
	}
	return fs.extractDir(afs, dir, fs.Root, log)
}

func (fs *RomFS) extractDir(afs afero.Fs, dir string, node *RomFSDir, log logrus.FieldLogger) error {
	if node.Name != "" {
		dir = path.Join(dir, sanitizeName(node.Name))
	}
	if err := afs.MkdirAll(dir, 0755); err != nil {
		return ioError("romfs", dir, err)
	}

	var errs error
	for _, file := range node.Files {
		target := path.Join(dir, sanitizeName(file.Name))
		log.WithField("path", target).Debug("romfs: saving file")
		errs = multierr.Append(errs, saveFile(afs, "romfs", target, fs.Open(file), file.Size))
	}
	for _, child := range node.Dirs {
		errs = multierr.Append(errs, fs.extractDir(afs, dir, child, log))
	}
	return errs
}
