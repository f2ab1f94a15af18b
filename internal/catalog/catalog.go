// Package catalog enumerates and chunks the files distributed to clients
// before they are allowed into gameplay sync.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	// ChunkSize is the size of every chunk except the last one of a file.
	ChunkSize = 5120
	// MaxFiles is the number of IDs a one-byte file ID can address.
	MaxFiles = 256
)

// FileType classifies a catalog file by extension.
type FileType byte

const (
	FileTypeScript FileType = 0
	FileTypeData   FileType = 1
)

func (t FileType) String() string {
	switch t {
	case FileTypeScript:
		return "script"
	case FileTypeData:
		return "data"
	default:
		return fmt.Sprintf("filetype(%d)", byte(t))
	}
}

// extensions is the allow-list. Matching is case-sensitive.
var extensions = map[string]FileType{
	".js":   FileTypeScript,
	".json": FileTypeData,
}

// File is immutable once the catalog is built.
type File struct {
	ID     byte
	Name   string
	Type   FileType
	Length int64 // from filesystem metadata
	Chunks [][]byte
}

// ChunkCount is the number of chunks; zero for an empty file.
func (f *File) ChunkCount() int {
	return len(f.Chunks)
}

// Catalog is the ordered set of distributable files.
type Catalog struct {
	dir   string
	files []*File
}

// Build scans dir on fsys. A missing directory yields an empty catalog.
// Unsupported, unreadable and surplus files are skipped with a warning.
func Build(fsys afero.Fs, dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{dir: dir}

	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("file directory not found, nothing to distribute", "dir", dir)
			return c, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		name := info.Name()
		ft, ok := extensions[path.Ext(name)]
		if !ok {
			logger.Warn("skipping file with unsupported extension", "file", name)
			continue
		}
		if len(c.files) >= MaxFiles {
			logger.Warn("file limit reached, skipping", "file", name, "limit", MaxFiles)
			continue
		}

		chunks, err := readChunks(fsys, filepath.Join(dir, name))
		if err != nil {
			logger.Warn("skipping unreadable file", "file", name, "error", err)
			continue
		}

		f := &File{
			ID:     byte(len(c.files)),
			Name:   name,
			Type:   ft,
			Length: info.Size(),
			Chunks: chunks,
		}
		c.files = append(c.files, f)
		logger.Debug("file added", "id", f.ID, "file", name, "length", f.Length, "chunks", len(chunks))
	}

	logger.Info("file catalog built", "dir", dir, "files", len(c.files))
	return c, nil
}

// FromFiles builds a catalog from in-memory contents, assigning IDs in the
// order given.
func FromFiles(files map[string][]byte, order ...string) *Catalog {
	c := &Catalog{}
	for _, name := range order {
		data := files[name]
		ft := extensions[path.Ext(name)]
		c.files = append(c.files, &File{
			ID:     byte(len(c.files)),
			Name:   name,
			Type:   ft,
			Length: int64(len(data)),
			Chunks: split(data),
		})
	}
	return c
}

func readChunks(fsys afero.Fs, name string) ([][]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var chunks [][]byte
	for {
		buf := make([]byte, ChunkSize)
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func split(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(len(data), ChunkSize)
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}

func (c *Catalog) Dir() string { return c.dir }

// Files returns the files in ID order.
func (c *Catalog) Files() []*File { return c.files }

func (c *Catalog) Len() int { return len(c.files) }

// Empty reports whether there is nothing to distribute.
func (c *Catalog) Empty() bool { return c == nil || len(c.files) == 0 }

// File returns the file at index i, or nil.
func (c *Catalog) File(i int) *File {
	if i < 0 || i >= len(c.files) {
		return nil
	}
	return c.files[i]
}

// TotalBytes is the sum of the declared lengths.
func (c *Catalog) TotalBytes() int64 {
	var n int64
	for _, f := range c.files {
		n += f.Length
	}
	return n
}
