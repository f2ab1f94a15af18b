package catalog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fsys afero.Fs, name string, size int) []byte {
	t.Helper()
	data := bytes.Repeat([]byte{byte(size % 251)}, size)
	require.NoError(t, afero.WriteFile(fsys, name, data, 0o644))
	return data
}

func TestBuild(t *testing.T) {
	fsys := afero.NewMemMapFs()
	a := writeFile(t, fsys, "clientside/a.js", 7000)
	writeFile(t, fsys, "clientside/b.json", 3000)
	writeFile(t, fsys, "clientside/c.txt", 10)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	c, err := Build(fsys, "clientside", logger)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.False(t, c.Empty())

	fa := c.File(0)
	assert.Equal(t, byte(0), fa.ID)
	assert.Equal(t, "a.js", fa.Name)
	assert.Equal(t, FileTypeScript, fa.Type)
	assert.Equal(t, int64(7000), fa.Length)
	require.Len(t, fa.Chunks, 2)
	assert.Len(t, fa.Chunks[0], 5120)
	assert.Len(t, fa.Chunks[1], 1880)
	assert.Equal(t, a, append(append([]byte{}, fa.Chunks[0]...), fa.Chunks[1]...))

	fb := c.File(1)
	assert.Equal(t, byte(1), fb.ID)
	assert.Equal(t, "b.json", fb.Name)
	assert.Equal(t, FileTypeData, fb.Type)
	require.Len(t, fb.Chunks, 1)
	assert.Len(t, fb.Chunks[0], 3000)

	for _, f := range c.Files() {
		assert.NotEqual(t, "c.txt", f.Name)
	}
	assert.Contains(t, logs.String(), "c.txt")
	assert.Equal(t, int64(10000), c.TotalBytes())
}

func TestBuild_ExactMultipleAndEmptyFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "files/a.js", 2*ChunkSize)
	writeFile(t, fsys, "files/b.js", 0)

	c, err := Build(fsys, "files", nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.File(0).ChunkCount())
	assert.Equal(t, 0, c.File(1).ChunkCount())
	assert.Equal(t, int64(0), c.File(1).Length)
}

func TestBuild_ExtensionCaseSensitive(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "files/A.JS", 10)
	writeFile(t, fsys, "files/readme", 10)

	c, err := Build(fsys, "files", nil)
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestBuild_MissingDir(t *testing.T) {
	c, err := Build(afero.NewMemMapFs(), "nope", nil)
	require.NoError(t, err)
	assert.True(t, c.Empty())
	assert.Nil(t, c.File(0))
}

func TestBuild_SkipsSubdirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "files/sub/x.js", 10)
	writeFile(t, fsys, "files/y.js", 10)

	c, err := Build(fsys, "files", nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "y.js", c.File(0).Name)
}

func TestBuild_LexicalOrder(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "files/zeta.js", 1)
	writeFile(t, fsys, "files/alpha.json", 1)
	writeFile(t, fsys, "files/mid.js", 1)

	c, err := Build(fsys, "files", nil)
	require.NoError(t, err)
	var names []string
	for _, f := range c.Files() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"alpha.json", "mid.js", "zeta.js"}, names)
}

func TestFromFiles(t *testing.T) {
	c := FromFiles(map[string][]byte{
		"a.js":   make([]byte, 7000),
		"b.json": make([]byte, 3000),
	}, "a.js", "b.json")

	require.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.File(0).ChunkCount())
	assert.Len(t, c.File(0).Chunks[1], 1880)
	assert.Equal(t, byte(1), c.File(1).ID)
}

func TestFileType_String(t *testing.T) {
	assert.Equal(t, "script", FileTypeScript.String())
	assert.Equal(t, "data", FileTypeData.String())
	assert.Equal(t, "filetype(9)", FileType(9).String())
}
