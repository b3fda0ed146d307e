package workspace

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMakesUniqueFolders(t *testing.T) {
	base := t.TempDir()

	a, err := Create(base)
	require.NoError(t, err)
	b, err := Create(base)
	require.NoError(t, err)

	assert.NotEqual(t, a.Path(), b.Path())

	info, err := os.Stat(a.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteFiles(t *testing.T) {
	f, err := Create(t.TempDir())
	require.NoError(t, err)

	files := []FileRecord{
		{Path: "train.py", Data: []byte("print('train')")},
		{Path: "lib/net.py", Data: []byte("layers = 3")},
	}
	require.NoError(t, f.WriteFiles(files))

	data, err := os.ReadFile(filepath.Join(f.Path(), "train.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('train')", string(data))

	data, err = os.ReadFile(filepath.Join(f.Path(), "lib", "net.py"))
	require.NoError(t, err)
	assert.Equal(t, "layers = 3", string(data))
}

func TestWriteFilesRejectsEscapingPaths(t *testing.T) {
	f, err := Create(t.TempDir())
	require.NoError(t, err)

	err = f.WriteFiles([]FileRecord{{Path: "../outside.py", Data: []byte("x")}})
	assert.Error(t, err)

	err = f.WriteFiles([]FileRecord{{Path: "/etc/absolute.py", Data: []byte("x")}})
	assert.Error(t, err)
}

func TestCopySupportFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "helpers"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "base.py"), []byte("base"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "helpers", "io.py"), []byte("io"), 0644))

	f, err := Create(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, f.CopySupportFiles(src))

	data, err := os.ReadFile(filepath.Join(f.Path(), "helpers", "io.py"))
	require.NoError(t, err)
	assert.Equal(t, "io", string(data))
}

func TestOpenCheckpoint(t *testing.T) {
	f, err := Create(t.TempDir())
	require.NoError(t, err)

	_, err = f.OpenCheckpoint()
	assert.Error(t, err, "no checkpoint written yet")

	require.NoError(t, os.WriteFile(f.CheckpointPath(), []byte("weights"), 0644))

	rc, err := f.OpenCheckpoint()
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestDiagramFiles(t *testing.T) {
	f, err := Create(t.TempDir())
	require.NoError(t, err)

	found, err := f.DiagramFiles()
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), "layer2.dot"), []byte("digraph{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), "layer1.dot"), []byte("digraph{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), "notes.txt"), []byte("x"), 0644))

	found, err = f.DiagramFiles()
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "layer1.dot", filepath.Base(found[0]))
	assert.Equal(t, "layer2.dot", filepath.Base(found[1]))
}

func TestCleanContents(t *testing.T) {
	f, err := Create(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, f.WriteFiles([]FileRecord{{Path: "a.py", Data: []byte("x")}}))
	require.NoError(t, f.CleanContents())

	entries, err := os.ReadDir(f.Path())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
