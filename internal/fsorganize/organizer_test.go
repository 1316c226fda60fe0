package fsorganize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCategory(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":  "Videos",
		"song.mp3":   "Music",
		"archive.zip": "Archives",
		"doc.pdf":    "Documents",
		"setup.exe":  "Software",
		"photo.png":  "Images",
		"random.xyz": "Others",
	}
	for filename, want := range cases {
		assert.Equal(t, want, GetCategory(filename), filename)
	}
}

func TestResolveCreatesCategorySubdir(t *testing.T) {
	dir := t.TempDir()
	o := New()

	path, err := o.Resolve(dir, "photo.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Images", "photo.png"), path)

	info, err := os.Stat(filepath.Join(dir, "Images"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolveAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	o := New()
	o.SetEnabled(false)

	first, err := o.Resolve(dir, "doc.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first, []byte("a"), 0644))

	second, err := o.Resolve(dir, "doc.txt")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRelocateMovesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "song.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0644))

	moved, err := Relocate(dir, src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Music", "song.mp3"), moved)
	_, err = os.Stat(moved)
	require.NoError(t, err)
}
