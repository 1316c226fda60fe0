package filearena

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndWriteAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	arena, err := Allocate(path, 10)
	require.NoError(t, err)

	n, err := arena.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = arena.WriteAt([]byte("world"), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, arena.VerifySize(10))
	require.NoError(t, arena.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestAllocateRefusesDoubleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.bin")

	first, err := Allocate(path, 4)
	require.NoError(t, err)
	defer first.Close()

	_, err = OpenForResume(path)
	assert.Error(t, err)
}

func TestVerifySizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.bin")

	arena, err := Allocate(path, 100)
	require.NoError(t, err)
	defer arena.Close()

	err = arena.VerifySize(50)
	assert.Error(t, err)
}

func TestCheckFreeSpaceFailsOpenOnIndeterminateStat(t *testing.T) {
	err := CheckFreeSpace(filepath.Join(t.TempDir(), "does", "not", "exist"), 1<<30)
	assert.NoError(t, err)
}

func TestOpenForResumePreservesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.bin")

	arena, err := Allocate(path, 5)
	require.NoError(t, err)
	_, err = arena.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, arena.Close())

	resumed, err := OpenForResume(path)
	require.NoError(t, err)
	defer resumed.Close()

	_, err = resumed.WriteAt([]byte("de"), 3)
	require.NoError(t, err)
	require.NoError(t, resumed.VerifySize(5))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
}
