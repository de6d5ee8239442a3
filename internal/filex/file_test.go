package filex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureDir_CreatesNested(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "a", "b")

	require.NoError(t, EnsureDir(dir))

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, fi.IsDir(), "should create a directory")

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), fi.Mode().Perm()&0o700)
	}
}

func TestEnsureDir_Idempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))
}

func TestEnsureDir_EmptyAndDotAreNoop(t *testing.T) {
	require.NoError(t, EnsureDir(""))
	require.NoError(t, EnsureDir("."))
}

func TestEnsureDir_FailsIfFileWithSameNameExists(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "out")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o660))

	require.Error(t, EnsureDir(p), "should fail when a file exists with the same name")
}

func TestWriteFile_CreatesParentsAndReplaces(t *testing.T) {
	tmp := t.TempDir()
	p := filepath.Join(tmp, "nested", "img.min.png")

	require.NoError(t, WriteFile(p, []byte("first"), 0o644))
	require.NoError(t, WriteFile(p, []byte("second"), 0o644))

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestWriteFile_ParentIsFile(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o660))

	require.Error(t, WriteFile(filepath.Join(blocker, "out.png"), []byte("x"), 0o644))
}

func TestOutputPath(t *testing.T) {
	require.Equal(t, "custom.jpg", OutputPath("photo.png", "custom.jpg", "jpg"))
	require.Equal(t, "photo.min.jpg", OutputPath("photo.png", "", "jpg"))
	require.Equal(t, filepath.Join("dir", "pic.min.png"), OutputPath(filepath.Join("dir", "pic.png"), "", "png"))
	require.Equal(t, "noext.min.png", OutputPath("noext", "", "png"))
}
