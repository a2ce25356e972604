package os_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tmos "github.com/tendermint/blockpuller/libs/os"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "a", "b")

	require.NoError(t, tmos.EnsureDir(dir, 0700))
	require.True(t, tmos.FileExists(dir))
	// idempotent
	require.NoError(t, tmos.EnsureDir(dir, 0700))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.False(t, tmos.FileExists(path))

	require.NoError(t, tmos.WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, tmos.WriteFileAtomic(path, []byte("two"), 0600))

	bz, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(bz))
}
