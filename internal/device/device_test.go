package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFromMajorMinorWholeDisk(t *testing.T) {
	sysPath := t.TempDir()
	writeFile(t, filepath.Join(sysPath, "dev/block/8:0/size"), "1048576\n")

	d, err := FromMajorMinor(sysPath, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), d.SectorCount)
	assert.Equal(t, uint64(0), d.StartSector)
	assert.Equal(t, uint64(1048576), d.EndSector)
	assert.Nil(t, d.Parent)
	assert.Same(t, d, d.GetBaseDevice())
	assert.Equal(t, uint32(8<<20), d.EventDev)
}

func TestFromMajorMinorPartition(t *testing.T) {
	sysPath := t.TempDir()
	writeFile(t, filepath.Join(sysPath, "dev/block/8:0/size"), "1048576\n")
	// As in sysfs, dev/block/8:1 is a symlink to the partition's directory,
	// which sits inside the whole disk's directory holding its "dev" file.
	disk := filepath.Join(sysPath, "devices/sda")
	writeFile(t, filepath.Join(disk, "dev"), "8:0\n")
	writeFile(t, filepath.Join(disk, "sda1/size"), "524288\n")
	writeFile(t, filepath.Join(disk, "sda1/partition"), "1\n")
	writeFile(t, filepath.Join(disk, "sda1/start"), "2048\n")
	require.NoError(t, os.Symlink(filepath.Join(disk, "sda1"), filepath.Join(sysPath, "dev/block/8:1")))

	d, err := FromMajorMinor(sysPath, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), d.StartSector)
	assert.Equal(t, uint64(2048+524288), d.EndSector)
	require.NotNil(t, d.Parent)
	assert.Equal(t, uint32(8), d.Parent.Major)
	assert.Equal(t, uint32(0), d.Parent.Minor)
	assert.Same(t, d.Parent, d.GetBaseDevice())
}

func TestSizeBytes(t *testing.T) {
	d := &Device{SectorCount: 10}
	assert.Equal(t, uint64(5120), d.SizeBytes())
}

func TestFileGetChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	content := make([]byte, 4096+100)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint64(len(content)), f.Size())

	c, err := f.GetChunk(0, 4096)
	require.NoError(t, err)
	assert.Len(t, c.Data, 4096)
	assert.Equal(t, content[:4096], c.Data)

	c, err = f.GetChunk(4096, 4096)
	require.NoError(t, err)
	assert.Len(t, c.Data, 100, "final chunk must be capped to remaining size")

	_, err = f.GetChunk(uint64(len(content)), 4096)
	assert.Error(t, err)
}

func TestParseMajorMinor(t *testing.T) {
	major, minor, err := parseMajorMinor("8:16\n")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), major)
	assert.Equal(t, uint32(16), minor)

	_, _, err = parseMajorMinor("garbage")
	assert.Error(t, err)
}
