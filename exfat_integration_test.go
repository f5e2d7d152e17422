package exfat_test

import (
	"bytes"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/errors"
	"github.com/salass00/exfat/imagetest"
)

const testImageSize = 64 << 20

// createFile makes an empty file and returns its referenced node.
func createFile(t *testing.T, fs *exfat.FileSystem, path string) *exfat.Node {
	t.Helper()
	require.NoError(t, fs.Mknod(path))
	node, err := fs.Lookup(path)
	require.NoError(t, err)
	return node
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	node := createFile(t, fs, "/a.bin")
	defer fs.PutNode(node)

	// 0x00..0xFF repeated 4096 times.
	payload := make([]byte, 256*4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := fs.Write(node, payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, int64(len(payload)), node.Size())

	buf := make([]byte, 4096)
	n, err = fs.Read(node, buf, 512)
	require.NoError(t, err)
	require.Equal(t, 4096, n)
	assert.Equal(t, payload[512:512+4096], buf)
}

func TestWriteSurvivesRemount(t *testing.T) {
	dev, _ := imagetest.NewFormattedDevice(t, testImageSize, "")
	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)

	node := createFile(t, fs, "/persist.dat")
	payload := bytes.Repeat([]byte("durable"), 1000)
	_, err = fs.Write(node, payload, 0)
	require.NoError(t, err)
	require.NoError(t, fs.PutNode(node))
	require.NoError(t, fs.Unmount())

	fs, err = exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	defer fs.Unmount()

	node, err = fs.Lookup("/persist.dat")
	require.NoError(t, err)
	defer fs.PutNode(node)

	assert.Equal(t, int64(len(payload)), node.Size())
	buf := make([]byte, len(payload))
	n, err := fs.Read(node, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestContiguityBreak(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	clusterSize := int64(fs.Superblock().ClusterSize)
	fill := func(c byte, clusters int64) []byte {
		return bytes.Repeat([]byte{c}, int(clusters*clusterSize))
	}

	a := createFile(t, fs, "/a.bin")
	defer fs.PutNode(a)
	_, err := fs.Write(a, fill('a', 3), 0)
	require.NoError(t, err)
	assert.True(t, a.Contiguous(), "freshly grown file should be contiguous")

	// Occupy the cluster just past a.bin's tail.
	b := createFile(t, fs, "/b.bin")
	defer fs.PutNode(b)
	_, err = fs.Write(b, fill('b', 1), 0)
	require.NoError(t, err)

	// Extending a.bin now either stays contiguous (allocator found another
	// adjacent cluster) or materializes the chain into the FAT.
	_, err = fs.Write(a, fill('A', 1), 3*clusterSize)
	require.NoError(t, err)
	assert.Equal(t, 4*clusterSize, a.Size())

	if b.StartCluster() == a.StartCluster()+3 {
		assert.False(t, a.Contiguous(),
			"chain must be materialized when the adjacent cluster is taken")
	}

	// Whatever the layout, every byte reads back across the chain walk.
	buf := make([]byte, 4*clusterSize)
	_, err = fs.Read(a, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, fill('a', 3), buf[:3*clusterSize])
	assert.Equal(t, fill('A', 1), buf[3*clusterSize:])

	// And b.bin is untouched by its neighbour's growth.
	buf = make([]byte, clusterSize)
	_, err = fs.Read(b, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, fill('b', 1), buf)
}

func TestRenameAcrossDirectories(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/d1"))
	require.NoError(t, fs.Mkdir("/d2"))

	node := createFile(t, fs, "/d1/x")
	_, err := fs.Write(node, []byte("hello"), 0)
	require.NoError(t, err)

	sizeBefore := node.Size()
	startBefore := node.StartCluster()
	mtimeBefore := node.MTime()
	require.NoError(t, fs.PutNode(node))

	require.NoError(t, fs.Rename("/d1/x", "/d2/y"))

	moved, err := fs.Lookup("/d2/y")
	require.NoError(t, err)
	defer fs.PutNode(moved)

	buf := make([]byte, 5)
	n, err := fs.Read(moved, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Rename moves directory entries only.
	assert.Equal(t, sizeBefore, moved.Size())
	assert.Equal(t, startBefore, moved.StartCluster())
	assert.True(t, mtimeBefore.Equal(moved.MTime()), "rename must not touch timestamps")

	_, err = fs.Lookup("/d1/x")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound), "old path still resolves: %v", err)
}

func TestRenameInPlaceAndReplace(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	node := createFile(t, fs, "/old-name.txt")
	_, err := fs.Write(node, []byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.PutNode(node))

	// Same parent, same slot count: rewritten in place.
	require.NoError(t, fs.Rename("/old-name.txt", "/new-name.txt"))
	renamed, err := fs.Lookup("/new-name.txt")
	require.NoError(t, err)
	fs.PutNode(renamed)

	// Replacing an existing file unlinks it.
	victim := createFile(t, fs, "/victim")
	_, err = fs.Write(victim, []byte("gone"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.PutNode(victim))

	require.NoError(t, fs.Rename("/new-name.txt", "/victim"))
	got, err := fs.Lookup("/victim")
	require.NoError(t, err)
	defer fs.PutNode(got)

	buf := make([]byte, 16)
	n, err := fs.Read(got, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	_, err = fs.Lookup("/new-name.txt")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestRenameDirectoryRules(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/src"))
	require.NoError(t, fs.Mkdir("/full"))
	require.NoError(t, fs.Mkdir("/empty"))
	createAndPut := func(path string) {
		n := createFile(t, fs, path)
		require.NoError(t, fs.PutNode(n))
	}
	createAndPut("/full/occupant")

	// A populated directory cannot be replaced.
	err := fs.Rename("/src", "/full")
	assert.True(t, stderrors.Is(err, errors.ErrDirectoryNotEmpty), "got %v", err)

	// An empty one can.
	require.NoError(t, fs.Rename("/src", "/empty"))
	_, err = fs.Lookup("/src")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	// A directory cannot move into its own subtree.
	require.NoError(t, fs.Mkdir("/empty/sub"))
	err = fs.Rename("/empty", "/empty/sub/deeper")
	assert.Error(t, err)
}

func TestUnlinkWhileOpenDefersClusterFree(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	node := createFile(t, fs, "/a.bin")
	_, err := fs.Write(node, []byte("x"), 0) // one cluster
	require.NoError(t, err)

	freeBefore := fs.FreeClusterCount()
	require.NoError(t, fs.Unlink(node))

	// The handle is still open: no clusters come back yet, but the name is
	// gone.
	assert.Equal(t, freeBefore, fs.FreeClusterCount())
	_, err = fs.Lookup("/a.bin")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	// Reads through the surviving handle still work.
	buf := make([]byte, 1)
	n, err := fs.Read(node, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))

	// The last put releases the cluster.
	require.NoError(t, fs.PutNode(node))
	assert.Equal(t, freeBefore+1, fs.FreeClusterCount())
}

func TestMkdirRmdir(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/dir"))
	dir, err := fs.Lookup("/dir")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	// Unlink refuses directories; rmdir refuses populated ones.
	err = fs.Unlink(dir)
	assert.True(t, stderrors.Is(err, errors.ErrIsADirectory))

	inner := createFile(t, fs, "/dir/file")
	require.NoError(t, fs.PutNode(inner))
	err = fs.Rmdir(dir)
	assert.True(t, stderrors.Is(err, errors.ErrDirectoryNotEmpty))

	inner, err = fs.Lookup("/dir/file")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(inner))
	require.NoError(t, fs.PutNode(inner))

	require.NoError(t, fs.Rmdir(dir))
	require.NoError(t, fs.PutNode(dir))
	_, err = fs.Lookup("/dir")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestNamePreservation(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	names := []string{
		"Ünïcødé 文件.txt",
		"UPPER lower MiXeD.DaT",
		"sixteen-unit-nam",                    // exactly one name entry boundary
		"a really long file name that spills over several name entries to prove the fragment reassembly works.bin",
	}
	for _, name := range names {
		n := createFile(t, fs, "/"+name)
		require.NoError(t, fs.PutNode(n))
	}

	// Readdir reports every name exactly as written.
	root := fs.Root()
	it, err := fs.OpenDir(root)
	require.NoError(t, err)
	seen := map[string]bool{}
	for {
		child, err := it.Next()
		require.NoError(t, err)
		if child == nil {
			break
		}
		seen[child.Name()] = true
		require.NoError(t, fs.PutNode(child))
	}
	require.NoError(t, it.Close())
	for _, name := range names {
		assert.True(t, seen[name], "readdir lost %q", name)
	}

	// Lookup succeeds, including case-folded.
	for _, name := range names {
		n, err := fs.Lookup("/" + name)
		require.NoError(t, err)
		assert.Equal(t, name, n.Name())
		require.NoError(t, fs.PutNode(n))
	}
	n, err := fs.Lookup("/upper LOWER mIxEd.dat")
	require.NoError(t, err, "lookup must fold case through the upcase table")
	fs.PutNode(n)
}

func TestTruncateGrowAndShrink(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	clusterSize := int64(fs.Superblock().ClusterSize)
	freeAtStart := fs.FreeClusterCount()

	node := createFile(t, fs, "/t.bin")
	defer fs.PutNode(node)

	_, err := fs.Write(node, []byte("0123456789"), 0)
	require.NoError(t, err)

	// Growing with erase exposes zeros.
	require.NoError(t, fs.Truncate(node, 3*clusterSize, true))
	assert.Equal(t, 3*clusterSize, node.Size())
	buf := make([]byte, 32)
	_, err = fs.Read(node, buf, clusterSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), buf)

	// Sparse-style write far past the end materializes and zeroes the gap.
	_, err = fs.Write(node, []byte{0xff}, 5*clusterSize)
	require.NoError(t, err)
	_, err = fs.Read(node, buf, 4*clusterSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), buf)

	// Shrinking frees the tail; truncating to zero frees everything.
	require.NoError(t, fs.Truncate(node, 10, false))
	assert.Equal(t, int64(10), node.Size())
	_, err = fs.Read(node, buf[:10], 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf[:10]))

	require.NoError(t, fs.Truncate(node, 0, false))
	assert.Equal(t, int64(0), node.Size())
	assert.Equal(t, exfat.Cluster(0), node.StartCluster())
	assert.Equal(t, freeAtStart, fs.FreeClusterCount(),
		"all clusters must return to the pool")
}

func TestDirectoryGrowsPastOneCluster(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/crowd"))

	// Enough long-named files to need several directory clusters.
	name := func(i int) string {
		return "/crowd/a-rather-wordy-file-name-to-burn-directory-slots-quickly-" +
			string(rune('a'+i/26)) + string(rune('a'+i%26))
	}
	const count = 200
	for i := 0; i < count; i++ {
		n := createFile(t, fs, name(i))
		require.NoError(t, fs.PutNode(n))
	}
	for i := 0; i < count; i++ {
		n, err := fs.Lookup(name(i))
		require.NoError(t, err, "lost %q after directory growth", name(i))
		require.NoError(t, fs.PutNode(n))
	}

	dir, err := fs.Lookup("/crowd")
	require.NoError(t, err)
	defer fs.PutNode(dir)
	assert.Greater(t, dir.Size(), int64(fs.Superblock().ClusterSize))
}

func TestStatFSAccounting(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	before := fs.StatFS()
	assert.Equal(t, int64(fs.Superblock().ClusterSize), before.BlockSize)
	assert.False(t, before.ReadOnly)

	node := createFile(t, fs, "/one-cluster")
	_, err := fs.Write(node, []byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.PutNode(node))

	after := fs.StatFS()
	assert.Equal(t, before.BlocksFree-1, after.BlocksFree)
}

func TestStatReportsMaskedModes(t *testing.T) {
	dev, _ := imagetest.NewFormattedDevice(t, testImageSize, "")
	fs, err := exfat.Mount(dev, exfat.Options{Uid: 1000, Gid: 100, FMask: 0o133, DMask: 0o022})
	require.NoError(t, err)
	defer fs.Unmount()

	node := createFile(t, fs, "/modes")
	defer fs.PutNode(node)

	stat := fs.Stat(node)
	assert.Equal(t, uint32(1000), stat.Uid)
	assert.Equal(t, uint32(100), stat.Gid)
	assert.Equal(t, "-rw-r--r--", stat.Mode.String())

	rootStat := fs.Stat(fs.Root())
	assert.Equal(t, "drwxr-xr-x", rootStat.Mode.String())
}

func TestLabelPersistsAcrossRemount(t *testing.T) {
	dev, _ := imagetest.NewFormattedDevice(t, testImageSize, "ORIGINAL")
	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL", fs.Label())

	require.NoError(t, fs.SetLabel("RENAMED"))
	require.NoError(t, fs.Unmount())

	fs, err = exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	defer fs.Unmount()
	assert.Equal(t, "RENAMED", fs.Label())
}

func TestUtimes(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	node := createFile(t, fs, "/stamped")
	defer fs.PutNode(node)

	mtime := time.Date(2003, time.November, 11, 11, 11, 10, 0, time.UTC)
	atime := time.Date(2004, time.April, 4, 4, 4, 4, 0, time.UTC)
	require.NoError(t, fs.Utimes(node, atime, mtime))
	require.NoError(t, fs.FlushNode(node))

	assert.True(t, mtime.Equal(node.MTime()))
	assert.True(t, atime.Equal(node.ATime()))
}

func TestMountUnmountIsIdempotent(t *testing.T) {
	dev, backing := imagetest.NewFormattedDevice(t, testImageSize, "STABLE")

	snapshot := append([]byte(nil), backing...)

	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	assert.True(t, bytes.Equal(snapshot, backing),
		"mount+unmount with no operations must leave the image byte-identical")

	// And the volume still mounts.
	fs, err = exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())
}

func TestReadOnlyMountRefusesWrites(t *testing.T) {
	dev, _ := imagetest.NewFormattedDevice(t, testImageSize, "")
	fs, err := exfat.Mount(dev, exfat.Options{ReadOnly: true})
	require.NoError(t, err)
	defer fs.Unmount()

	assert.True(t, fs.ReadOnly())
	err = fs.Mknod("/nope")
	assert.True(t, stderrors.Is(err, errors.ErrReadOnly))
	err = fs.Mkdir("/nope")
	assert.True(t, stderrors.Is(err, errors.ErrReadOnly))
	err = fs.SetLabel("NOPE")
	assert.True(t, stderrors.Is(err, errors.ErrReadOnly))
}

func TestDirtyVolumeFallsBackToReadOnly(t *testing.T) {
	dev, backing := imagetest.NewFormattedDevice(t, testImageSize, "")

	// Set the volume-dirty flag the way a crashed writer would have left it.
	backing[106] |= 0x02

	fs, err := exfat.Mount(dev, exfat.Options{ReadOnlyFallback: true})
	require.NoError(t, err)
	defer fs.Unmount()

	assert.True(t, fs.ReadOnly())
	assert.True(t, fs.ReadOnlyFallback())
	err = fs.Mknod("/nope")
	assert.True(t, stderrors.Is(err, errors.ErrReadOnly))
}

func TestLookupErrors(t *testing.T) {
	fs, _ := imagetest.MountFresh(t, testImageSize)
	defer fs.Unmount()

	_, err := fs.Lookup("/missing")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))

	node := createFile(t, fs, "/plain")
	require.NoError(t, fs.PutNode(node))
	_, err = fs.Lookup("/plain/below")
	assert.True(t, stderrors.Is(err, errors.ErrNotADirectory))

	_, err = fs.Lookup("/bad:name")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidName))

	err = fs.Mknod("/plain")
	assert.True(t, stderrors.Is(err, errors.ErrExists))
}
