package buffer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/storage/page"
)

const testPageSize = 128

func setupPool(t *testing.T, poolSize int) (*BufferPoolManager, *disk.DiskManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := disk.NewDiskManager(path, testPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	return NewBufferPoolManager(poolSize, dm, nil, logger), dm
}

func fill(p *page.Page, b byte) {
	data := p.GetData()
	for i := range data {
		data[i] = b
	}
}

func TestBufferPool_DirtyVictimIsFlushed(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	p0, id0, err := bpm.NewPage()
	require.NoError(t, err)
	fill(p0, 0xAA)
	require.NoError(t, bpm.UnpinPage(id0, true))

	_, id1, err := bpm.NewPage()
	require.NoError(t, err)
	_, id2, err := bpm.NewPage()
	require.NoError(t, err)

	// All frames occupied, only id0 evictable: the next NewPage evicts it
	// and must flush the 0xAA image on the way out.
	_, id3, err := bpm.NewPage()
	require.NoError(t, err)

	require.NoError(t, bpm.UnpinPage(id3, false))
	got, err := bpm.FetchPage(id0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAA}, testPageSize), got.GetData())

	require.NoError(t, bpm.UnpinPage(id0, false))
	require.NoError(t, bpm.UnpinPage(id1, false))
	require.NoError(t, bpm.UnpinPage(id2, false))
}

func TestBufferPool_CleanVictimSkipsFlush(t *testing.T) {
	bpm, _ := setupPool(t, 1)

	_, id0, err := bpm.NewPage()
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(id0, false))

	_, id1, err := bpm.NewPage()
	require.NoError(t, err, "clean page is evicted without a flush")
	require.NoError(t, bpm.UnpinPage(id1, false))

	p0, err := bpm.FetchPage(id0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, testPageSize), p0.GetData(), "never-flushed page reads back zeroed")
	require.NoError(t, bpm.UnpinPage(id0, false))
}

func TestBufferPool_AllPinnedFails(t *testing.T) {
	bpm, dm := setupPool(t, 2)

	_, _, err := bpm.NewPage()
	require.NoError(t, err)
	_, _, err = bpm.NewPage()
	require.NoError(t, err)

	// Pre-allocate a third page on disk, then try to fetch it.
	id3, err := dm.AllocatePage()
	require.NoError(t, err)
	_, err = bpm.FetchPage(id3)
	require.ErrorIs(t, err, disk.ErrBufferPoolFull)

	free := dm.FreePageCount()
	_, _, err = bpm.NewPage()
	require.ErrorIs(t, err, disk.ErrBufferPoolFull)
	require.Equal(t, free+1, dm.FreePageCount(), "orphaned id from failed NewPage is returned")
}

func TestBufferPool_FetchResidentPins(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	p0, id0, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, uint32(1), p0.GetPinCount())

	again, err := bpm.FetchPage(id0)
	require.NoError(t, err)
	require.Same(t, p0, again)
	require.Equal(t, uint32(2), p0.GetPinCount())

	require.NoError(t, bpm.UnpinPage(id0, false))
	require.NoError(t, bpm.UnpinPage(id0, false))
	require.Equal(t, uint32(0), p0.GetPinCount())
	require.ErrorIs(t, bpm.UnpinPage(id0, false), disk.ErrPageNotPinned)
}

func TestBufferPool_UnpinAndFlushMissing(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	require.ErrorIs(t, bpm.UnpinPage(page.PageID(99), false), disk.ErrPageNotFound)
	require.ErrorIs(t, bpm.FlushPage(page.PageID(99)), disk.ErrPageNotFound)
}

func TestBufferPool_FlushRoundTrip(t *testing.T) {
	bpm, dm := setupPool(t, 2)

	p0, id0, err := bpm.NewPage()
	require.NoError(t, err)
	fill(p0, 0x5C)
	require.NoError(t, bpm.UnpinPage(id0, true))

	require.NoError(t, bpm.FlushPage(id0))
	got := make([]byte, testPageSize)
	require.NoError(t, dm.ReadPage(id0, got))
	require.Equal(t, bytes.Repeat([]byte{0x5C}, testPageSize), got)

	// A second flush of the now-clean page is a no-op success.
	require.NoError(t, bpm.FlushPage(id0))
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm, dm := setupPool(t, 2)

	_, id0, err := bpm.NewPage()
	require.NoError(t, err)

	require.ErrorIs(t, bpm.DeletePage(id0), disk.ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(id0, false))
	require.NoError(t, bpm.DeletePage(id0))
	require.True(t, dm.IsDeallocated(id0))

	// Deleting a non-resident page still deallocates its id.
	id1, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, bpm.DeletePage(id1))
	require.True(t, dm.IsDeallocated(id1))
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := setupPool(t, 3)

	var ids []page.PageID
	for i := 0; i < 3; i++ {
		p, id, err := bpm.NewPage()
		require.NoError(t, err)
		fill(p, byte(i+1))
		require.NoError(t, bpm.UnpinPage(id, true))
		ids = append(ids, id)
	}

	require.NoError(t, bpm.FlushAllPages())
	for i, id := range ids {
		got := make([]byte, testPageSize)
		require.NoError(t, dm.ReadPage(id, got))
		require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, testPageSize), got)
	}
}

func TestBufferPool_EvictionRoundTrip(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	p0, id0, err := bpm.NewPage()
	require.NoError(t, err)
	fill(p0, 0xAA)
	require.NoError(t, bpm.UnpinPage(id0, true))

	// Push id0 out through two more pages, then bring it back.
	for i := 0; i < 2; i++ {
		_, id, err := bpm.NewPage()
		require.NoError(t, err)
		require.NoError(t, bpm.UnpinPage(id, false))
	}

	back, err := bpm.FetchPage(id0)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAA}, testPageSize), back.GetData())
	require.NoError(t, bpm.UnpinPage(id0, false))
}
