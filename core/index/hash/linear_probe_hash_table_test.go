package hash

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/probedb/probedb/core/buffer"
	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/transaction"
)

// testPageSize yields a block array size of exactly 4 for 8-byte keys and
// values, keeping capacities small enough to exercise wrap-around and resize.
const testPageSize = 72

func setupTable(t *testing.T, poolSize, numBlockPages int, hashFn HashFunc[uint64]) (*LinearProbeHashTable[uint64, uint64], *disk.DiskManager) {
	return setupTableWithPageSize(t, poolSize, numBlockPages, hashFn, testPageSize)
}

func setupTableWithPageSize(t *testing.T, poolSize, numBlockPages int, hashFn HashFunc[uint64], pageSize int) (*LinearProbeHashTable[uint64, uint64], *disk.DiskManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := disk.NewDiskManager(path, pageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := buffer.NewBufferPoolManager(poolSize, dm, nil, logger)
	table, err := NewLinearProbeHashTable[uint64, uint64](
		"test", bpm, Uint64Comparator, numBlockPages, hashFn, Uint64Codec{}, Uint64Codec{}, logger)
	require.NoError(t, err)
	return table, dm
}

// collidingHash funnels every key into logical slot 0.
func collidingHash(uint64) uint64 { return 0 }

func TestHashTable_InsertAndGet(t *testing.T) {
	table, _ := setupTable(t, 10, 2, DefaultUint64Hash)
	txn := transaction.Begin()

	ok, err := table.Insert(txn, 1, 100)
	require.NoError(t, err)
	require.True(t, ok)

	values, found, err := table.GetValue(txn, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []uint64{100}, values)

	_, found, err = table.GetValue(txn, 2)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHashTable_GetSize(t *testing.T) {
	table, _ := setupTable(t, 10, 2, DefaultUint64Hash)

	require.Equal(t, 4, table.BlockArraySizeOf())
	size, err := table.GetSize()
	require.NoError(t, err)
	require.Equal(t, 8, size)
}

func TestHashTable_DuplicatePairRejected(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	ok, err := table.Insert(txn, 5, 50)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Insert(txn, 5, 50)
	require.NoError(t, err)
	require.False(t, ok, "identical pair must be rejected")

	values, found, err := table.GetValue(txn, 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []uint64{50}, values, "rejected duplicate must not appear twice")
}

func TestHashTable_SameKeyMultipleValues(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	for _, v := range []uint64{10, 20, 30} {
		ok, err := table.Insert(txn, 7, v)
		require.NoError(t, err)
		require.True(t, ok)
	}

	values, found, err := table.GetValue(txn, 7)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []uint64{10, 20, 30}, values)
}

func TestHashTable_RemoveSemantics(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	ok, err := table.Remove(txn, 1, 10)
	require.NoError(t, err)
	require.False(t, ok, "remove from empty table")

	_, err = table.Insert(txn, 1, 10)
	require.NoError(t, err)

	ok, err = table.Remove(txn, 1, 99)
	require.NoError(t, err)
	require.False(t, ok, "value mismatch must not remove")

	ok, err = table.Remove(txn, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = table.Remove(txn, 1, 10)
	require.NoError(t, err)
	require.False(t, ok, "second remove finds only the tombstone")

	_, found, err := table.GetValue(txn, 1)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHashTable_TombstoneDoesNotStopProbe(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	// Two colliding keys: 2 lands in slot 0, 3 probes to slot 1.
	_, err := table.Insert(txn, 2, 20)
	require.NoError(t, err)
	_, err = table.Insert(txn, 3, 30)
	require.NoError(t, err)

	// Tombstone slot 0, then look for key 3 behind it.
	ok, err := table.Remove(txn, 2, 20)
	require.NoError(t, err)
	require.True(t, ok)

	values, found, err := table.GetValue(txn, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []uint64{30}, values)
}

func TestHashTable_TombstoneReclaimedBySameSlot(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	_, err := table.Insert(txn, 1, 10)
	require.NoError(t, err)
	ok, err := table.Remove(txn, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	// A colliding key reclaims the tombstoned slot.
	okIns, err := table.Insert(txn, 9, 90)
	require.NoError(t, err)
	require.True(t, okIns)

	values, found, err := table.GetValue(txn, 9)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []uint64{90}, values)

	_, found, err = table.GetValue(txn, 1)
	require.NoError(t, err)
	require.False(t, found, "old value must be gone: the slot was reclaimed")
}

func TestHashTable_ReinsertAfterRemoveYieldsSingleValue(t *testing.T) {
	table, _ := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	_, err := table.Insert(txn, 1, 10)
	require.NoError(t, err)
	ok, err := table.Remove(txn, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = table.Insert(txn, 1, 11)
	require.NoError(t, err)

	values, found, err := table.GetValue(txn, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []uint64{11}, values)
}

func TestHashTable_WrapTriggersSingleResize(t *testing.T) {
	table, dm := setupTable(t, 10, 2, collidingHash)
	txn := transaction.Begin()

	oldHeader := table.HeaderPageID()

	// Capacity 8, every key funneled into slot 0: eight inserts fill the
	// table completely without growing it.
	for k := uint64(1); k <= 8; k++ {
		ok, err := table.Insert(txn, k, k*10)
		require.NoError(t, err)
		require.True(t, ok)
	}
	size, err := table.GetSize()
	require.NoError(t, err)
	require.Equal(t, 8, size)
	require.Equal(t, 0, dm.FreePageCount())

	// The ninth insert wraps, doubles the table once, and lands.
	ok, err := table.Insert(txn, 9, 90)
	require.NoError(t, err)
	require.True(t, ok)

	size, err = table.GetSize()
	require.NoError(t, err)
	require.Equal(t, 16, size, "exactly one doubling")

	require.NotEqual(t, oldHeader, table.HeaderPageID())
	require.Equal(t, 3, dm.FreePageCount(), "old header and both old block pages deallocated")

	for k := uint64(1); k <= 9; k++ {
		values, found, err := table.GetValue(txn, k)
		require.NoError(t, err)
		require.True(t, found, "key %d lost in resize", k)
		require.Equal(t, []uint64{k * 10}, values)
	}
}

func TestHashTable_ConcurrentInsertsAndLookups(t *testing.T) {
	// A larger page keeps the doubled header within its block id capacity
	// while four workers grow the table under contention.
	table, _ := setupTableWithPageSize(t, 16, 4, DefaultUint64Hash, 256)

	const (
		workers       = 4
		keysPerWorker = 50
	)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			txn := transaction.Begin()
			base := uint64(w * keysPerWorker)
			for i := uint64(0); i < keysPerWorker; i++ {
				ok, err := table.Insert(txn, base+i, base+i)
				if err != nil {
					errs <- fmt.Errorf("insert %d: %w", base+i, err)
					return
				}
				if !ok {
					errs <- fmt.Errorf("insert %d rejected", base+i)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	txn := transaction.Begin()
	for k := uint64(0); k < workers*keysPerWorker; k++ {
		values, found, err := table.GetValue(txn, k)
		require.NoError(t, err)
		require.True(t, found, "key %d missing", k)
		require.Equal(t, []uint64{k}, values)
	}
}
