package hash

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/probedb/probedb/core/buffer"
	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/storage/page"
	"github.com/probedb/probedb/core/transaction"
)

// LinearProbeHashTable is a disk-resident open-addressed hash index. The
// buffer pool is its only memory backing: a header page lists the ids of the
// block pages, and every access goes through FetchPage/UnpinPage with page
// latching. The table latch is shared for point operations and exclusive for
// resize, so a resize never runs concurrently with mutations.
type LinearProbeHashTable[K any, V comparable] struct {
	name           string
	bpm            *buffer.BufferPoolManager
	cmp            Comparator[K]
	hashFn         HashFunc[K]
	kc             Codec[K]
	vc             Codec[V]
	headerPageID   page.PageID
	blockArraySize int
	tableLatch     sync.RWMutex
	log            *zap.Logger
}

// NewLinearProbeHashTable creates a table with numBlockPages block pages.
// The slot count per block is the maximal B for the pool's page size and the
// codec widths.
func NewLinearProbeHashTable[K any, V comparable](
	name string,
	bpm *buffer.BufferPoolManager,
	cmp Comparator[K],
	numBlockPages int,
	hashFn HashFunc[K],
	kc Codec[K],
	vc Codec[V],
	log *zap.Logger,
) (*LinearProbeHashTable[K, V], error) {
	if log == nil {
		log = zap.NewNop()
	}
	blockArraySize := BlockArraySize(bpm.GetPageSize(), kc.Width(), vc.Width())
	if blockArraySize < 1 {
		return nil, fmt.Errorf("%w: page size %d cannot hold one entry of width %d",
			disk.ErrInvalidPageData, bpm.GetPageSize(), kc.Width()+vc.Width())
	}
	if numBlockPages < 1 {
		return nil, fmt.Errorf("%w: need at least one block page", disk.ErrInvalidPageData)
	}
	if numBlockPages > maxBlockIDs(bpm.GetPageSize()) {
		return nil, fmt.Errorf("%w: header page lists at most %d blocks, requested %d",
			disk.ErrInvalidPageData, maxBlockIDs(bpm.GetPageSize()), numBlockPages)
	}

	t := &LinearProbeHashTable[K, V]{
		name:           name,
		bpm:            bpm,
		cmp:            cmp,
		hashFn:         hashFn,
		kc:             kc,
		vc:             vc,
		blockArraySize: blockArraySize,
		log:            log.With(zap.String("index", name)),
	}

	hp, headerID, err := bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("allocating header page: %w", err)
	}
	t.headerPageID = headerID
	hp.Lock()
	hdr := headerPageView(hp)
	hdr.SetSize(uint64(numBlockPages * blockArraySize))
	hdr.SetPageID(headerID)
	for i := 0; i < numBlockPages; i++ {
		_, blockID, err := bpm.NewPage()
		if err != nil {
			hp.Unlock()
			t.unpin(headerID, true)
			return nil, fmt.Errorf("allocating block page %d: %w", i, err)
		}
		hdr.AddBlockPageID(blockID)
		t.unpin(blockID, false)
	}
	hp.Unlock()
	t.unpin(headerID, true)

	t.log.Info("hash table created",
		zap.Int("block_pages", numBlockPages),
		zap.Int("block_array_size", blockArraySize))
	return t, nil
}

// HeaderPageID exposes the current header page id.
func (t *LinearProbeHashTable[K, V]) HeaderPageID() page.PageID {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()
	return t.headerPageID
}

// BlockArraySizeOf returns B, the slot count of one block page.
func (t *LinearProbeHashTable[K, V]) BlockArraySizeOf() int {
	return t.blockArraySize
}

func (t *LinearProbeHashTable[K, V]) unpin(id page.PageID, dirty bool) {
	if err := t.bpm.UnpinPage(id, dirty); err != nil {
		t.log.Error("unpin failed", zap.Uint32("page_id", uint32(id)), zap.Error(err))
	}
}

func (t *LinearProbeHashTable[K, V]) slotFor(key K, capacity int) int {
	return int(t.hashFn(key) % uint64(capacity))
}

// GetValue collects every live value stored under key. The probe stops at
// the first never-used slot or after wrapping back to the start; tombstones
// keep it going. The second result reports whether anything was found.
func (t *LinearProbeHashTable[K, V]) GetValue(txn *transaction.Transaction, key K) ([]V, bool, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	hp, err := t.bpm.FetchPage(t.headerPageID)
	if err != nil {
		return nil, false, err
	}
	hp.RLock()
	hdr := headerPageView(hp)
	capacity := hdr.NumBlocks() * t.blockArraySize
	start := t.slotFor(key, capacity)

	cur := start
	blockIdx := cur / t.blockArraySize
	blockID := hdr.BlockPageID(blockIdx)
	bp, err := t.bpm.FetchPage(blockID)
	if err != nil {
		hp.RUnlock()
		t.unpin(t.headerPageID, false)
		return nil, false, err
	}
	bp.RLock()
	blk := blockPageView(bp, t.blockArraySize, t.kc, t.vc)

	var result []V
	for {
		bucket := cur % t.blockArraySize
		if !blk.IsOccupied(bucket) {
			break
		}
		if blk.IsReadable(bucket) && t.cmp(blk.KeyAt(bucket), key) == 0 {
			result = append(result, blk.ValueAt(bucket))
		}
		cur = (cur + 1) % capacity
		if cur == start {
			break
		}
		if next := cur / t.blockArraySize; next != blockIdx {
			bp.RUnlock()
			t.unpin(blockID, false)
			blockIdx = next
			blockID = hdr.BlockPageID(blockIdx)
			if bp, err = t.bpm.FetchPage(blockID); err != nil {
				hp.RUnlock()
				t.unpin(t.headerPageID, false)
				return nil, false, err
			}
			bp.RLock()
			blk = blockPageView(bp, t.blockArraySize, t.kc, t.vc)
		}
	}

	bp.RUnlock()
	t.unpin(blockID, false)
	hp.RUnlock()
	t.unpin(t.headerPageID, false)
	return result, len(result) > 0, nil
}

// Insert stores the pair unless the exact same pair is already live. When
// the probe wraps without finding a reclaimable slot the table doubles and
// the insert restarts against the new header.
func (t *LinearProbeHashTable[K, V]) Insert(txn *transaction.Transaction, key K, value V) (bool, error) {
	t.tableLatch.RLock()
	for {
		inserted, full, oldCapacity, err := t.insertOnce(key, value)
		if err != nil {
			t.tableLatch.RUnlock()
			return false, err
		}
		if !full {
			t.tableLatch.RUnlock()
			return inserted, nil
		}
		t.tableLatch.RUnlock()
		if err := t.Resize(oldCapacity); err != nil {
			return false, err
		}
		t.tableLatch.RLock()
	}
}

// insertOnce performs one probe pass. It takes no table latch: Insert holds
// the shared latch around it and Resize calls it while holding the exclusive
// latch, which is what makes re-insertion during resize legal.
func (t *LinearProbeHashTable[K, V]) insertOnce(key K, value V) (inserted, full bool, capacity int, err error) {
	hp, err := t.bpm.FetchPage(t.headerPageID)
	if err != nil {
		return false, false, 0, err
	}
	hp.RLock()
	hdr := headerPageView(hp)
	capacity = hdr.NumBlocks() * t.blockArraySize
	start := t.slotFor(key, capacity)

	releaseHeader := func() {
		hp.RUnlock()
		t.unpin(t.headerPageID, false)
	}

	cur := start
	blockIdx := cur / t.blockArraySize
	blockID := hdr.BlockPageID(blockIdx)
	bp, err := t.bpm.FetchPage(blockID)
	if err != nil {
		releaseHeader()
		return false, false, capacity, err
	}
	bp.Lock()
	blk := blockPageView(bp, t.blockArraySize, t.kc, t.vc)

	for {
		bucket := cur % t.blockArraySize
		if blk.Insert(bucket, key, value) {
			bp.Unlock()
			t.unpin(blockID, true)
			releaseHeader()
			return true, false, capacity, nil
		}
		// The slot is live. An identical pair means rejection, not probing on.
		if t.cmp(blk.KeyAt(bucket), key) == 0 && blk.ValueAt(bucket) == value {
			bp.Unlock()
			t.unpin(blockID, false)
			releaseHeader()
			return false, false, capacity, nil
		}
		cur = (cur + 1) % capacity
		if cur == start {
			bp.Unlock()
			t.unpin(blockID, false)
			releaseHeader()
			return false, true, capacity, nil
		}
		if next := cur / t.blockArraySize; next != blockIdx {
			bp.Unlock()
			t.unpin(blockID, false)
			blockIdx = next
			blockID = hdr.BlockPageID(blockIdx)
			if bp, err = t.bpm.FetchPage(blockID); err != nil {
				releaseHeader()
				return false, false, capacity, err
			}
			bp.Lock()
			blk = blockPageView(bp, t.blockArraySize, t.kc, t.vc)
		}
	}
}

// Remove deletes the exact (key, value) pair by clearing its readable bit,
// leaving the occupied bit as a tombstone so later probes continue past the
// slot.
func (t *LinearProbeHashTable[K, V]) Remove(txn *transaction.Transaction, key K, value V) (bool, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	hp, err := t.bpm.FetchPage(t.headerPageID)
	if err != nil {
		return false, err
	}
	hp.RLock()
	hdr := headerPageView(hp)
	capacity := hdr.NumBlocks() * t.blockArraySize
	start := t.slotFor(key, capacity)

	releaseHeader := func() {
		hp.RUnlock()
		t.unpin(t.headerPageID, false)
	}

	cur := start
	blockIdx := cur / t.blockArraySize
	blockID := hdr.BlockPageID(blockIdx)
	bp, err := t.bpm.FetchPage(blockID)
	if err != nil {
		releaseHeader()
		return false, err
	}
	bp.Lock()
	blk := blockPageView(bp, t.blockArraySize, t.kc, t.vc)

	for {
		bucket := cur % t.blockArraySize
		if !blk.IsOccupied(bucket) {
			break
		}
		if t.cmp(blk.KeyAt(bucket), key) == 0 && blk.ValueAt(bucket) == value {
			if !blk.IsReadable(bucket) {
				// Already a tombstone for this exact pair.
				bp.Unlock()
				t.unpin(blockID, false)
				releaseHeader()
				return false, nil
			}
			blk.Remove(bucket)
			bp.Unlock()
			t.unpin(blockID, true)
			releaseHeader()
			return true, nil
		}
		cur = (cur + 1) % capacity
		if cur == start {
			break
		}
		if next := cur / t.blockArraySize; next != blockIdx {
			bp.Unlock()
			t.unpin(blockID, false)
			blockIdx = next
			blockID = hdr.BlockPageID(blockIdx)
			if bp, err = t.bpm.FetchPage(blockID); err != nil {
				releaseHeader()
				return false, err
			}
			bp.Lock()
			blk = blockPageView(bp, t.blockArraySize, t.kc, t.vc)
		}
	}

	bp.Unlock()
	t.unpin(blockID, false)
	releaseHeader()
	return false, nil
}

// Resize doubles the table from oldCapacity, transports every live entry
// into freshly allocated pages, and deletes the old header and block pages.
// Concurrent inserters that lost the race to grow find the capacity already
// changed and retry without growing again.
func (t *LinearProbeHashTable[K, V]) Resize(oldCapacity int) error {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	current, err := t.capacityNoLatch()
	if err != nil {
		return err
	}
	if current != oldCapacity {
		return nil
	}

	newCapacity := 2 * oldCapacity
	newBlocks := newCapacity / t.blockArraySize
	if newBlocks > maxBlockIDs(t.bpm.GetPageSize()) {
		return fmt.Errorf("%w: header page cannot list %d blocks", disk.ErrHashTableFull, newBlocks)
	}

	nhp, newHeaderID, err := t.bpm.NewPage()
	if err != nil {
		return fmt.Errorf("allocating new header page: %w", err)
	}
	nhp.Lock()
	nhdr := headerPageView(nhp)
	nhdr.SetSize(uint64(newCapacity))
	nhdr.SetPageID(newHeaderID)
	for i := 0; i < newBlocks; i++ {
		_, blockID, err := t.bpm.NewPage()
		if err != nil {
			nhp.Unlock()
			t.unpin(newHeaderID, true)
			return fmt.Errorf("allocating block page %d: %w", i, err)
		}
		nhdr.AddBlockPageID(blockID)
		t.unpin(blockID, false)
	}
	nhp.Unlock()
	t.unpin(newHeaderID, true)

	// Point the table at the new header so re-insertion lands there.
	oldHeaderID := t.headerPageID
	t.headerPageID = newHeaderID

	ohp, err := t.bpm.FetchPage(oldHeaderID)
	if err != nil {
		return err
	}
	ohp.RLock()
	ohdr := headerPageView(ohp)
	oldBlocks := ohdr.NumBlocks()

	for blockIdx := 0; blockIdx < oldBlocks; blockIdx++ {
		oldBlockID := ohdr.BlockPageID(blockIdx)
		obp, err := t.bpm.FetchPage(oldBlockID)
		if err != nil {
			ohp.RUnlock()
			t.unpin(oldHeaderID, false)
			return err
		}
		obp.RLock()
		oblk := blockPageView(obp, t.blockArraySize, t.kc, t.vc)
		var keys []K
		var values []V
		for bucket := 0; bucket < t.blockArraySize; bucket++ {
			if oblk.IsReadable(bucket) {
				keys = append(keys, oblk.KeyAt(bucket))
				values = append(values, oblk.ValueAt(bucket))
			}
		}
		obp.RUnlock()
		t.unpin(oldBlockID, false)

		for i := range keys {
			inserted, full, _, err := t.insertOnce(keys[i], values[i])
			if err != nil {
				ohp.RUnlock()
				t.unpin(oldHeaderID, false)
				return err
			}
			if full || !inserted {
				ohp.RUnlock()
				t.unpin(oldHeaderID, false)
				return fmt.Errorf("%w: doubled table rejected entry during resize", disk.ErrHashTableFull)
			}
		}

		if err := t.bpm.DeletePage(oldBlockID); err != nil {
			ohp.RUnlock()
			t.unpin(oldHeaderID, false)
			return err
		}
	}

	ohp.RUnlock()
	t.unpin(oldHeaderID, false)
	if err := t.bpm.DeletePage(oldHeaderID); err != nil {
		return err
	}

	t.log.Info("hash table resized",
		zap.Int("old_capacity", oldCapacity),
		zap.Int("new_capacity", newCapacity))
	return nil
}

// GetSize returns the table's slot capacity, numBlocks x B.
func (t *LinearProbeHashTable[K, V]) GetSize() (int, error) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()
	return t.capacityNoLatch()
}

func (t *LinearProbeHashTable[K, V]) capacityNoLatch() (int, error) {
	hp, err := t.bpm.FetchPage(t.headerPageID)
	if err != nil {
		return 0, err
	}
	hp.RLock()
	n := headerPageView(hp).NumBlocks()
	hp.RUnlock()
	t.unpin(t.headerPageID, false)
	return n * t.blockArraySize, nil
}
