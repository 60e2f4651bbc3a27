package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/storage/page"
	"github.com/probedb/probedb/core/wal"
)

// BufferPoolManager owns a fixed array of frames shared by all resident
// pages. Victims come from the free list first, then from the clock
// replacer. One pool mutex serializes every metadata mutation, including the
// disk I/O performed inside fetch and eviction; page payloads are guarded by
// each frame's own reader/writer latch instead.
type BufferPoolManager struct {
	diskManager *disk.DiskManager
	logManager  *wal.LogManager // reserved for recovery integration; not invoked by the pool
	poolSize    int
	pages       []*page.Page
	pageTable   map[page.PageID]FrameID
	freeList    []FrameID
	replacer    Replacer
	mu          sync.Mutex
	pageSize    int
	log         *zap.Logger
}

// NewBufferPoolManager creates a pool of poolSize frames backed by the given
// disk manager. Initially every frame sits on the free list and the replacer
// holds all slots pinned.
func NewBufferPoolManager(poolSize int, diskManager *disk.DiskManager, logManager *wal.LogManager, log *zap.Logger) *BufferPoolManager {
	if log == nil {
		log = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		logManager:  logManager,
		poolSize:    poolSize,
		pages:       make([]*page.Page, poolSize),
		pageTable:   make(map[page.PageID]FrameID),
		freeList:    make([]FrameID, 0, poolSize),
		replacer:    NewClockReplacer(poolSize),
		pageSize:    diskManager.GetPageSize(),
		log:         log,
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = page.NewPage(page.InvalidPageID, bpm.pageSize)
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}
	log.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize))
	return bpm
}

// FetchPage returns the resident image of pageID, reading it from disk into
// a victim frame if necessary. The returned page carries at least one pin;
// the caller must UnpinPage it. ErrBufferPoolFull is returned when every
// frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		p := bpm.pages[frameID]
		bpm.replacer.Pin(frameID)
		p.Pin()
		bpm.log.Debug("page hit",
			zap.Uint32("page_id", uint32(pageID)),
			zap.Int32("frame", int32(frameID)),
			zap.Uint32("pin_count", p.GetPinCount()))
		return p, nil
	}

	frameID, err := bpm.victimFrameLocked()
	if err != nil {
		return nil, err
	}
	if err := bpm.evictFrameLocked(frameID); err != nil {
		return nil, err
	}

	victim := bpm.pages[frameID]
	victim.Reset()
	if err := bpm.diskManager.ReadPage(pageID, victim.GetData()); err != nil {
		// The frame holds no page now; hand it back rather than leak it.
		bpm.freeList = append(bpm.freeList, frameID)
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	victim.SetPageID(pageID)
	victim.SetPinCount(1)
	victim.SetDirty(false)
	bpm.pageTable[pageID] = frameID

	bpm.log.Debug("page read into frame",
		zap.Uint32("page_id", uint32(pageID)),
		zap.Int32("frame", int32(frameID)))
	return victim, nil
}

// NewPage allocates a fresh page id on disk and binds it to a frame. The
// page is returned pinned and clean with a zeroed payload; the disk image is
// zeroed by AllocatePage, so there is nothing to read back.
func (bpm *BufferPoolManager) NewPage() (*page.Page, page.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		return nil, page.InvalidPageID, err
	}

	frameID, err := bpm.victimFrameLocked()
	if err != nil {
		// Give the orphaned id back before surfacing the capacity failure.
		if dErr := bpm.diskManager.DeallocatePage(newPageID); dErr != nil {
			bpm.log.Error("failed to return orphaned page id",
				zap.Uint32("page_id", uint32(newPageID)), zap.Error(dErr))
		}
		return nil, page.InvalidPageID, err
	}
	if err := bpm.evictFrameLocked(frameID); err != nil {
		return nil, page.InvalidPageID, err
	}

	victim := bpm.pages[frameID]
	victim.Reset()
	victim.SetPageID(newPageID)
	victim.SetPinCount(1)
	victim.SetDirty(false)
	bpm.pageTable[newPageID] = frameID

	bpm.log.Debug("new page bound to frame",
		zap.Uint32("page_id", uint32(newPageID)),
		zap.Int32("frame", int32(frameID)))
	return victim, newPageID, nil
}

// victimFrameLocked picks a frame from the free list first, then from the
// replacer. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) victimFrameLocked() (FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}
	if frameID, ok := bpm.replacer.Victim(); ok {
		return frameID, nil
	}
	return -1, disk.ErrBufferPoolFull
}

// evictFrameLocked flushes the frame's old page if dirty and drops it from
// the page table. Must be called with bpm.mu held.
func (bpm *BufferPoolManager) evictFrameLocked(frameID FrameID) error {
	victim := bpm.pages[frameID]
	oldPageID := victim.GetPageID()
	if oldPageID == page.InvalidPageID {
		return nil
	}
	if victim.IsDirty() {
		if err := bpm.diskManager.WritePage(oldPageID, victim.GetData()); err != nil {
			return fmt.Errorf("failed to flush victim page %d: %w", oldPageID, err)
		}
		victim.SetDirty(false)
		bpm.log.Debug("flushed dirty victim", zap.Uint32("page_id", uint32(oldPageID)))
	}
	delete(bpm.pageTable, oldPageID)
	return nil
}

// UnpinPage drops one pin from a resident page, folding dirtyHint into the
// frame's dirty flag. When the pin count reaches zero the frame becomes a
// victim candidate in the replacer.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, dirtyHint bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not resident to unpin", disk.ErrPageNotFound, pageID)
	}
	p := bpm.pages[frameID]
	if p.GetPinCount() == 0 {
		bpm.log.Warn("unpin of unpinned page", zap.Uint32("page_id", uint32(pageID)))
		return fmt.Errorf("%w: page %d", disk.ErrPageNotPinned, pageID)
	}
	if dirtyHint {
		p.SetDirty(true)
	}
	p.Unpin()
	if p.GetPinCount() == 0 {
		bpm.replacer.Unpin(frameID)
	}
	return nil
}

// FlushPage writes a resident dirty page to disk and clears the dirty flag.
// A clean resident page is a no-op success, not an error; a non-resident
// page reports ErrPageNotFound.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushPageLocked(pageID)
}

func (bpm *BufferPoolManager) flushPageLocked(pageID page.PageID) error {
	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not resident to flush", disk.ErrPageNotFound, pageID)
	}
	p := bpm.pages[frameID]
	if !p.IsDirty() {
		bpm.log.Debug("flush skipped, page clean", zap.Uint32("page_id", uint32(pageID)))
		return nil
	}
	if err := bpm.diskManager.WritePage(pageID, p.GetData()); err != nil {
		return err
	}
	p.SetDirty(false)
	return nil
}

// DeletePage drops a page from the pool and deallocates its id. Deleting a
// non-resident page just deallocates; a pinned page reports ErrPagePinned
// with no state change.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return bpm.diskManager.DeallocatePage(pageID)
	}
	p := bpm.pages[frameID]
	if p.GetPinCount() > 0 {
		return fmt.Errorf("%w: page %d has pin count %d", disk.ErrPagePinned, pageID, p.GetPinCount())
	}
	delete(bpm.pageTable, pageID)
	p.Reset()
	// Keep the frame out of the clock while it waits on the free list.
	bpm.replacer.Pin(frameID)
	bpm.freeList = append(bpm.freeList, frameID)
	return bpm.diskManager.DeallocatePage(pageID)
}

// FlushAllPages flushes every resident dirty page, then syncs the data file.
// All failures are collected and returned together.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var errs error
	for _, p := range bpm.pages {
		if p.GetPageID() == page.InvalidPageID || !p.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(p.GetPageID(), p.GetData()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.SetDirty(false)
	}
	errs = multierr.Append(errs, bpm.diskManager.Sync())
	return errs
}

func (bpm *BufferPoolManager) GetPoolSize() int { return bpm.poolSize }
func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }
