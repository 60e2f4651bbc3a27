package page

import (
	"sync"
)

const (
	// InvalidPageID marks a frame that holds no resident page. Page 0 of the
	// database file is the file header, so user pages start at 1.
	InvalidPageID PageID = 0
)

// PageID is the persistent identifier of a page in the database file.
type PageID uint32

// LSN is the log sequence number of the last log record that touched a page.
type LSN uint64

const InvalidLSN LSN = 0

// Page is the in-memory image of one disk page. The buffer pool owns a fixed
// array of these and re-targets them as logical pages move in and out of
// memory. A pointer returned by FetchPage/NewPage stays valid until the
// matching UnpinPage.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	lsn      LSN

	// latch guards the page payload: shared for readers, exclusive for
	// mutators. Acquired after FetchPage returns, released before UnpinPage.
	latch sync.RWMutex
}

// NewPage creates a frame-sized page image bound to the given id.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset returns the page to the invalid state and zeroes the payload so old
// content cannot leak into the next resident page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }

func (p *Page) Pin() { p.pinCount++ }

func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

func (p *Page) GetPinCount() uint32  { return p.pinCount }
func (p *Page) SetPinCount(n uint32) { p.pinCount = n }
func (p *Page) GetLSN() LSN          { return p.lsn }
func (p *Page) SetLSN(lsn LSN)       { p.lsn = lsn }

// RLock acquires the page latch in shared mode.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases a shared latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires the page latch in exclusive mode.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases an exclusive latch.
func (p *Page) Unlock() { p.latch.Unlock() }
