package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/probedb/probedb/core/storage/page"
)

const (
	// DBMagic identifies a probedb data file.
	DBMagic uint32 = 0x50524244 // "PRBD"

	dbFileHeaderSize = 32
)

// DBFileHeader is the fixed-size header persisted at offset 0 of the data
// file. All fields have fixed widths so binary.Read/Write stay consistent;
// the padding keeps the struct at exactly dbFileHeaderSize bytes.
type DBFileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	NextPage page.PageID // next never-allocated page id
	LastLSN  page.LSN    // LSN high-water mark at last clean shutdown
	_        [dbFileHeaderSize - (4*4 + 8)]byte
}

// DiskManager provides sequential read/write of fixed-size pages identified
// by integer page ids, plus allocation and deallocation of fresh ids. Page 0
// holds the file header; user pages start at id 1. Deallocated ids are kept
// on a recycle list and handed out again before the file is extended.
type DiskManager struct {
	filePath   string
	file       *os.File
	pageSize   int
	nextPageID page.PageID
	freePages  []page.PageID
	lastLSN    page.LSN
	mu         sync.Mutex
	log        *zap.Logger
}

// NewDiskManager opens the data file at filePath, creating it if absent.
// An existing file must carry a matching magic number and page size.
func NewDiskManager(filePath string, pageSize int, log *zap.Logger) (*DiskManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if pageSize < dbFileHeaderSize {
		return nil, fmt.Errorf("%w: page size %d smaller than file header (%d bytes)", ErrInvalidPageData, pageSize, dbFileHeaderSize)
	}
	dm := &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		log:      log,
	}

	var header DBFileHeader
	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		header = DBFileHeader{
			Magic:    DBMagic,
			Version:  1,
			PageSize: uint32(pageSize),
			NextPage: 1, // page 0 is the header
			LastLSN:  page.InvalidLSN,
		}
		if err := dm.writeHeader(&header); err != nil {
			_ = file.Close()
			_ = os.Remove(filePath)
			return nil, err
		}
		dm.nextPageID = 1
	case statErr == nil:
		file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
		}
		dm.file = file
		if err := dm.readHeader(&header); err != nil {
			_ = file.Close()
			return nil, err
		}
		if header.Magic != DBMagic {
			_ = file.Close()
			return nil, fmt.Errorf("%w: bad magic 0x%x in %s", ErrInvalidPageData, header.Magic, filePath)
		}
		if header.PageSize != uint32(pageSize) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: file page size %d does not match configured %d", ErrInvalidPageData, header.PageSize, pageSize)
		}
		dm.nextPageID = header.NextPage
		dm.lastLSN = header.LastLSN
		// Reconcile with the file length in case the header write was lost.
		if fi, err := file.Stat(); err == nil {
			if fromSize := page.PageID(fi.Size() / int64(pageSize)); fromSize > dm.nextPageID {
				dm.nextPageID = fromSize
			}
		}
	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, filePath, statErr)
	}

	dm.log.Info("disk manager opened",
		zap.String("path", filePath),
		zap.Int("page_size", pageSize),
		zap.Uint32("next_page", uint32(dm.nextPageID)))
	return dm, nil
}

func (dm *DiskManager) writeHeader(header *DBFileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	if buf.Len() != dbFileHeaderSize {
		return fmt.Errorf("%w: header size %d, want %d", ErrSerialization, buf.Len(), dbFileHeaderSize)
	}
	if _, err := dm.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

func (dm *DiskManager) readHeader(header *DBFileHeader) error {
	data := make([]byte, dbFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if err == io.EOF && n < dbFileHeaderSize {
			return fmt.Errorf("%w: file too small for header", ErrInvalidPageData)
		}
		return fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// ReadPage fills pageData from the page's location on disk. The buffer must
// be exactly one page long.
func (dm *DiskManager) ReadPage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPageArgs(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	if n != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, n)
	}
	return nil
}

// WritePage persists pageData at the page's location on disk. Durability is
// the caller's concern; Sync flushes the file.
func (dm *DiskManager) WritePage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writePageLocked(pageID, pageData)
}

func (dm *DiskManager) writePageLocked(pageID page.PageID, pageData []byte) error {
	if err := dm.checkPageArgs(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

func (dm *DiskManager) checkPageArgs(pageID page.PageID, pageData []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: file not open", ErrIO)
	}
	if pageID == page.InvalidPageID {
		return fmt.Errorf("%w: page id 0 is reserved for the file header", ErrInvalidPageData)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	return nil
}

// AllocatePage returns a fresh page id, recycling deallocated ids before
// extending the file. The page's on-disk image is zeroed either way, so a
// recycled id never leaks its previous content.
func (dm *DiskManager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return page.InvalidPageID, fmt.Errorf("%w: file not open", ErrIO)
	}

	var pageID page.PageID
	if len(dm.freePages) > 0 {
		pageID = dm.freePages[0]
		dm.freePages = dm.freePages[1:]
	} else {
		pageID = dm.nextPageID
		dm.nextPageID++
	}
	if err := dm.writePageLocked(pageID, make([]byte, dm.pageSize)); err != nil {
		return page.InvalidPageID, err
	}
	dm.log.Debug("allocated page", zap.Uint32("page_id", uint32(pageID)))
	return pageID, nil
}

// DeallocatePage marks a page id recyclable. The next AllocatePage calls
// hand recycled ids out again in FIFO order.
func (dm *DiskManager) DeallocatePage(pageID page.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if pageID == page.InvalidPageID || pageID >= dm.nextPageID {
		return fmt.Errorf("%w: cannot deallocate page %d", ErrInvalidPageData, pageID)
	}
	for _, id := range dm.freePages {
		if id == pageID {
			return fmt.Errorf("%w: page %d already deallocated", ErrInvalidPageData, pageID)
		}
	}
	dm.freePages = append(dm.freePages, pageID)
	dm.log.Debug("deallocated page", zap.Uint32("page_id", uint32(pageID)))
	return nil
}

// FreePageCount reports how many deallocated ids await recycling.
func (dm *DiskManager) FreePageCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.freePages)
}

// IsDeallocated reports whether the id sits on the recycle list.
func (dm *DiskManager) IsDeallocated(pageID page.PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, id := range dm.freePages {
		if id == pageID {
			return true
		}
	}
	return false
}

// UpdateLastLSN records the WAL high-water mark persisted at Close.
func (dm *DiskManager) UpdateLastLSN(lsn page.LSN) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.lastLSN = lsn
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// Sync flushes all buffered writes to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close persists the file header and closes the data file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	header := DBFileHeader{
		Magic:    DBMagic,
		Version:  1,
		PageSize: uint32(dm.pageSize),
		NextPage: dm.nextPageID,
		LastLSN:  dm.lastLSN,
	}
	err := dm.writeHeader(&header)
	closeErr := dm.file.Close()
	dm.file = nil
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, closeErr)
	}
	return nil
}
