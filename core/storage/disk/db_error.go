package disk

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPageNotPinned  = errors.New("page has no outstanding pins")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")

	ErrIO               = errors.New("i/o error")
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrChecksumMismatch = errors.New("checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrDBFileExists     = errors.New("database file already exists")
	ErrDBFileNotFound   = errors.New("database file not found")

	ErrLogRecordTooLarge = errors.New("log record too large for log buffer")
	ErrLogFileError      = errors.New("log file operation error")

	ErrHashTableFull = errors.New("hash table is full and cannot absorb the entry")
)
