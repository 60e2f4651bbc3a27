package hash

import (
	"encoding/binary"

	"github.com/probedb/probedb/core/storage/page"
)

/*
 * Header page layout (little endian):
 * ------------------------------------------------------------------
 * | Size (8) | PageId (4) | NumBlocks (4) | BlockPageIds (4 each) ...
 * ------------------------------------------------------------------
 */
const (
	headerSizeOffset      = 0
	headerPageIDOffset    = 8
	headerNumBlocksOffset = 12
	headerBlockIDsOffset  = 16
)

// headerPage is a view over the raw bytes of the table's header page.
type headerPage struct {
	data []byte
}

func headerPageView(p *page.Page) headerPage {
	return headerPage{data: p.GetData()}
}

// maxBlockIDs is the number of block page ids one header page can list.
func maxBlockIDs(pageSize int) int {
	return (pageSize - headerBlockIDsOffset) / 4
}

// Size is the slot capacity recorded at table creation or resize.
func (h headerPage) Size() uint64 {
	return binary.LittleEndian.Uint64(h.data[headerSizeOffset:])
}

func (h headerPage) SetSize(size uint64) {
	binary.LittleEndian.PutUint64(h.data[headerSizeOffset:], size)
}

// PageID is the header's own page id, stored for self-identification.
func (h headerPage) PageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(h.data[headerPageIDOffset:]))
}

func (h headerPage) SetPageID(id page.PageID) {
	binary.LittleEndian.PutUint32(h.data[headerPageIDOffset:], uint32(id))
}

// NumBlocks is the number of block page ids appended so far.
func (h headerPage) NumBlocks() int {
	return int(binary.LittleEndian.Uint32(h.data[headerNumBlocksOffset:]))
}

// AddBlockPageID appends a block page id to the header's list. Capacity is
// the caller's concern; the constructor validates the requested block count
// against maxBlockIDs.
func (h headerPage) AddBlockPageID(id page.PageID) {
	n := h.NumBlocks()
	binary.LittleEndian.PutUint32(h.data[headerBlockIDsOffset+4*n:], uint32(id))
	binary.LittleEndian.PutUint32(h.data[headerNumBlocksOffset:], uint32(n+1))
}

// BlockPageID returns the page id of the i-th block page.
func (h headerPage) BlockPageID(i int) page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(h.data[headerBlockIDsOffset+4*i:]))
}
