package hash

import (
	"github.com/probedb/probedb/core/storage/page"
)

/*
 * Block page layout:
 * --------------------------------------------------------------
 * | occupied bitmap (ceil(B/8)) | readable bitmap (ceil(B/8)) |
 * | entry 0 (keyWidth + valueWidth) | entry 1 | ... | entry B-1 |
 * --------------------------------------------------------------
 *
 * occupied means the slot has ever held a value; readable means it holds one
 * now. occupied && !readable is a tombstone and must not stop a probe.
 */

// BlockArraySize computes the maximal slot count B for one block page given
// the page size and the fixed codec widths.
func BlockArraySize(pageSize, keyWidth, valueWidth int) int {
	entry := keyWidth + valueWidth
	b := (8 * pageSize) / (8*entry + 2)
	for b > 0 && blockBytes(b, entry) > pageSize {
		b--
	}
	for blockBytes(b+1, entry) <= pageSize {
		b++
	}
	return b
}

func blockBytes(slots, entry int) int {
	bitmap := (slots + 7) / 8
	return 2*bitmap + slots*entry
}

// blockPage is a typed view over the raw bytes of one block page.
type blockPage[K any, V comparable] struct {
	data  []byte
	slots int
	kc    Codec[K]
	vc    Codec[V]
}

func blockPageView[K any, V comparable](p *page.Page, slots int, kc Codec[K], vc Codec[V]) blockPage[K, V] {
	return blockPage[K, V]{data: p.GetData(), slots: slots, kc: kc, vc: vc}
}

func (b blockPage[K, V]) bitmapLen() int {
	return (b.slots + 7) / 8
}

func (b blockPage[K, V]) entryOffset(bucket int) int {
	return 2*b.bitmapLen() + bucket*(b.kc.Width()+b.vc.Width())
}

// IsOccupied reports whether the slot has ever held a value.
func (b blockPage[K, V]) IsOccupied(bucket int) bool {
	return b.data[bucket/8]&(1<<(bucket%8)) != 0
}

// IsReadable reports whether the slot currently holds a live value.
func (b blockPage[K, V]) IsReadable(bucket int) bool {
	return b.data[b.bitmapLen()+bucket/8]&(1<<(bucket%8)) != 0
}

func (b blockPage[K, V]) KeyAt(bucket int) K {
	off := b.entryOffset(bucket)
	return b.kc.Decode(b.data[off : off+b.kc.Width()])
}

func (b blockPage[K, V]) ValueAt(bucket int) V {
	off := b.entryOffset(bucket) + b.kc.Width()
	return b.vc.Decode(b.data[off : off+b.vc.Width()])
}

// Insert writes the pair into the slot iff it is not readable. Tombstones
// and never-used slots are both reclaimable.
func (b blockPage[K, V]) Insert(bucket int, key K, value V) bool {
	if b.IsReadable(bucket) {
		return false
	}
	off := b.entryOffset(bucket)
	b.kc.Encode(b.data[off:off+b.kc.Width()], key)
	b.vc.Encode(b.data[off+b.kc.Width():off+b.kc.Width()+b.vc.Width()], value)
	b.data[bucket/8] |= 1 << (bucket % 8)
	b.data[b.bitmapLen()+bucket/8] |= 1 << (bucket % 8)
	return true
}

// Remove clears the readable bit, leaving occupied set so the slot keeps
// carrying probes past it.
func (b blockPage[K, V]) Remove(bucket int) {
	if b.IsOccupied(bucket) {
		b.data[b.bitmapLen()+bucket/8] &^= 1 << (bucket % 8)
	}
}
