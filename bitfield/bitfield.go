// Package bitfield implements the sparse bitmap of locally-present
// blocks: a mapping from block index to presence, stored as fixed-size
// pages with per-page popcount, materialized lazily so that an absent
// page reads back as all-zero.
package bitfield

import (
	"github.com/bits-and-blooms/bitset"
)

// PageBits is the number of bits per page (2^15), per spec §4.3.
const PageBits = 32768

// PageBytes is the on-disk size of one page (32768 bits / 8).
const PageBytes = PageBits / 8

// Update is the unit of change recorded in the oplog and mirrored as a
// Have event: a contiguous range that was marked present (Drop==false)
// or absent (Drop==true).
type Update struct {
	Start  uint64
	Length uint64
	Drop   bool
}

type page struct {
	bits  *bitset.BitSet
	count uint64 // cached popcount, kept in sync by setRange
}

// Bitfield is a sparse, page-backed presence bitmap. It is not safe for
// concurrent use; callers serialize access (the core controller does, via
// its own mutex).
type Bitfield struct {
	pages map[uint64]*page
}

// New returns an empty Bitfield (every index absent).
func New() *Bitfield {
	return &Bitfield{pages: make(map[uint64]*page)}
}

func (b *Bitfield) page(index uint64, create bool) *page {
	p, ok := b.pages[index]
	if !ok {
		if !create {
			return nil
		}
		p = &page{bits: bitset.New(PageBits)}
		b.pages[index] = p
	}
	return p
}

// Get reports whether block i is marked present.
func (b *Bitfield) Get(i uint64) bool {
	pageIndex := i / PageBits
	p := b.page(pageIndex, false)
	if p == nil {
		return false
	}
	return p.bits.Test(uint(i % PageBits))
}

// SetRange marks [start, start+length) present (value==true) or absent
// (value==false) and returns the Update describing the change.
func (b *Bitfield) SetRange(start, length uint64, value bool) Update {
	if length == 0 {
		return Update{Start: start, Length: 0, Drop: !value}
	}
	end := start + length
	for i := start; i < end; {
		pageIndex := i / PageBits
		pageStart := pageIndex * PageBits
		pageEnd := pageStart + PageBits
		spanEnd := end
		if spanEnd > pageEnd {
			spanEnd = pageEnd
		}
		p := b.page(pageIndex, value)
		if p == nil {
			// Clearing bits in a page that was never materialized: no-op,
			// it already reads back as absent.
			i = spanEnd
			continue
		}
		for j := i; j < spanEnd; j++ {
			bit := uint(j % PageBits)
			was := p.bits.Test(bit)
			if was != value {
				if value {
					p.bits.Set(bit)
					p.count++
				} else {
					p.bits.Clear(bit)
					p.count--
				}
			}
		}
		i = spanEnd
	}
	return Update{Start: start, Length: length, Drop: !value}
}

// CountTo returns the number of present blocks with index < i.
func (b *Bitfield) CountTo(i uint64) uint64 {
	var total uint64
	fullPages := i / PageBits
	for idx := uint64(0); idx < fullPages; idx++ {
		if p := b.page(idx, false); p != nil {
			total += p.count
		}
	}
	remainder := i % PageBits
	if remainder > 0 {
		if p := b.page(fullPages, false); p != nil {
			for bit := uint(0); bit < uint(remainder); bit++ {
				if p.bits.Test(bit) {
					total++
				}
			}
		}
	}
	return total
}

// PageBytesAt returns the page-aligned, little-endian-bit-order wire
// representation of one page (bit i of the page at byte i/8, bit i%8 of
// that byte), the layout spec's bitfield file format uses. An
// unmaterialized page returns PageBytes zero bytes.
func (b *Bitfield) PageBytesAt(pageIndex uint64) []byte {
	out := make([]byte, PageBytes)
	p := b.page(pageIndex, false)
	if p == nil {
		return out
	}
	for i := uint(0); i < PageBits; i++ {
		if p.bits.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// LoadPage materializes pageIndex from a previously-dumped PageBytesAt
// buffer (or any PageBytes-sized slice in the same bit order), skipping
// materialization entirely when raw is all-zero.
func (b *Bitfield) LoadPage(pageIndex uint64, raw []byte) {
	var any bool
	for _, v := range raw {
		if v != 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}
	p := b.page(pageIndex, true)
	limit := PageBits
	if len(raw)*8 < limit {
		limit = len(raw) * 8
	}
	for i := uint(0); i < uint(limit); i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			if !p.bits.Test(i) {
				p.bits.Set(i)
				p.count++
			}
		}
	}
}

// FindFirst returns the smallest index >= from whose presence equals
// value, and true; or (0, false) if no such index exists among
// materialized pages (an absent page is all-zero, so a search for
// value==false ends at the first absent page it reaches — callers bound
// `from`/length via the tree's current length).
func (b *Bitfield) FindFirst(value bool, from uint64) (uint64, bool) {
	pageIndex := from / PageBits
	bitInPage := uint(from % PageBits)
	var lastPage uint64
	for idx := range b.pages {
		if idx > lastPage {
			lastPage = idx
		}
	}
	for {
		p, ok := b.pages[pageIndex]
		if !ok {
			if !value {
				return pageIndex*PageBits + uint64(bitInPage), true
			}
			if len(b.pages) == 0 || pageIndex > lastPage {
				return 0, false
			}
			// Present-bit search skips unmaterialized (all-absent) pages.
			pageIndex++
			bitInPage = 0
			continue
		}
		for bit := bitInPage; bit < PageBits; bit++ {
			if p.bits.Test(bit) == value {
				return pageIndex*PageBits + uint64(bit), true
			}
		}
		pageIndex++
		bitInPage = 0
		if pageIndex > (1<<40)/PageBits {
			// Defensive bound: avoids an infinite loop if called with
			// value==false against an unbounded bitfield with no caller-side
			// length bound.
			return 0, false
		}
	}
}
