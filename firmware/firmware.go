// Package firmware builds the page-aligned in-memory firmware image from a
// parsed Intel HEX record stream.
package firmware

import (
	"fmt"
	"sort"

	"github.com/zolotov-av/pigro/hexfile"
)

// DefaultFill is the byte unwritten page bytes default to.
const DefaultFill = 0xFF

// Page is a page-aligned buffer: Addr is page-aligned and len(Data) ==
// page size.
type Page struct {
	Addr uint32
	Data []byte
}

// Firmware is an ordered page-base -> Page mapping. Iterate with Pages(),
// which always returns pages in ascending address order.
type Firmware struct {
	pages    map[uint32]*Page
	pageSize uint32
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// New creates an empty Firmware for the given page size.
func New(pageSize uint32) (*Firmware, error) {
	if !isPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrPageSizeNotPowerOfTwo, pageSize)
	}
	return &Firmware{pages: make(map[uint32]*Page), pageSize: pageSize}, nil
}

// Build constructs a Firmware from a HEX record stream: for each data
// record at linear address A, page_base = A &^ (pageSize-1), offset =
// A & (pageSize-1). Later records overwrite earlier ones byte-for-byte.
func Build(records []hexfile.Record, pageSize uint32, pageFill byte) (*Firmware, error) {
	fw, err := New(pageSize)
	if err != nil {
		return nil, err
	}

	byteMask := pageSize - 1
	pageMask := ^byteMask

	var linearBase uint32
	for _, rec := range records {
		switch rec.Type {
		case hexfile.TypeExtendedLinearAddr:
			if len(rec.Data) != 2 {
				return nil, ErrBadLinearAddress
			}
			linearBase = uint32(rec.Data[0])<<24 | uint32(rec.Data[1])<<16
		case hexfile.TypeData:
			rowAddr := linearBase + uint32(rec.Addr16)
			for i, b := range rec.Data {
				byteAddr := rowAddr + uint32(i)
				pageAddr := byteAddr & pageMask
				offset := byteAddr & byteMask
				page := fw.pages[pageAddr]
				if page == nil {
					page = &Page{Addr: pageAddr, Data: make([]byte, pageSize)}
					for j := range page.Data {
						page.Data[j] = pageFill
					}
					fw.pages[pageAddr] = page
				}
				page.Data[offset] = b
			}
		}
	}

	return fw, nil
}

// Put installs a full page verbatim at pageAddr, overwriting any existing
// page there. data must be exactly PageSize() bytes long; used by readers
// that reconstruct a Firmware from a live device rather than from HEX.
func (f *Firmware) Put(pageAddr uint32, data []byte) {
	f.pages[pageAddr] = &Page{Addr: pageAddr, Data: data}
}

// Pages returns every page in ascending address order.
func (f *Firmware) Pages() []Page {
	addrs := make([]uint32, 0, len(f.pages))
	for a := range f.pages {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	out := make([]Page, len(addrs))
	for i, a := range addrs {
		out[i] = *f.pages[a]
	}
	return out
}

// Len returns the number of distinct pages touched.
func (f *Firmware) Len() int {
	return len(f.pages)
}

// PageSize is the page size this Firmware was built with.
func (f *Firmware) PageSize() uint32 {
	return f.pageSize
}

// Validate checks that every page address lies below limit, the
// write-firmware protocol's first step for both AVR and ARM targets.
func (f *Firmware) Validate(limit uint32) error {
	for _, p := range f.Pages() {
		if p.Addr >= limit {
			return fmt.Errorf("%w: page 0x%05X >= limit 0x%05X", ErrPageOutOfRange, p.Addr, limit)
		}
	}
	return nil
}
