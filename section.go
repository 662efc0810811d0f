// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// SectionHeader is the on-disk IMAGE_SECTION_HEADER (40 bytes). The
// Misc.VirtualSize union is flattened to VirtualSize since this loader
// never parses object files, only images.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

var sectionHeaderSize = uint32(binary.Size(SectionHeader{}))

// contains reports whether rva falls inside this section's mapped range.
func (s *SectionHeader) contains(rva uint32) bool {
	return rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize
}

// fileOffsetForRVA translates an RVA known to fall inside this section
// into its file offset.
func (s *SectionHeader) fileOffsetForRVA(rva uint32) uint32 {
	return rva - s.VirtualAddress + s.PointerToRawData
}

// sectionTableWalker iterates a section table of count entries starting at
// tableOffset, shared by the Info Collector (reading through ImageRead) and
// the Loader/Relocator (reading through the copied buffer).
type sectionTableWalker struct {
	src         byteSource
	tableOffset uint32
	count       int
	index       int
}

func newSectionTableWalker(src byteSource, tableOffset uint32, count int) *sectionTableWalker {
	return &sectionTableWalker{src: src, tableOffset: tableOffset, count: count}
}

// next reads the next section header, or returns ok=false once exhausted.
func (w *sectionTableWalker) next() (hdr SectionHeader, ok bool, err error) {
	if w.index >= w.count {
		return SectionHeader{}, false, nil
	}
	offset := w.tableOffset + uint32(w.index)*sectionHeaderSize
	if err := unpackAt(w.src, offset, &hdr); err != nil {
		return SectionHeader{}, false, err
	}
	w.index++
	return hdr, true, nil
}
