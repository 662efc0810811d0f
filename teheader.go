// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// TeHeader is the TianoCore EFI_TE_IMAGE_HEADER: a 40-byte replacement for
// the DOS stub, PE signature, COFF file header and optional header that a
// firmware linker strips down to the handful of fields a loader actually
// needs. Unlike a PE image it carries only two data directories
// (relocations, debug) instead of sixteen.
type TeHeader struct {
	// Signature is the 'VZ' magic identifying a TE image.
	Signature uint16

	// Machine mirrors FileHeader.Machine.
	Machine uint16

	// NumberOfSections mirrors FileHeader.NumberOfSections, narrowed to a
	// byte because TE images are never large enough to need more.
	NumberOfSections uint8

	// Subsystem mirrors OptionalHeader.Subsystem.
	Subsystem uint8

	// StrippedSize is the count of bytes removed from the front of the
	// original PE image to produce this TE image: DOS stub, PE signature,
	// COFF file header, and most of the optional header.
	StrippedSize uint16

	// AddressOfEntryPoint mirrors OptionalHeader.AddressOfEntryPoint.
	AddressOfEntryPoint uint32

	// BaseOfCode mirrors OptionalHeader.BaseOfCode.
	BaseOfCode uint32

	// ImageBase mirrors OptionalHeader.ImageBase, always 64-bit width
	// regardless of the original image's bitness.
	ImageBase uint64

	// DataDirectory holds exactly two entries: [0] base relocations,
	// [1] debug directory.
	DataDirectory [2]DataDirectory
}

// teOffset is the correction added to every RVA and file offset derived
// from a TE image's section table or data directories: the TE header
// occupies sizeof(TeHeader) bytes in the loaded/copied image where the
// original PE image had StrippedSize bytes of now-discarded header.
// Hoisted into one named computation since every TE address translation
// needs it and it is the dominant source of off-by-one risk in this
// loader.
func (h *TeHeader) teOffset() int64 {
	return int64(teHeaderSize) - int64(h.StrippedSize)
}

// teHeaderSize is sizeof(EFI_TE_IMAGE_HEADER); computed once rather than
// hardcoded so a struct-layout change can't silently desync it.
var teHeaderSize = uint32(binary.Size(TeHeader{}))
