// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// baseRelocationBlockHeader is the 8-byte header preceding each block of
// UINT16 relocation entries in the .reloc directory.
type baseRelocationBlockHeader struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

const baseRelocationBlockHeaderSize = 8

// RelocateImage rewrites ImageBase in place to BaseAddress
// (DestinationAddress if set, else ImageAddress) and applies every
// base-relocation fixup for the BaseAddress - linked-ImageBase delta. A
// stripped image is a no-op.
func RelocateImage(ctx *ImageContext, buffer []byte) error {
	ctx.ImageError = ImageErrorSuccess

	if ctx.RelocationsStripped {
		ctx.logger().Debugf("relocations stripped, nothing to apply")
		return nil
	}

	baseAddress := ctx.DestinationAddress
	if baseAddress == 0 {
		baseAddress = ctx.ImageAddress
	}

	bsrc := bufferSource{buf: buffer}

	var (
		adjust       uint64
		relocVA      uint32
		relocSize    uint32
		teOff        int64
		relocBaseAdj int64
	)

	if !ctx.IsTeImage {
		optOffset := ctx.PeCoffHeaderOffset + 4 + fileHeaderSize
		opt, _, err := readOptionalHeader(&bsrc, optOffset)
		if err != nil {
			return ctx.captureError(err)
		}
		adjust = baseAddress - opt.imageBase()
		opt.setImageBase(baseAddress)
		if err := writeOptionalHeader(buffer, optOffset, opt); err != nil {
			return ctx.captureError(err)
		}
		if opt.numberOfRvaAndSizes() > ImageDirectoryEntryBaseReloc {
			dd := opt.dataDirectory(ImageDirectoryEntryBaseReloc)
			relocVA, relocSize = dd.VirtualAddress, dd.Size
		}
	} else {
		var th TeHeader
		if err := unpackAt(&bsrc, 0, &th); err != nil {
			return ctx.captureError(err)
		}
		adjust = baseAddress - th.ImageBase
		th.ImageBase = baseAddress
		if err := packAt(buffer, 0, &th); err != nil {
			return ctx.captureError(err)
		}
		dd := th.DataDirectory[TeDirectoryEntryBaseReloc]
		relocVA, relocSize = dd.VirtualAddress, dd.Size
		teOff = th.teOffset()
		relocBaseAdj = teOff
	}

	if relocSize == 0 {
		return nil
	}

	relocBase, err := ctx.addressFromRVA(uint64(relocVA))
	if err != nil {
		return ctx.captureError(err)
	}
	relocBaseEnd, err := ctx.addressFromRVA(uint64(relocVA) + uint64(relocSize) - 1)
	if err != nil {
		return ctx.captureError(err)
	}
	relocBase = uint64(int64(relocBase) + relocBaseAdj)
	relocBaseEnd = uint64(int64(relocBaseEnd) + relocBaseAdj)

	arch := newArchRelocator(ctx.Machine)
	log := &fixupLog{buf: ctx.FixupData}

	entriesProcessed := uint32(0)
	maxEntries := ctx.opts.MaxRelocEntriesCount
	if maxEntries == 0 {
		maxEntries = MaxDefaultRelocEntriesCount
	}

	for blockAddr := relocBase; blockAddr < relocBaseEnd; {
		blockOff, err := ctx.offsetInBuffer(blockAddr, buffer)
		if err != nil || blockOff+baseRelocationBlockHeaderSize > len(buffer) {
			ctx.ImageError = ImageErrorFailedRelocation
			return ctx.captureError(fail(StatusLoadError, ImageErrorFailedRelocation, "relocation block header outside loaded image"))
		}
		var hdr baseRelocationBlockHeader
		if err := unpackAt(bufferSource{buf: buffer}, uint32(blockOff), &hdr); err != nil {
			return ctx.captureError(err)
		}
		if hdr.SizeOfBlock < baseRelocationBlockHeaderSize {
			ctx.ImageError = ImageErrorFailedRelocation
			return ctx.captureError(fail(StatusLoadError, ImageErrorFailedRelocation, "relocation block SizeOfBlock is too small"))
		}

		relocEndAddr := blockAddr + uint64(hdr.SizeOfBlock)
		if relocEndAddr < ctx.ImageAddress || relocEndAddr > ctx.ImageAddress+ctx.ImageSize {
			ctx.ImageError = ImageErrorFailedRelocation
			return ctx.captureError(fail(StatusLoadError, ImageErrorFailedRelocation, "relocation block runs past the image"))
		}

		var fixupBase uint64
		if !ctx.IsTeImage {
			fixupBase, err = ctx.addressFromRVA(uint64(hdr.VirtualAddress))
			if err != nil {
				return ctx.captureError(err)
			}
		} else {
			fixupBase, err = ctx.addressFromRVA(uint64(hdr.VirtualAddress))
			if err != nil {
				return ctx.captureError(err)
			}
			fixupBase = uint64(int64(fixupBase) + teOff)
		}

		entryCount := (int(hdr.SizeOfBlock) - baseRelocationBlockHeaderSize) / 2
		for i := 0; i < entryCount; i++ {
			entriesProcessed++
			if entriesProcessed > maxEntries {
				ctx.ImageError = ImageErrorFailedRelocation
				return ctx.captureError(fail(StatusLoadError, ImageErrorFailedRelocation, "relocation entry count exceeds MaxRelocEntriesCount"))
			}

			entryOff := blockOff + baseRelocationBlockHeaderSize + i*2
			entry := binary.LittleEndian.Uint16(buffer[entryOff : entryOff+2])
			relocType := entry >> 12
			fixupAddr := fixupBase + uint64(entry&0xFFF)

			fixupOff, err := ctx.offsetInBuffer(fixupAddr, buffer)
			if err != nil {
				return ctx.captureError(fail(StatusLoadError, ImageErrorFailedRelocation, "fixup address outside loaded image"))
			}

			if err := applyFixup(buffer, fixupOff, relocType, adjust, log, arch); err != nil {
				ctx.ImageError = ImageErrorFailedRelocation
				return ctx.captureError(err)
			}
		}

		blockAddr = relocEndAddr
	}

	return ctx.captureError(nil)
}

// applyFixup dispatches one relocation entry: the three common 16/32-bit
// types are handled directly, HIGHADJ is rejected outright, and anything
// else is delegated to the machine's archRelocator.
func applyFixup(buffer []byte, fixupOff int, relocType uint16, adjust uint64, log *fixupLog, arch archRelocator) error {
	switch relocType {
	case ImageRelBasedAbsolute:
		return nil

	case ImageRelBasedHigh:
		if fixupOff+2 > len(buffer) {
			return fail(StatusLoadError, ImageErrorFailedRelocation, "HIGH fixup runs past the image")
		}
		v := binary.LittleEndian.Uint16(buffer[fixupOff : fixupOff+2])
		v += uint16(uint32(adjust) >> 16)
		binary.LittleEndian.PutUint16(buffer[fixupOff:fixupOff+2], v)
		log.write(uint64(v), 2, false)
		return nil

	case ImageRelBasedLow:
		if fixupOff+2 > len(buffer) {
			return fail(StatusLoadError, ImageErrorFailedRelocation, "LOW fixup runs past the image")
		}
		v := binary.LittleEndian.Uint16(buffer[fixupOff : fixupOff+2])
		v += uint16(adjust)
		binary.LittleEndian.PutUint16(buffer[fixupOff:fixupOff+2], v)
		log.write(uint64(v), 2, false)
		return nil

	case ImageRelBasedHighLow:
		if fixupOff+4 > len(buffer) {
			return fail(StatusLoadError, ImageErrorFailedRelocation, "HIGHLOW fixup runs past the image")
		}
		v := binary.LittleEndian.Uint32(buffer[fixupOff : fixupOff+4])
		v += uint32(adjust)
		binary.LittleEndian.PutUint32(buffer[fixupOff:fixupOff+4], v)
		// HIGHLOW log entries start on a native-word boundary.
		if log != nil && log.buf != nil {
			for log.cursor%nativeWordSize != 0 && log.cursor < len(log.buf) {
				log.cursor++
			}
		}
		log.write(uint64(v), 4, true)
		return nil

	case ImageRelBasedHighAdj:
		// HIGHADJ is recognized as a base-relocation type but its
		// two-entry encoding is not implemented; it fails the same way an
		// unrecognized machine-specific type would.
		return fail(StatusUnsupported, ImageErrorFailedRelocation, "HIGHADJ relocation is not supported")

	default:
		var fixup []byte
		switch relocType {
		case ImageRelBasedDir64:
			if fixupOff+8 > len(buffer) {
				return fail(StatusLoadError, ImageErrorFailedRelocation, "DIR64 fixup runs past the image")
			}
			fixup = buffer[fixupOff : fixupOff+8]
		default:
			fixup = buffer[fixupOff:]
		}
		return arch.relocate(relocType, fixup, adjust, log)
	}
}
