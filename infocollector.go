// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

// captureError records a LoaderError's diagnostic code on the context
// before returning it, so ImageError always reflects the last failure
// regardless of which helper produced it.
func (c *ImageContext) captureError(err error) error {
	if err == nil {
		c.ImageError = ImageErrorSuccess
		return nil
	}
	if le, ok := err.(*LoaderError); ok {
		c.ImageError = le.Code
	}
	return err
}

// GetImageInfo classifies the image and fills ImageSize, SectionAlignment,
// SizeOfHeaders, the provisional ImageAddress, RelocationsStripped and
// DebugDirectoryEntryRva. It is pure with respect to the image bytes:
// calling it twice on the same context yields identical results.
func GetImageInfo(ctx *ImageContext) error {
	ctx.ImageError = ImageErrorSuccess
	src := ctx.source()

	info, err := parseHeaders(src, ctx.opts.StrictSubsystem, ctx.noteAnomaly)
	if err != nil {
		return ctx.captureError(err)
	}

	ctx.IsTeImage = info.isTE
	ctx.Machine = info.machine
	ctx.ImageType = info.imageType
	ctx.PeCoffHeaderOffset = info.peCoffHeaderOffset
	ctx.DestinationAddress = 0
	ctx.CodeView = 0
	ctx.PdbPointer = 0
	ctx.DebugDirectoryEntryRva = 0

	if !info.isTE {
		return ctx.captureError(collectPEInfo(ctx, src, info))
	}
	return ctx.captureError(collectTEInfo(ctx, src, info))
}

func collectPEInfo(ctx *ImageContext, src byteSource, info *headerInfo) error {
	var fh FileHeader
	if err := unpackAt(src, info.peCoffHeaderOffset+4, &fh); err != nil {
		return err
	}

	optOffset := info.peCoffHeaderOffset + 4 + fileHeaderSize
	opt, _, err := readOptionalHeader(src, optOffset)
	if err != nil {
		return err
	}

	ctx.ImageAddress = opt.imageBase()
	ctx.RelocationsStripped = fh.Characteristics&ImageFileRelocsStripped != 0
	ctx.ImageSize = uint64(opt.sizeOfImage())
	ctx.SectionAlignment = opt.sectionAlignment()
	ctx.SizeOfHeaders = opt.sizeOfHeaders()

	if opt.numberOfRvaAndSizes() <= ImageDirectoryEntryDebug {
		return nil
	}
	debugDir := opt.dataDirectory(ImageDirectoryEntryDebug)
	if debugDir.VirtualAddress == 0 {
		return nil
	}

	sectionTableOffset := info.peCoffHeaderOffset + 4 + fileHeaderSize + uint32(fh.SizeOfOptionalHeader)
	walker := newSectionTableWalker(src, sectionTableOffset, int(fh.NumberOfSections))

	var debugFileOffset uint32
	for {
		hdr, ok, err := walker.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if hdr.contains(debugDir.VirtualAddress) {
			debugFileOffset = hdr.fileOffsetForRVA(debugDir.VirtualAddress)
			break
		}
	}
	if debugFileOffset == 0 {
		return nil
	}

	entry, entryOffset, found, err := findCodeViewEntry(src, debugFileOffset, debugDir.Size)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	ctx.DebugDirectoryEntryRva = debugDir.VirtualAddress + (entryOffset - debugFileOffset)
	if entry.RVA == 0 && entry.FileOffset != 0 {
		// A standalone CodeView blob is copied past the last section at
		// load time; reserve room for it. The TE path never does this, its
		// ImageSize already derives from the last section alone.
		ctx.ImageSize += uint64(entry.SizeOfData)
	}
	return nil
}

func collectTEInfo(ctx *ImageContext, src byteSource, info *headerInfo) error {
	var th TeHeader
	if err := unpackAt(src, info.peCoffHeaderOffset, &th); err != nil {
		return err
	}

	ctx.ImageAddress = th.ImageBase + uint64(th.StrippedSize) - uint64(teHeaderSize)
	ctx.RelocationsStripped = th.DataDirectory[TeDirectoryEntryBaseReloc].Size == 0
	ctx.SectionAlignment = 4096
	ctx.SizeOfHeaders = teHeaderSize + th.BaseOfCode - uint32(th.StrippedSize)

	debugDir := th.DataDirectory[TeDirectoryEntryDebug]
	teOff := th.teOffset()

	sectionTableOffset := teHeaderSize
	numberOfSections := int(th.NumberOfSections)
	walker := newSectionTableWalker(src, sectionTableOffset, numberOfSections)

	var (
		debugFileOffset uint32
		lastSection     SectionHeader
	)
	for i := 0; i < numberOfSections; i++ {
		hdr, ok, err := walker.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if debugDir.VirtualAddress != 0 && debugFileOffset == 0 && hdr.contains(debugDir.VirtualAddress) {
			debugFileOffset = uint32(int64(hdr.fileOffsetForRVA(debugDir.VirtualAddress)) + teOff)
		}
		lastSection = hdr
	}

	// PE/COFF requires the section table sorted by VirtualAddress, so the
	// last section mapped is authoritative for the image size a TE header
	// has no field for.
	align := uint64(ctx.SectionAlignment)
	top := uint64(lastSection.VirtualAddress) + uint64(lastSection.VirtualSize)
	ctx.ImageSize = (top + align - 1) &^ (align - 1)

	if debugFileOffset == 0 {
		return nil
	}

	_, entryOffset, found, err := findCodeViewEntry(src, debugFileOffset, debugDir.Size)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	ctx.DebugDirectoryEntryRva = debugDir.VirtualAddress + (entryOffset - debugFileOffset)
	return nil
}
