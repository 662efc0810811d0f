// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

// nativeWordSize is the pointer width FixupDataSize and HIGHLOW's
// FixupData alignment are expressed in. This loader targets 64-bit EFI
// firmware exclusively, so it is fixed rather than plumbed through
// per-machine.
const nativeWordSize = 8

// LoadImage copies an image into place. buffer is the caller's destination
// memory for [ImageAddress, ImageAddress+ImageSize); the caller must have
// sized it from a prior GetImageInfo call and set ImageAddress to wherever
// it chose to place that buffer before calling. On success, headers and
// every section are copied into buffer, EntryPoint is resolved, and
// CodeView/PdbPointer are populated if a debug entry exists.
func LoadImage(ctx *ImageContext, buffer []byte) error {
	ctx.ImageError = ImageErrorSuccess

	// Re-run the info pass against a scratch context sharing only the
	// reader, and validate the caller's buffer geometry against what it
	// reports rather than trusting the fields the caller may have edited.
	check := &ImageContext{Handle: ctx.Handle, ImageRead: ctx.ImageRead, opts: ctx.opts}
	if err := GetImageInfo(check); err != nil {
		return ctx.captureError(err)
	}

	if ctx.ImageSize < check.ImageSize {
		return ctx.captureError(fail(StatusBufferTooSmall, ImageErrorInvalidImageSize, "destination buffer smaller than the image requires"))
	}

	if check.RelocationsStripped {
		// Runtime drivers may be relocated by the OS at
		// SetVirtualAddressMap time; SAL runtime drivers are exempt from
		// this particular check.
		if check.ImageType == ImageSubsystemEFIRuntimeDriver {
			return ctx.captureError(fail(StatusLoadError, ImageErrorInvalidSubsystem, "runtime driver image has no relocations"))
		}
		if check.ImageAddress != ctx.ImageAddress {
			return ctx.captureError(fail(StatusInvalidParameter, ImageErrorInvalidImageAddress, "stripped image must load at its linked address"))
		}
	}

	if !ctx.IsTeImage {
		if check.SectionAlignment == 0 {
			return ctx.captureError(fail(StatusLoadError, ImageErrorInvalidSectionAlignment, "image declares a zero SectionAlignment"))
		}
		if ctx.ImageAddress%uint64(check.SectionAlignment) != 0 {
			return ctx.captureError(fail(StatusInvalidParameter, ImageErrorInvalidSectionAlignment, "ImageAddress is not a multiple of SectionAlignment"))
		}
	}
	if uint64(len(buffer)) < ctx.ImageSize {
		return ctx.captureError(fail(StatusBufferTooSmall, ImageErrorInvalidImageSize, "buffer shorter than ImageSize"))
	}
	if uint64(ctx.SizeOfHeaders) > uint64(len(buffer)) {
		return ctx.captureError(fail(StatusBufferTooSmall, ImageErrorInvalidImageSize, "buffer too small for SizeOfHeaders"))
	}

	src := ctx.source()
	if err := src.readAt(0, buffer[:ctx.SizeOfHeaders]); err != nil {
		return ctx.captureError(err)
	}

	bsrc := bufferSource{buf: buffer}

	var (
		fh                 FileHeader
		opt                optionalHeaderView
		teHdr              TeHeader
		sectionTableOffset uint32
		numberOfSections   int
		teOff              int64
	)

	if !ctx.IsTeImage {
		if err := unpackAt(&bsrc, ctx.PeCoffHeaderOffset+4, &fh); err != nil {
			return ctx.captureError(err)
		}
		var err error
		opt, _, err = readOptionalHeader(&bsrc, ctx.PeCoffHeaderOffset+4+fileHeaderSize)
		if err != nil {
			return ctx.captureError(err)
		}
		sectionTableOffset = ctx.PeCoffHeaderOffset + 4 + fileHeaderSize + uint32(fh.SizeOfOptionalHeader)
		numberOfSections = int(fh.NumberOfSections)
	} else {
		if err := unpackAt(&bsrc, 0, &teHdr); err != nil {
			return ctx.captureError(err)
		}
		sectionTableOffset = teHeaderSize
		numberOfSections = int(teHdr.NumberOfSections)
		teOff = teHdr.teOffset()
	}

	walker := newSectionTableWalker(&bsrc, sectionTableOffset, numberOfSections)
	sections := make([]SectionHeader, 0, numberOfSections)
	for i := 0; i < numberOfSections; i++ {
		hdr, ok, err := walker.next()
		if err != nil {
			return ctx.captureError(err)
		}
		if !ok {
			break
		}
		sections = append(sections, hdr)
	}

	for i := range sections {
		s := &sections[i]

		base, err := ctx.addressFromRVA(uint64(s.VirtualAddress))
		if err != nil {
			return ctx.captureError(fail(StatusLoadError, ImageErrorSectionNotLoaded, "section base address outside image"))
		}
		end, err := ctx.addressFromRVA(uint64(s.VirtualAddress) + uint64(s.VirtualSize) - 1)
		if err != nil {
			return ctx.captureError(fail(StatusLoadError, ImageErrorSectionNotLoaded, "section end address outside image"))
		}
		if ctx.IsTeImage {
			base = uint64(int64(base) + teOff)
			end = uint64(int64(end) + teOff)
		}
		if base < ctx.ImageAddress || end >= ctx.ImageAddress+ctx.ImageSize {
			return ctx.captureError(fail(StatusLoadError, ImageErrorSectionNotLoaded, "section resolves outside the destination buffer"))
		}

		baseOff, err := ctx.offsetInBuffer(base, buffer)
		if err != nil {
			return ctx.captureError(err)
		}

		size := s.VirtualSize
		if size == 0 || size > s.SizeOfRawData {
			size = s.SizeOfRawData
		}

		if s.SizeOfRawData != 0 {
			// VirtualSize may legally be zero, in which case size fell back
			// to SizeOfRawData above and the end-of-section check did not
			// cover it.
			if uint64(baseOff)+uint64(size) > uint64(len(buffer)) {
				return ctx.captureError(fail(StatusLoadError, ImageErrorSectionNotLoaded, "section raw data runs past the destination buffer"))
			}
			fileOffset := s.PointerToRawData
			if ctx.IsTeImage {
				fileOffset = uint32(int64(fileOffset) + teOff)
			}
			if err := src.readAt(fileOffset, buffer[baseOff:baseOff+int(size)]); err != nil {
				return ctx.captureError(err)
			}
		}
		if size < s.VirtualSize {
			tail := buffer[baseOff+int(size) : baseOff+int(s.VirtualSize)]
			for j := range tail {
				tail[j] = 0
			}
		}
	}

	if err := resolveEntryPoint(ctx, opt, &teHdr, teOff); err != nil {
		return ctx.captureError(err)
	}

	ctx.FixupDataSize = fixupDataSize(ctx.IsTeImage, opt, &teHdr)
	ctx.FixupData = nil

	if err := recoverCodeView(ctx, src, buffer, sections, teOff); err != nil {
		return ctx.captureError(err)
	}

	return ctx.captureError(nil)
}

func resolveEntryPoint(ctx *ImageContext, opt optionalHeaderView, teHdr *TeHeader, teOff int64) error {
	if !ctx.IsTeImage {
		ep, err := ctx.addressFromRVA(uint64(opt.addressOfEntryPoint()))
		if err != nil {
			return err
		}
		ctx.EntryPoint = ep
		return nil
	}
	ep, err := ctx.addressFromRVA(uint64(teHdr.AddressOfEntryPoint))
	if err != nil {
		return err
	}
	ctx.EntryPoint = uint64(int64(ep) + teOff)
	return nil
}

func fixupDataSize(isTE bool, opt optionalHeaderView, teHdr *TeHeader) uint64 {
	var dd DataDirectory
	if !isTE {
		if opt.numberOfRvaAndSizes() <= ImageDirectoryEntryBaseReloc {
			return 0
		}
		dd = opt.dataDirectory(ImageDirectoryEntryBaseReloc)
	} else {
		dd = teHdr.DataDirectory[TeDirectoryEntryBaseReloc]
	}
	return uint64(dd.Size) / 2 * nativeWordSize
}

// recoverCodeView locates the CodeView payload inside the loaded image. A
// standalone payload (RVA 0, file offset set) has no mapped home; it is
// materialized just past the last section, in the tail GetImageInfo
// reserved for it (GetImageInfo reserves that tail for PE images only).
func recoverCodeView(ctx *ImageContext, src *imageSource, buffer []byte, sections []SectionHeader, teOff int64) error {
	if ctx.DebugDirectoryEntryRva == 0 {
		return nil
	}

	entryAddr, err := ctx.addressFromRVA(uint64(ctx.DebugDirectoryEntryRva))
	if err != nil {
		return err
	}
	if ctx.IsTeImage {
		entryAddr = uint64(int64(entryAddr) + teOff)
	}
	entryOff, err := ctx.offsetInBuffer(entryAddr, buffer)
	if err != nil || entryOff+int(debugDirectoryEntrySize) > len(buffer) {
		return fail(StatusLoadError, ImageErrorSectionNotLoaded, "debug directory entry outside loaded image")
	}

	var entry DebugDirectoryEntry
	if err := unpackAt(bufferSource{buf: buffer}, uint32(entryOff), &entry); err != nil {
		return err
	}

	tempRVA := entry.RVA
	if entry.RVA == 0 && entry.FileOffset != 0 {
		if len(sections) == 0 {
			return fail(StatusLoadError, ImageErrorSectionNotLoaded, "standalone CodeView with no sections")
		}
		last := sections[len(sections)-1]
		if last.SizeOfRawData < last.VirtualSize {
			tempRVA = last.VirtualAddress + last.VirtualSize
		} else {
			tempRVA = last.VirtualAddress + last.SizeOfRawData
		}
	}
	if tempRVA == 0 {
		return nil
	}

	cvAddr, err := ctx.addressFromRVA(uint64(tempRVA))
	if err != nil {
		return err
	}
	if ctx.IsTeImage {
		cvAddr = uint64(int64(cvAddr) + teOff)
	}
	ctx.CodeView = cvAddr

	cvOff, err := ctx.offsetInBuffer(cvAddr, buffer)
	if err != nil {
		return err
	}

	if entry.RVA == 0 {
		fileOffset := entry.FileOffset
		if ctx.IsTeImage {
			fileOffset = uint32(int64(fileOffset) + teOff)
		}
		if cvOff+int(entry.SizeOfData) > len(buffer) {
			return fail(StatusLoadError, ImageErrorSectionNotLoaded, "standalone CodeView blob outside loaded image")
		}
		if err := src.readAt(fileOffset, buffer[cvOff:cvOff+int(entry.SizeOfData)]); err != nil {
			return err
		}
	}

	if cvOff+4 <= len(buffer) {
		if pdbOff, ok := codeViewSignature(buffer[cvOff : cvOff+4]); ok {
			ctx.PdbPointer = cvAddr + uint64(pdbOff)
		}
	}
	return nil
}
