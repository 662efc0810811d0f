// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// FileHeader is the COFF file header (IMAGE_FILE_HEADER) that follows the
// 'PE\0\0' signature.
type FileHeader struct {
	Machine              MachineType
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

var fileHeaderSize = uint32(binary.Size(FileHeader{}))

// OptionalHeader32 is the PE32 optional header (EFI_IMAGE_OPTIONAL_HEADER32).
type OptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   SubsystemType
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]DataDirectory
}

// OptionalHeader64 is the PE32+ optional header (EFI_IMAGE_OPTIONAL_HEADER64).
// It drops BaseOfData and widens ImageBase and the stack/heap size fields to
// 64 bits relative to the PE32 layout.
type OptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   SubsystemType
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]DataDirectory
}

var (
	optionalHeader32Size = uint32(binary.Size(OptionalHeader32{}))
	optionalHeader64Size = uint32(binary.Size(OptionalHeader64{}))
)

// optionalHeaderView is a small capability surface over the 32/64-bit
// optional-header split, so info collection, loading and relocation share
// one code path instead of duplicating it per bitness. setImageBase is the
// only mutating method, used exclusively by the relocation pass's
// ImageBase rewrite.
type optionalHeaderView interface {
	imageBase() uint64
	setImageBase(v uint64)
	sizeOfImage() uint32
	sectionAlignment() uint32
	sizeOfHeaders() uint32
	numberOfRvaAndSizes() uint32
	dataDirectory(i int) DataDirectory
	addressOfEntryPoint() uint32
}

func (h *OptionalHeader32) imageBase() uint64           { return uint64(h.ImageBase) }
func (h *OptionalHeader32) setImageBase(v uint64)       { h.ImageBase = uint32(v) }
func (h *OptionalHeader32) sizeOfImage() uint32         { return h.SizeOfImage }
func (h *OptionalHeader32) sectionAlignment() uint32    { return h.SectionAlignment }
func (h *OptionalHeader32) sizeOfHeaders() uint32       { return h.SizeOfHeaders }
func (h *OptionalHeader32) numberOfRvaAndSizes() uint32 { return h.NumberOfRvaAndSizes }
func (h *OptionalHeader32) addressOfEntryPoint() uint32 { return h.AddressOfEntryPoint }
func (h *OptionalHeader32) dataDirectory(i int) DataDirectory {
	if i < 0 || i >= len(h.DataDirectory) {
		return DataDirectory{}
	}
	return h.DataDirectory[i]
}

func (h *OptionalHeader64) imageBase() uint64           { return h.ImageBase }
func (h *OptionalHeader64) setImageBase(v uint64)       { h.ImageBase = v }
func (h *OptionalHeader64) sizeOfImage() uint32         { return h.SizeOfImage }
func (h *OptionalHeader64) sectionAlignment() uint32    { return h.SectionAlignment }
func (h *OptionalHeader64) sizeOfHeaders() uint32       { return h.SizeOfHeaders }
func (h *OptionalHeader64) numberOfRvaAndSizes() uint32 { return h.NumberOfRvaAndSizes }
func (h *OptionalHeader64) addressOfEntryPoint() uint32 { return h.AddressOfEntryPoint }
func (h *OptionalHeader64) dataDirectory(i int) DataDirectory {
	if i < 0 || i >= len(h.DataDirectory) {
		return DataDirectory{}
	}
	return h.DataDirectory[i]
}

// readOptionalHeader reads the Magic-discriminated optional header at
// fileOffset, returning a mutable view plus its on-wire size.
func readOptionalHeader(src byteSource, fileOffset uint32) (optionalHeaderView, uint32, error) {
	magic, err := peekMagic(src, fileOffset)
	if err != nil {
		return nil, 0, err
	}
	switch magic {
	case ImageNtOptionalHeader32Magic:
		var h OptionalHeader32
		if err := unpackAt(src, fileOffset, &h); err != nil {
			return nil, 0, err
		}
		return &h, optionalHeader32Size, nil
	case ImageNtOptionalHeader64Magic:
		var h OptionalHeader64
		if err := unpackAt(src, fileOffset, &h); err != nil {
			return nil, 0, err
		}
		return &h, optionalHeader64Size, nil
	default:
		return nil, 0, fail(StatusUnsupported, ImageErrorInvalidSubsystem, "unrecognized optional header magic")
	}
}

func peekMagic(src byteSource, fileOffset uint32) (uint16, error) {
	var buf [2]byte
	if err := src.readAt(fileOffset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// writeOptionalHeader little-endian encodes v back into dest at fileOffset,
// used by the Relocator after mutating ImageBase through the view.
func writeOptionalHeader(dest []byte, fileOffset uint32, v optionalHeaderView) error {
	switch h := v.(type) {
	case *OptionalHeader32:
		return packAt(dest, fileOffset, h)
	case *OptionalHeader64:
		return packAt(dest, fileOffset, h)
	default:
		return fail(StatusInvalidParameter, ImageErrorSuccess, "unknown optional header view")
	}
}
