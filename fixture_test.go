// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// The tests synthesize minimal but structurally honest images instead of
// shipping binary fixtures: every header field a loader inspects is written
// through the same struct layouts the library decodes with.

// memReader serves image bytes from a plain slice, standing in for the
// firmware read callback.
func memReader(handle interface{}, fileOffset uint32, size *uint32, destination []byte) error {
	data := handle.([]byte)
	end := int64(fileOffset) + int64(*size)
	if end > int64(len(data)) {
		return errors.New("read past end of image")
	}
	copy(destination, data[fileOffset:end])
	return nil
}

func newTestContext(data []byte) *ImageContext {
	return NewImageContext(data, memReader, nil)
}

func writeAt(buf []byte, off int, v interface{}) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(buf[off:], b.Bytes())
}

func assertStatus(t *testing.T, err error, want Status) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a %s failure, got success", want)
	}
	var le *LoaderError
	if !errors.As(err, &le) {
		t.Fatalf("expected a LoaderError, got %T: %v", err, err)
	}
	if le.Status != want {
		t.Errorf("status mismatch: got %s, want %s (%v)", le.Status, want, err)
	}
}

// Debug-directory shapes a builder can embed.
const (
	debugNone = iota
	debugInline
	debugStandalone
)

// imageOpts tweaks the aspects of a synthesized image the tests vary.
// Zero values mean IA32, EFI boot service driver, relocations present.
type imageOpts struct {
	machine      MachineType
	subsystem    SubsystemType
	stripped     bool
	relocEntries []uint16
	debug        int
}

func (o *imageOpts) fill() {
	if o.machine == 0 {
		o.machine = ImageFileMachineI386
	}
	if o.subsystem == 0 {
		o.subsystem = ImageSubsystemEFIBootServiceDriver
	}
	if o.relocEntries == nil {
		o.relocEntries = []uint16{
			ImageRelBasedHighLow<<12 | 0x10,
			ImageRelBasedHighLow<<12 | 0x14,
			ImageRelBasedHighLow<<12 | 0x18,
			ImageRelBasedAbsolute << 12,
		}
	}
}

// Shared geometry of the synthesized PE images.
const (
	testLfanew        = 0x80
	testSizeOfHeaders = 0x200
	testSizeOfImage   = 0x4000
	testSectionAlign  = 0x1000
	testPE32Base      = 0x10000
	testPE64Base      = 0x140000000

	testTextVA  = 0x1000
	testDataVA  = 0x2000
	testRelocVA = 0x3000

	testStandaloneCVSize = 0x40
)

func testSections() []SectionHeader {
	return []SectionHeader{
		{
			Name:             [8]byte{'.', 't', 'e', 'x', 't'},
			VirtualSize:      0x800,
			VirtualAddress:   testTextVA,
			SizeOfRawData:    0x200,
			PointerToRawData: 0x200,
		},
		{
			Name:             [8]byte{'.', 'd', 'a', 't', 'a'},
			VirtualSize:      0x400,
			VirtualAddress:   testDataVA,
			SizeOfRawData:    0x200,
			PointerToRawData: 0x400,
		},
		{
			Name:             [8]byte{'.', 'r', 'e', 'l', 'o', 'c'},
			VirtualSize:      0x100,
			VirtualAddress:   testRelocVA,
			SizeOfRawData:    0x200,
			PointerToRawData: 0x600,
		},
	}
}

// writeRelocBlock emits one base-relocation block for page testTextVA into
// the .reloc section's raw data.
func writeRelocBlock(buf []byte, entries []uint16) uint32 {
	size := uint32(baseRelocationBlockHeaderSize + 2*len(entries))
	writeAt(buf, 0x600, baseRelocationBlockHeader{
		VirtualAddress: testTextVA,
		SizeOfBlock:    size,
	})
	for i, e := range entries {
		writeAt(buf, 0x600+baseRelocationBlockHeaderSize+2*i, e)
	}
	return size
}

// writeDebugDirectory emits a one-entry debug directory at the head of
// .data and a CodeView payload either inline in .data or appended past the
// sections as a standalone blob.
func writeDebugDirectory(buf []byte, mode int) {
	switch mode {
	case debugInline:
		writeAt(buf, 0x400, DebugDirectoryEntry{
			Type:       ImageDebugTypeCodeView,
			SizeOfData: 0x30,
			RVA:        testDataVA + 0x100,
			FileOffset: 0x500,
		})
		writeAt(buf, 0x500, uint32(cvSignatureRSDS))
		copy(buf[0x500+pdbPointerOffsetRSDS:], "unit.pdb\x00")
	case debugStandalone:
		writeAt(buf, 0x400, DebugDirectoryEntry{
			Type:       ImageDebugTypeCodeView,
			SizeOfData: testStandaloneCVSize,
			RVA:        0,
			FileOffset: 0x800,
		})
		writeAt(buf, 0x800, uint32(cvSignatureNB10))
		copy(buf[0x800+pdbPointerOffsetNB10:], "standalone.pdb\x00")
	}
}

// buildPE32 synthesizes a PE32 image linked at testPE32Base with three
// sections and, unless stripped, one HIGHLOW relocation block.
func buildPE32(opts imageOpts) []byte {
	opts.fill()

	size := 0x800
	if opts.debug == debugStandalone {
		size = 0x840
	}
	buf := make([]byte, size)

	writeAt(buf, 0, uint16(ImageDOSSignature))
	writeAt(buf, 0x3c, uint32(testLfanew))
	writeAt(buf, testLfanew, uint32(ImageNTSignature))

	characteristics := uint16(ImageFileExecutableImage)
	if opts.stripped {
		characteristics |= ImageFileRelocsStripped
	}
	writeAt(buf, testLfanew+4, FileHeader{
		Machine:              opts.machine,
		NumberOfSections:     3,
		SizeOfOptionalHeader: uint16(optionalHeader32Size),
		Characteristics:      characteristics,
	})

	opt := OptionalHeader32{
		Magic:               ImageNtOptionalHeader32Magic,
		AddressOfEntryPoint: testTextVA,
		BaseOfCode:          testTextVA,
		ImageBase:           testPE32Base,
		SectionAlignment:    testSectionAlign,
		FileAlignment:       0x200,
		SizeOfImage:         testSizeOfImage,
		SizeOfHeaders:       testSizeOfHeaders,
		Subsystem:           opts.subsystem,
		NumberOfRvaAndSizes: ImageNumberOfDirectoryEntries,
	}
	if !opts.stripped {
		opt.DataDirectory[ImageDirectoryEntryBaseReloc] = DataDirectory{
			VirtualAddress: testRelocVA,
			Size:           writeRelocBlock(buf, opts.relocEntries),
		}
	}
	if opts.debug != debugNone {
		opt.DataDirectory[ImageDirectoryEntryDebug] = DataDirectory{
			VirtualAddress: testDataVA,
			Size:           debugDirectoryEntrySize,
		}
		writeDebugDirectory(buf, opts.debug)
	}
	writeAt(buf, testLfanew+4+int(fileHeaderSize), &opt)

	sectionTable := testLfanew + 4 + int(fileHeaderSize) + int(optionalHeader32Size)
	for i, s := range testSections() {
		writeAt(buf, sectionTable+i*int(sectionHeaderSize), &s)
	}

	// Pointer-sized words the relocation block patches, holding addresses
	// valid at the linked base.
	writeAt(buf, 0x210, uint32(testPE32Base+testTextVA))
	writeAt(buf, 0x214, uint32(testPE32Base+testTextVA+4))
	writeAt(buf, 0x218, uint32(testPE32Base+testDataVA))

	return buf
}

// buildPE64 synthesizes a PE32+ image linked at testPE64Base with DIR64
// relocations plus one HIGHLOW entry exercising the common dispatch.
func buildPE64(opts imageOpts) []byte {
	opts.fill()
	if opts.machine == ImageFileMachineI386 {
		opts.machine = ImageFileMachineAMD64
	}

	buf := make([]byte, 0x800)

	writeAt(buf, 0, uint16(ImageDOSSignature))
	writeAt(buf, 0x3c, uint32(testLfanew))
	writeAt(buf, testLfanew, uint32(ImageNTSignature))

	characteristics := uint16(ImageFileExecutableImage | ImageFileLargeAddressAware)
	if opts.stripped {
		characteristics |= ImageFileRelocsStripped
	}
	writeAt(buf, testLfanew+4, FileHeader{
		Machine:              opts.machine,
		NumberOfSections:     3,
		SizeOfOptionalHeader: uint16(optionalHeader64Size),
		Characteristics:      characteristics,
	})

	opt := OptionalHeader64{
		Magic:               ImageNtOptionalHeader64Magic,
		AddressOfEntryPoint: testTextVA,
		BaseOfCode:          testTextVA,
		ImageBase:           testPE64Base,
		SectionAlignment:    testSectionAlign,
		FileAlignment:       0x200,
		SizeOfImage:         testSizeOfImage,
		SizeOfHeaders:       testSizeOfHeaders,
		Subsystem:           opts.subsystem,
		NumberOfRvaAndSizes: ImageNumberOfDirectoryEntries,
	}
	if !opts.stripped {
		entries := []uint16{
			ImageRelBasedDir64<<12 | 0x10,
			ImageRelBasedDir64<<12 | 0x18,
			ImageRelBasedHighLow<<12 | 0x20,
			ImageRelBasedAbsolute << 12,
		}
		opt.DataDirectory[ImageDirectoryEntryBaseReloc] = DataDirectory{
			VirtualAddress: testRelocVA,
			Size:           writeRelocBlock(buf, entries),
		}
	}
	writeAt(buf, testLfanew+4+int(fileHeaderSize), &opt)

	sectionTable := testLfanew + 4 + int(fileHeaderSize) + int(optionalHeader64Size)
	for i, s := range testSections() {
		writeAt(buf, sectionTable+i*int(sectionHeaderSize), &s)
	}

	writeAt(buf, 0x210, uint64(testPE64Base+testTextVA))
	writeAt(buf, 0x218, uint64(testPE64Base+testDataVA))
	writeAt(buf, 0x220, uint32(0x1234))

	return buf
}

// Geometry of the synthesized TE image. The original PE headers occupied
// teTestStrippedSize bytes; the TE header replaces them, shifting every file
// offset down by teTestStrippedSize - sizeof(TeHeader).
const (
	teTestStrippedSize = 0x188
	teTestImageBase    = 0x10000
)

type teOpts struct {
	subsystem uint8
	withReloc bool
	withDebug bool
}

// buildTE synthesizes a TE image with a .text and a .reloc section. Section
// VirtualAddress and PointerToRawData keep their pre-strip values, exactly
// as GenFw leaves them.
func buildTE(opts teOpts) []byte {
	if opts.subsystem == 0 {
		opts.subsystem = uint8(ImageSubsystemEFIBootServiceDriver)
	}

	buf := make([]byte, 0x1000)
	teOff := int(teHeaderSize) - teTestStrippedSize

	th := TeHeader{
		Signature:           ImageTESignature,
		Machine:             uint16(ImageFileMachineI386),
		NumberOfSections:    2,
		Subsystem:           opts.subsystem,
		StrippedSize:        teTestStrippedSize,
		AddressOfEntryPoint: testTextVA,
		BaseOfCode:          testTextVA,
		ImageBase:           teTestImageBase,
	}

	sections := []SectionHeader{
		{
			Name:             [8]byte{'.', 't', 'e', 'x', 't'},
			VirtualSize:      0x200,
			VirtualAddress:   testTextVA,
			SizeOfRawData:    0x200,
			PointerToRawData: 0x400,
		},
		{
			Name:             [8]byte{'.', 'r', 'e', 'l', 'o', 'c'},
			VirtualSize:      0x100,
			VirtualAddress:   0x1200,
			SizeOfRawData:    0x200,
			PointerToRawData: 0x600,
		},
	}

	if opts.withReloc {
		entries := []uint16{
			ImageRelBasedHighLow<<12 | 0x10,
			ImageRelBasedAbsolute << 12,
		}
		size := uint32(baseRelocationBlockHeaderSize + 2*len(entries))
		th.DataDirectory[TeDirectoryEntryBaseReloc] = DataDirectory{
			VirtualAddress: 0x1200,
			Size:           size,
		}
		relocFile := 0x600 + teOff
		writeAt(buf, relocFile, baseRelocationBlockHeader{
			VirtualAddress: testTextVA,
			SizeOfBlock:    size,
		})
		for i, e := range entries {
			writeAt(buf, relocFile+baseRelocationBlockHeaderSize+2*i, e)
		}
	}
	if opts.withDebug {
		th.DataDirectory[TeDirectoryEntryDebug] = DataDirectory{
			VirtualAddress: testTextVA + 0x100,
			Size:           debugDirectoryEntrySize,
		}
		writeAt(buf, 0x500+teOff, DebugDirectoryEntry{
			Type:       ImageDebugTypeCodeView,
			SizeOfData: 0x40,
			RVA:        testTextVA + 0x180,
			FileOffset: 0x580,
		})
		writeAt(buf, 0x580+teOff, uint32(cvSignatureRSDS))
		copy(buf[0x580+teOff+pdbPointerOffsetRSDS:], "te.pdb\x00")
	}

	writeAt(buf, 0, &th)
	for i, s := range sections {
		writeAt(buf, int(teHeaderSize)+i*int(sectionHeaderSize), &s)
	}

	// The HIGHLOW site inside .text, holding an address valid at the
	// linked base.
	writeAt(buf, 0x410+teOff, uint32(teTestImageBase+testTextVA))

	return buf
}
