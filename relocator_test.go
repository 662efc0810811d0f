// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func u32At(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

func u64At(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off : off+8])
}

func u16At(buf []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(buf[off : off+2])
}

// Relocating to the address an image already occupies must not change a
// single byte: the delta is zero and the ImageBase rewrite is idempotent.
func TestRelocateImageNoop(t *testing.T) {
	ctx, buffer := loadForTest(t, buildPE32(imageOpts{}), 0)
	snapshot := make([]byte, len(buffer))
	copy(snapshot, buffer)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}
	if !bytes.Equal(buffer, snapshot) {
		t.Error("zero-delta relocation modified the image")
	}
}

func TestRelocateImagePE32(t *testing.T) {
	const base = testPE32Base + 0x10000
	ctx, buffer := loadForTest(t, buildPE32(imageOpts{}), base)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}

	const adjust = 0x10000
	if got := u32At(buffer, testTextVA+0x10); got != testPE32Base+testTextVA+adjust {
		t.Errorf("fixup at +0x10: got %#x, want %#x", got, testPE32Base+testTextVA+adjust)
	}
	if got := u32At(buffer, testTextVA+0x14); got != testPE32Base+testTextVA+4+adjust {
		t.Errorf("fixup at +0x14: got %#x, want %#x", got, testPE32Base+testTextVA+4+adjust)
	}
	if got := u32At(buffer, testTextVA+0x18); got != testPE32Base+testDataVA+adjust {
		t.Errorf("fixup at +0x18: got %#x, want %#x", got, testPE32Base+testDataVA+adjust)
	}

	// The optional header must describe the new base after relocation.
	opt, _, err := readOptionalHeader(bufferSource{buf: buffer}, testLfanew+4+fileHeaderSize)
	if err != nil {
		t.Fatalf("re-reading optional header failed: %v", err)
	}
	if opt.imageBase() != base {
		t.Errorf("ImageBase after relocation: got %#x, want %#x", opt.imageBase(), uint64(base))
	}
}

func TestRelocateImagePE32Plus(t *testing.T) {
	const base = 0x200000000
	const adjust = base - testPE64Base // 0xC0000000
	ctx, buffer := loadForTest(t, buildPE64(imageOpts{}), base)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}

	if got := u64At(buffer, testTextVA+0x10); got != testPE64Base+testTextVA+adjust {
		t.Errorf("DIR64 fixup at +0x10: got %#x, want %#x", got,
			uint64(testPE64Base+testTextVA+adjust))
	}
	if got := u64At(buffer, testTextVA+0x18); got != testPE64Base+testDataVA+adjust {
		t.Errorf("DIR64 fixup at +0x18: got %#x, want %#x", got,
			uint64(testPE64Base+testDataVA+adjust))
	}
	if got := u32At(buffer, testTextVA+0x20); got != 0x1234+uint32(adjust) {
		t.Errorf("HIGHLOW fixup at +0x20: got %#x, want %#x", got, 0x1234+uint32(adjust))
	}

	opt, _, err := readOptionalHeader(bufferSource{buf: buffer}, testLfanew+4+fileHeaderSize)
	if err != nil {
		t.Fatalf("re-reading optional header failed: %v", err)
	}
	if opt.imageBase() != base {
		t.Errorf("ImageBase after relocation: got %#x, want %#x", opt.imageBase(), uint64(base))
	}
}

// Relocating away and back restores the post-load bytes exactly, since the
// image carries only DIR64/HIGHLOW fixups whose additions are invertible.
func TestRelocateImageRoundTrip(t *testing.T) {
	const base = 0x200000000
	ctx, buffer := loadForTest(t, buildPE64(imageOpts{}), base)
	snapshot := make([]byte, len(buffer))
	copy(snapshot, buffer)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("first RelocateImage failed: %v", err)
	}
	if bytes.Equal(buffer, snapshot) {
		t.Fatal("relocation with a non-zero delta changed nothing")
	}

	ctx.DestinationAddress = testPE64Base
	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("second RelocateImage failed: %v", err)
	}
	if !bytes.Equal(buffer, snapshot) {
		t.Error("opposite-delta relocation did not restore the post-load image")
	}
}

func TestRelocateImageHighLowPairs(t *testing.T) {
	data := buildPE32(imageOpts{relocEntries: []uint16{
		ImageRelBasedHigh<<12 | 0x10,
		ImageRelBasedLow<<12 | 0x12,
	}})
	ctx, buffer := loadForTest(t, data, 0)

	highBefore := u16At(buffer, testTextVA+0x10)
	lowBefore := u16At(buffer, testTextVA+0x12)

	// DestinationAddress chosen so both halves of the delta are non-zero.
	ctx.DestinationAddress = testPE32Base + 0x20004
	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}

	const adjust = 0x20004
	if got := u16At(buffer, testTextVA+0x10); got != highBefore+uint16(adjust>>16) {
		t.Errorf("HIGH fixup: got %#x, want %#x", got, highBefore+uint16(adjust>>16))
	}
	if got := u16At(buffer, testTextVA+0x12); got != lowBefore+uint16(adjust&0xFFFF) {
		t.Errorf("LOW fixup: got %#x, want %#x", got, lowBefore+uint16(adjust&0xFFFF))
	}
}

func TestRelocateImageHighAdjUnsupported(t *testing.T) {
	data := buildPE32(imageOpts{relocEntries: []uint16{
		ImageRelBasedHighAdj<<12 | 0x10,
		ImageRelBasedAbsolute << 12,
	}})
	ctx, buffer := loadForTest(t, data, 0)
	ctx.DestinationAddress = testPE32Base + 0x10000

	err := RelocateImage(ctx, buffer)
	assertStatus(t, err, StatusUnsupported)
	if ctx.ImageError != ImageErrorFailedRelocation {
		t.Errorf("ImageError: got %s, want FailedRelocation", ctx.ImageError)
	}
}

// A machine-specific relocation type on a machine whose helper does not
// implement it is fatal, not skipped.
func TestRelocateImageUnknownTypeIA32(t *testing.T) {
	data := buildPE32(imageOpts{relocEntries: []uint16{
		ImageRelBasedDir64<<12 | 0x10,
		ImageRelBasedAbsolute << 12,
	}})
	ctx, buffer := loadForTest(t, data, 0)
	ctx.DestinationAddress = testPE32Base + 0x10000

	err := RelocateImage(ctx, buffer)
	assertStatus(t, err, StatusUnsupported)
	if ctx.ImageError != ImageErrorFailedRelocation {
		t.Errorf("ImageError: got %s, want FailedRelocation", ctx.ImageError)
	}
}

// A block whose SizeOfBlock runs past the image bounds must fail before
// any of its entries are applied.
func TestRelocateImageCorruptBlock(t *testing.T) {
	ctx, buffer := loadForTest(t, buildPE32(imageOpts{}), 0)
	snapshot := make([]byte, len(buffer))
	copy(snapshot, buffer)

	// Corrupt SizeOfBlock in the loaded .reloc section.
	writeAt(buffer, testRelocVA+4, uint32(0x2000))
	snapshot[testRelocVA+4] = buffer[testRelocVA+4]
	snapshot[testRelocVA+5] = buffer[testRelocVA+5]

	ctx.DestinationAddress = testPE32Base + 0x10000
	err := RelocateImage(ctx, buffer)
	assertStatus(t, err, StatusLoadError)
	if ctx.ImageError != ImageErrorFailedRelocation {
		t.Errorf("ImageError: got %s, want FailedRelocation", ctx.ImageError)
	}

	// Nothing besides the rewritten ImageBase may have been touched.
	opt, _, err := readOptionalHeader(bufferSource{buf: snapshot}, testLfanew+4+fileHeaderSize)
	if err != nil {
		t.Fatalf("re-reading optional header failed: %v", err)
	}
	opt.setImageBase(testPE32Base + 0x10000)
	if err := writeOptionalHeader(snapshot, testLfanew+4+fileHeaderSize, opt); err != nil {
		t.Fatalf("rewriting snapshot header failed: %v", err)
	}
	if !bytes.Equal(buffer, snapshot) {
		t.Error("failed relocation modified bytes beyond the header rewrite")
	}
}

func TestRelocateImageStrippedNoop(t *testing.T) {
	ctx, buffer := loadForTest(t, buildPE32(imageOpts{stripped: true}), 0)
	snapshot := make([]byte, len(buffer))
	copy(snapshot, buffer)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage on a stripped image failed: %v", err)
	}
	if !bytes.Equal(buffer, snapshot) {
		t.Error("stripped-image relocation modified the buffer")
	}
}

// A caller-supplied FixupData buffer receives every patched value, one
// native word per HIGHLOW entry.
func TestRelocateImageFixupLog(t *testing.T) {
	ctx, buffer := loadForTest(t, buildPE32(imageOpts{}), 0)
	ctx.DestinationAddress = testPE32Base + 0x10000
	ctx.FixupData = make([]byte, ctx.FixupDataSize)

	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}

	want := []uint32{
		testPE32Base + testTextVA + 0x10000,
		testPE32Base + testTextVA + 4 + 0x10000,
		testPE32Base + testDataVA + 0x10000,
	}
	for i, w := range want {
		if got := u32At(ctx.FixupData, i*nativeWordSize); got != w {
			t.Errorf("fixup log entry %d: got %#x, want %#x", i, got, w)
		}
	}
}

func TestRelocateImageTE(t *testing.T) {
	ctx, buffer := loadForTest(t, buildTE(teOpts{withReloc: true}), 0)

	const dest = 0x80000
	ctx.DestinationAddress = dest
	if err := RelocateImage(ctx, buffer); err != nil {
		t.Fatalf("RelocateImage failed: %v", err)
	}

	teOff := int(teHeaderSize) - teTestStrippedSize
	fixupOff := testTextVA + 0x10 + teOff
	const adjust = dest - teTestImageBase
	if got := u32At(buffer, fixupOff); got != teTestImageBase+testTextVA+adjust {
		t.Errorf("TE HIGHLOW fixup: got %#x, want %#x", got,
			teTestImageBase+testTextVA+adjust)
	}

	var th TeHeader
	if err := unpackAt(bufferSource{buf: buffer}, 0, &th); err != nil {
		t.Fatalf("re-reading TE header failed: %v", err)
	}
	if th.ImageBase != dest {
		t.Errorf("TE ImageBase after relocation: got %#x, want %#x", th.ImageBase, uint64(dest))
	}
}

func TestFixupLogAlignment(t *testing.T) {
	log := &fixupLog{buf: make([]byte, 16)}
	log.write(0x1111, 2, false)
	log.write(0x22222222, 4, true)

	if got := u16At(log.buf, 0); got != 0x1111 {
		t.Errorf("16-bit log entry: got %#x, want 0x1111", got)
	}
	// The 32-bit entry must be aligned up past the 16-bit one.
	if got := u32At(log.buf, 4); got != 0x22222222 {
		t.Errorf("aligned 32-bit log entry: got %#x, want 0x22222222", got)
	}
}
