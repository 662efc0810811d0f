// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// archRelocator applies the machine-specific base-relocation types
// RelocateImage's common switch does not itself understand. One helper
// exists per accepted machine type, selected once per relocation pass.
type archRelocator interface {
	// relocate applies relocType to the 64-bit-aligned-or-not fixup at
	// fixup[:], given adjust = BaseAddress - linked ImageBase. It reports
	// StatusUnsupported for any entry type it does not recognize, matching
	// the default case of each arch helper's own switch.
	relocate(relocType uint16, fixup []byte, adjust uint64, log *fixupLog) error
}

// fixupLog writes applied fixups into the caller-allocated FixupData
// buffer at an advancing cursor. 32- and 64-bit entries are aligned to
// their own width before being appended (HIGHLOW entries are further
// placed on a nativeWordSize boundary by applyFixup); a nil buf makes every write a
// no-op, so callers that want no log simply leave FixupData unset.
type fixupLog struct {
	buf    []byte
	cursor int
}

func (l *fixupLog) write(v uint64, size int, align bool) {
	if l == nil || l.buf == nil {
		return
	}
	if align {
		for l.cursor%size != 0 && l.cursor < len(l.buf) {
			l.cursor++
		}
	}
	if l.cursor+size > len(l.buf) {
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(l.buf[l.cursor:l.cursor+size], tmp[:size])
	l.cursor += size
}

func newArchRelocator(m MachineType) archRelocator {
	switch m {
	case ImageFileMachineAMD64:
		return x64Relocator{}
	case ImageFileMachineIA64:
		return ia64Relocator{}
	default:
		return ia32Relocator{}
	}
}

// ia32Relocator has no machine-specific relocation types of its own: IA32
// images only ever use the common ABSOLUTE/HIGH/LOW/HIGHLOW/HIGHADJ types
// RelocateImage already handles.
type ia32Relocator struct{}

func (ia32Relocator) relocate(relocType uint16, fixup []byte, adjust uint64, log *fixupLog) error {
	return fail(StatusUnsupported, ImageErrorFailedRelocation, "unsupported IA32 relocation type")
}

// x64Relocator implements EFI_IMAGE_REL_BASED_DIR64, the 64-bit pointer
// fixup X64 images use in place of HIGHLOW.
type x64Relocator struct{}

func (x64Relocator) relocate(relocType uint16, fixup []byte, adjust uint64, log *fixupLog) error {
	if relocType != ImageRelBasedDir64 {
		return fail(StatusUnsupported, ImageErrorFailedRelocation, "unsupported X64 relocation type")
	}
	if len(fixup) < 8 {
		return fail(StatusLoadError, ImageErrorFailedRelocation, "DIR64 fixup runs past the image")
	}
	v := binary.LittleEndian.Uint64(fixup[:8]) + adjust
	binary.LittleEndian.PutUint64(fixup[:8], v)
	log.write(v, 8, true)
	return nil
}

// ia64Relocator implements EFI_IMAGE_REL_BASED_DIR64 for IA64 images.
// EFI_IMAGE_REL_BASED_IA64_IMM64, which splices a 64-bit immediate across
// three bundle instruction slots, is not implemented: Itanium firmware is
// long out of production and there is no way to build or check a fixture
// for it without real IA64 toolchain output, so this loader reports it
// Unsupported rather than guess at the bit layout.
type ia64Relocator struct{}

func (ia64Relocator) relocate(relocType uint16, fixup []byte, adjust uint64, log *fixupLog) error {
	if relocType != ImageRelBasedDir64 {
		return fail(StatusUnsupported, ImageErrorFailedRelocation, "unsupported IA64 relocation type")
	}
	if len(fixup) < 8 {
		return fail(StatusLoadError, ImageErrorFailedRelocation, "DIR64 fixup runs past the image")
	}
	v := binary.LittleEndian.Uint64(fixup[:8]) + adjust
	binary.LittleEndian.PutUint64(fixup[:8], v)
	log.write(v, 8, true)
	return nil
}
