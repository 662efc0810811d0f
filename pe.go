// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pecoff loads PE/COFF and TE executable images for firmware
// environments. It parses headers and the section table, copies sections
// into a caller-provided buffer, applies base-relocation fixups, and
// resolves the entry point and CodeView/PDB debug reference. It never
// allocates the destination buffer, never resolves imports, never executes
// TLS callbacks, and never verifies signatures; those are the embedder's
// concern.
package pecoff

// Image signatures.
const (
	// ImageDOSSignature is the 'MZ' magic at the start of every DOS/PE/TE
	// file's stub header.
	ImageDOSSignature = 0x5A4D

	// ImageDOSZMSignature is the rarer 'ZM' variant some linkers emit; it is
	// accepted on input exactly like 'MZ'.
	ImageDOSZMSignature = 0x4D5A

	// ImageNTSignature is the 'PE\0\0' signature of a full PE/COFF image.
	ImageNTSignature = 0x00004550

	// ImageTESignature is the 'VZ' signature of a TianoCore TE image.
	ImageTESignature = 0x5A56

	// imageOS2Signature is the 'NE' signature of a 16-bit OS/2 image,
	// rejected with a specific diagnostic.
	imageOS2Signature = 0x454E

	// imageOS2LESignature is the 'LE' signature of an OS/2 LE/VxD image.
	imageOS2LESignature = 0x454C

	// imageVXDSignature is the 'LX' signature of a Windows VXD image.
	imageVXDSignature = 0x584C
)

// Optional-header magic values.
const (
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b
)

// MachineType identifies the target architecture of an image. Only IA32,
// X64 and IA64 are accepted by the Header Parser; the rest exist purely so
// a rejected image can be described in diagnostics.
type MachineType uint16

const (
	ImageFileMachineUnknown MachineType = 0x0000
	ImageFileMachineI386    MachineType = 0x014c // IA32
	ImageFileMachineIA64    MachineType = 0x0200 // IA64 (Itanium)
	ImageFileMachineAMD64   MachineType = 0x8664 // X64
	ImageFileMachineARM     MachineType = 0x01c0
	ImageFileMachineARM64   MachineType = 0xaa64
	ImageFileMachineARMNT   MachineType = 0x01c4
	ImageFileMachineEBC     MachineType = 0x0ebc
	ImageFileMachineRISCV64 MachineType = 0x5064
)

func (m MachineType) String() string {
	switch m {
	case ImageFileMachineUnknown:
		return "UNKNOWN"
	case ImageFileMachineI386:
		return "IA32"
	case ImageFileMachineIA64:
		return "IA64"
	case ImageFileMachineAMD64:
		return "X64"
	case ImageFileMachineARM:
		return "ARM"
	case ImageFileMachineARM64:
		return "ARM64"
	case ImageFileMachineARMNT:
		return "ARMNT"
	case ImageFileMachineEBC:
		return "EBC"
	case ImageFileMachineRISCV64:
		return "RISCV64"
	default:
		return "?"
	}
}

// isAccepted reports whether m is one of the three machine types the
// Non-goals allow this loader to process.
func (m MachineType) isAccepted() bool {
	switch m {
	case ImageFileMachineI386, ImageFileMachineAMD64, ImageFileMachineIA64:
		return true
	default:
		return false
	}
}

// SubsystemType identifies the EFI execution environment an image targets.
type SubsystemType uint16

const (
	ImageSubsystemUnknown              SubsystemType = 0
	ImageSubsystemEFIApplication       SubsystemType = 10
	ImageSubsystemEFIBootServiceDriver SubsystemType = 11
	ImageSubsystemEFIRuntimeDriver     SubsystemType = 12
	ImageSubsystemEFIRomOrSALRuntime   SubsystemType = 13 // also EFI_IMAGE_SUBSYSTEM_SAL_RUNTIME_DRIVER
)

func (s SubsystemType) String() string {
	switch s {
	case ImageSubsystemEFIApplication:
		return "EFIApplication"
	case ImageSubsystemEFIBootServiceDriver:
		return "EFIBootServiceDriver"
	case ImageSubsystemEFIRuntimeDriver:
		return "EFIRuntimeDriver"
	case ImageSubsystemEFIRomOrSALRuntime:
		return "SALRuntimeDriver"
	default:
		return "Unknown"
	}
}

// isAccepted reports whether s is one of the four EFI subsystems this
// loader supports (spec Non-goals: no other subsystem is in scope).
func (s SubsystemType) isAccepted() bool {
	switch s {
	case ImageSubsystemEFIApplication,
		ImageSubsystemEFIBootServiceDriver,
		ImageSubsystemEFIRuntimeDriver,
		ImageSubsystemEFIRomOrSALRuntime:
		return true
	default:
		return false
	}
}

// FileCharacteristics flags, Characteristics field of the COFF file header.
const (
	ImageFileRelocsStripped    = 0x0001
	ImageFileExecutableImage   = 0x0002
	ImageFileLargeAddressAware = 0x0020
	ImageFileDLL               = 0x2000
)

// Data-directory indices relevant to this loader. The full PE/COFF spec
// defines 16; only the two the loader touches are named here.
const (
	ImageDirectoryEntryBaseReloc  = 5
	ImageDirectoryEntryDebug      = 6
	ImageNumberOfDirectoryEntries = 16
)

// TE images carry only two data directories, at these fixed indices.
const (
	TeDirectoryEntryBaseReloc = 0
	TeDirectoryEntryDebug     = 1
)

// DataDirectory is an IMAGE_DATA_DIRECTORY: RVA and size of a table the
// optional header points at.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// ImageDebugType classifies a debug-directory entry; only CodeView entries
// are interpreted by this loader.
const (
	ImageDebugTypeCodeView = 2
)

// CodeView signatures.
const (
	cvSignatureNB10 = 0x3031424e // "NB10"
	cvSignatureRSDS = 0x53445352 // "RSDS"
)

// PdbPointer offsets from the start of the CodeView payload, matching the
// CV_INFO_PDB20 and CV_INFO_PDB70 record layouts.
const (
	pdbPointerOffsetNB10 = 16
	pdbPointerOffsetRSDS = 24
)

// Base-relocation entry types. Only ABSOLUTE/HIGH/LOW/HIGHLOW/HIGHADJ are
// dispatched generically; everything else is delegated to an
// archRelocator.
const (
	ImageRelBasedAbsolute = 0
	ImageRelBasedHigh     = 1
	ImageRelBasedLow      = 2
	ImageRelBasedHighLow  = 3
	ImageRelBasedHighAdj  = 4
	ImageRelBasedDir64    = 10
)
