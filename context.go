// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import (
	"os"

	"github.com/go-kratos/kratos/v2/log"
)

// Options configures the three entry points: a cap on relocation-block
// fan-out (guards against a corrupted SizeOfBlock looping effectively
// forever) and a strictness knob for the subsystem/machine acceptance
// check.
type Options struct {
	// MaxRelocEntriesCount bounds how many fixup entries RelocateImage will
	// walk across all blocks combined, by default MaxDefaultRelocEntriesCount.
	MaxRelocEntriesCount uint32

	// StrictSubsystem, when true (the default), rejects any subsystem or
	// machine type outside the accepted EFI sets. Disabling it is only
	// useful for diagnostic tooling that wants to inspect an otherwise
	// unsupported image's headers without failing outright.
	StrictSubsystem bool

	// Logger receives diagnostic messages; defaults to a filtered stdout
	// logger at log.LevelWarn.
	Logger log.Logger
}

// MaxDefaultRelocEntriesCount is the default Options.MaxRelocEntriesCount.
const MaxDefaultRelocEntriesCount = 1 << 20

// DefaultOptions returns the Options every constructor falls back to.
func DefaultOptions() *Options {
	logger := log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelWarn))
	return &Options{
		MaxRelocEntriesCount: MaxDefaultRelocEntriesCount,
		StrictSubsystem:      true,
		Logger:               logger,
	}
}

// ImageContext is the single mutable artifact threaded through GetImageInfo,
// LoadImage and RelocateImage. It is not safe for concurrent use: one
// logical call fully owns it for the call's duration.
type ImageContext struct {
	// --- input, caller-supplied ---

	// Handle is an opaque token passed verbatim to ImageRead.
	Handle interface{}

	// ImageRead copies bytes out of Handle on demand.
	ImageRead ImageReadFunc

	// DestinationAddress, when non-zero, is the address RelocateImage
	// targets instead of ImageAddress.
	DestinationAddress uint64

	// FixupData is the caller-owned log buffer RelocateImage appends
	// applied fixups to, when non-nil. Runtime drivers use this to
	// re-relocate at SetVirtualAddressMap.
	FixupData []byte

	// --- output, populated by the loader ---

	// IsTeImage discriminates the TE variant from the full PE variant.
	IsTeImage bool

	// Machine is the image's target architecture.
	Machine MachineType

	// ImageType is the image's EFI subsystem.
	ImageType SubsystemType

	// PeCoffHeaderOffset is the file offset of the PE signature, or 0 if
	// there was no DOS stub (always 0 for TE images).
	PeCoffHeaderOffset uint32

	// ImageAddress is the loaded base: the caller's input before LoadImage,
	// the linked base as reported by GetImageInfo.
	ImageAddress uint64

	// ImageSize is the number of bytes required at ImageAddress.
	ImageSize uint64

	// SectionAlignment is the power-of-two alignment ImageAddress must
	// respect for PE images.
	SectionAlignment uint32

	// SizeOfHeaders is the number of bytes from file start to copy as
	// headers.
	SizeOfHeaders uint32

	// EntryPoint is the resolved entry address after LoadImage.
	EntryPoint uint64

	// RelocationsStripped reports whether the image carries no
	// base-relocation directory.
	RelocationsStripped bool

	// DebugDirectoryEntryRva is the RVA of the CodeView debug-directory
	// entry, or 0 if none was found.
	DebugDirectoryEntryRva uint32

	// CodeView is the address of the CodeView payload after LoadImage, or 0.
	CodeView uint64

	// PdbPointer is the address of the PDB path string within the CodeView
	// payload after LoadImage, or 0.
	PdbPointer uint64

	// FixupDataSize is the number of bytes FixupData must be able to hold.
	FixupDataSize uint64

	// ImageError is a diagnostic classification of the last failure; it
	// never replaces the Status an entry point returns.
	ImageError ImageErrorCode

	// Anomalies is a soft diagnostic log kept alongside the returned error.
	// The header parser records one here when it finds a legacy OS/2 or
	// VXD signature where a PE header was expected, before rejecting the
	// image.
	Anomalies []string

	opts *Options
}

// NewImageContext builds an ImageContext around a caller-supplied reader.
// opts may be nil, in which case DefaultOptions() is used.
func NewImageContext(handle interface{}, read ImageReadFunc, opts *Options) *ImageContext {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxRelocEntriesCount == 0 {
		opts.MaxRelocEntriesCount = MaxDefaultRelocEntriesCount
	}
	if opts.Logger == nil {
		opts.Logger = log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(log.LevelWarn))
	}
	return &ImageContext{
		Handle:    handle,
		ImageRead: read,
		opts:      opts,
	}
}

func (c *ImageContext) source() *imageSource {
	return &imageSource{handle: c.Handle, read: c.ImageRead}
}

func (c *ImageContext) logger() *log.Helper {
	return log.NewHelper(c.opts.Logger)
}

func (c *ImageContext) noteAnomaly(a string) {
	c.Anomalies = append(c.Anomalies, a)
	c.logger().Warnf("anomaly: %s", a)
}

// addressFromRVA resolves an image-relative address against the loaded
// base. Every RVA translated while loading or relocating goes through this
// one bounds check.
func (c *ImageContext) addressFromRVA(rva uint64) (uint64, error) {
	if rva >= c.ImageSize {
		c.ImageError = ImageErrorInvalidImageAddress
		return 0, fail(StatusLoadError, ImageErrorInvalidImageAddress, "RVA outside image size")
	}
	return c.ImageAddress + rva, nil
}

// offsetInBuffer converts an address produced by addressFromRVA (or stored
// directly on the context, e.g. EntryPoint) into an index into buffer, the
// caller's backing memory for [ImageAddress, ImageAddress+ImageSize).
func (c *ImageContext) offsetInBuffer(addr uint64, buffer []byte) (int, error) {
	if addr < c.ImageAddress {
		return 0, fail(StatusLoadError, ImageErrorSectionNotLoaded, "address below image base")
	}
	off := addr - c.ImageAddress
	if off > uint64(len(buffer)) {
		return 0, fail(StatusLoadError, ImageErrorSectionNotLoaded, "address outside loaded buffer")
	}
	return int(off), nil
}
