// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "fmt"

// Status is the return-status taxonomy exposed to callers of GetImageInfo,
// LoadImage and RelocateImage.
type Status int

const (
	// StatusSuccess indicates the operation completed normally.
	StatusSuccess Status = iota

	// StatusInvalidParameter indicates a caller-supplied ImageAddress
	// violates a documented precondition: it is not a multiple of
	// SectionAlignment, or a relocation-stripped image is placed away from
	// its linked base.
	StatusInvalidParameter

	// StatusUnsupported indicates the image uses a format, machine type or
	// subsystem this loader does not accept.
	StatusUnsupported

	// StatusLoadError indicates a geometry violation discovered while
	// copying sections or applying relocations.
	StatusLoadError

	// StatusBufferTooSmall indicates the caller's buffer is smaller than the
	// size GetImageInfo computed.
	StatusBufferTooSmall
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusInvalidParameter:
		return "InvalidParameter"
	case StatusUnsupported:
		return "Unsupported"
	case StatusLoadError:
		return "LoadError"
	case StatusBufferTooSmall:
		return "BufferTooSmall"
	default:
		return "?"
	}
}

// ImageErrorCode is a more specific diagnostic classification recorded on
// the ImageContext alongside the Status returned to the caller. It never
// replaces the return status; it only narrows it for logging.
type ImageErrorCode int

const (
	// ImageErrorSuccess means the last operation did not fail.
	ImageErrorSuccess ImageErrorCode = iota

	// ImageErrorImageRead means the caller's ImageRead callback returned an
	// error, propagated verbatim.
	ImageErrorImageRead

	// ImageErrorInvalidImageAddress means a relocation-stripped image was
	// placed away from its linked base, or an RVA resolved against
	// ImageAddress falls outside ImageSize.
	ImageErrorInvalidImageAddress

	// ImageErrorInvalidImageSize means the caller's ImageSize is smaller
	// than the size GetImageInfo computed.
	ImageErrorInvalidImageSize

	// ImageErrorInvalidSubsystem means the machine type or subsystem is not
	// in the accepted set.
	ImageErrorInvalidSubsystem

	// ImageErrorInvalidSectionAlignment means SectionAlignment is zero, or
	// ImageAddress is not a multiple of it. A non-zero SectionAlignment that
	// is not a power of two is not rejected.
	ImageErrorInvalidSectionAlignment

	// ImageErrorSectionNotLoaded means a section's bounds fall outside the
	// caller's buffer.
	ImageErrorSectionNotLoaded

	// ImageErrorFailedRelocation means a relocation block or entry could not
	// be applied.
	ImageErrorFailedRelocation
)

func (c ImageErrorCode) String() string {
	switch c {
	case ImageErrorSuccess:
		return "Success"
	case ImageErrorImageRead:
		return "ImageRead"
	case ImageErrorInvalidImageAddress:
		return "InvalidImageAddress"
	case ImageErrorInvalidImageSize:
		return "InvalidImageSize"
	case ImageErrorInvalidSubsystem:
		return "InvalidSubsystem"
	case ImageErrorInvalidSectionAlignment:
		return "InvalidSectionAlignment"
	case ImageErrorSectionNotLoaded:
		return "SectionNotLoaded"
	case ImageErrorFailedRelocation:
		return "FailedRelocation"
	default:
		return "?"
	}
}

// LoaderError is the concrete error type every entry point returns on
// failure. It carries both the coarse Status and the finer ImageErrorCode,
// and wraps the underlying cause when one exists (e.g. a reader error).
type LoaderError struct {
	Status Status
	Code   ImageErrorCode
	Reason string
	Err    error
}

func (e *LoaderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pecoff: %s (%s): %s: %v", e.Status, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("pecoff: %s (%s): %s", e.Status, e.Code, e.Reason)
}

func (e *LoaderError) Unwrap() error { return e.Err }

func fail(status Status, code ImageErrorCode, reason string) *LoaderError {
	return &LoaderError{Status: status, Code: code, Reason: reason}
}

func failRead(err error) *LoaderError {
	return &LoaderError{Status: StatusLoadError, Code: ImageErrorImageRead, Reason: "image read callback failed", Err: err}
}
