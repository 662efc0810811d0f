// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "errors"

// Sentinel errors for the known-but-rejected legacy signatures, so a caller
// can tell an OS/2 executable from outright garbage with errors.Is.
var (
	ErrImageOS2SignatureFound   = errors.New("image uses the OS/2 'NE' signature, not PE or TE")
	ErrImageOS2LESignatureFound = errors.New("image uses the OS/2 LE/VxD 'LE' signature, not PE or TE")
	ErrImageVXDSignatureFound   = errors.New("image uses the Windows VXD 'LX' signature, not PE or TE")
)

func failLegacySignature(cause error) *LoaderError {
	return &LoaderError{
		Status: StatusUnsupported,
		Code:   ImageErrorInvalidSubsystem,
		Reason: "legacy executable signature",
		Err:    cause,
	}
}

// headerInfo is the result of classifying and validating an image's
// header: which variant it is, where the PE/TE header starts, and its
// declared machine/subsystem. GetImageInfo and LoadImage's re-validation
// each recompute it independently against the ImageRead source, never the
// copied buffer.
type headerInfo struct {
	isTE               bool
	peCoffHeaderOffset uint32
	machine            MachineType
	imageType          SubsystemType
}

// parseHeaders reads the DOS stub, locates the PE or TE header, classifies
// the image, and validates its machine type and subsystem against the
// accepted sets.
func parseHeaders(src byteSource, strict bool, notef func(string)) (*headerInfo, error) {
	peCoffHeaderOffset, err := readDOSHeader(src)
	if err != nil {
		return nil, err
	}

	var sig uint32
	if err := unpackAt(src, peCoffHeaderOffset, &sig); err != nil {
		return nil, err
	}

	info := &headerInfo{peCoffHeaderOffset: peCoffHeaderOffset}

	switch sig {
	case ImageNTSignature:
		info.isTE = false
		var fh FileHeader
		if err := unpackAt(src, peCoffHeaderOffset+4, &fh); err != nil {
			return nil, err
		}
		info.machine = fh.Machine

		opt, _, err := readOptionalHeader(src, peCoffHeaderOffset+4+fileHeaderSize)
		if err != nil {
			return nil, err
		}
		// Subsystem sits in the bitness-independent region shared by both
		// optional-header variants.
		switch h := opt.(type) {
		case *OptionalHeader32:
			info.imageType = h.Subsystem
		case *OptionalHeader64:
			info.imageType = h.Subsystem
		}

	default:
		// Everything else is a 16-bit signature (TE, or a rejected OS/2,
		// OS/2 LE, or VXD variant); only the low 16 bits matter.
		switch uint16(sig) {
		case ImageTESignature:
			info.isTE = true
			var th TeHeader
			if err := unpackAt(src, peCoffHeaderOffset, &th); err != nil {
				return nil, err
			}
			info.machine = MachineType(th.Machine)
			info.imageType = SubsystemType(th.Subsystem)
		case imageOS2Signature:
			notef(ErrImageOS2SignatureFound.Error())
			return nil, failLegacySignature(ErrImageOS2SignatureFound)
		case imageOS2LESignature:
			notef(ErrImageOS2LESignatureFound.Error())
			return nil, failLegacySignature(ErrImageOS2LESignatureFound)
		case imageVXDSignature:
			notef(ErrImageVXDSignatureFound.Error())
			return nil, failLegacySignature(ErrImageVXDSignatureFound)
		default:
			return nil, fail(StatusUnsupported, ImageErrorInvalidSubsystem, "no PE or TE signature found")
		}
	}

	if strict {
		if !info.machine.isAccepted() {
			return nil, fail(StatusUnsupported, ImageErrorInvalidSubsystem, "unsupported machine type "+info.machine.String())
		}
		if !info.imageType.isAccepted() {
			return nil, fail(StatusUnsupported, ImageErrorInvalidSubsystem, "unsupported EFI subsystem "+info.imageType.String())
		}
	}

	return info, nil
}
