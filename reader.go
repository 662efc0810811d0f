// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrShortRead is returned when the caller's ImageRead callback reports
// fewer bytes than requested without itself returning an error. The loader
// never tolerates partial reads; a reader that cannot fill the destination
// must fail instead.
var ErrShortRead = errors.New("pecoff: image reader returned fewer bytes than requested")

// ImageReadFunc mirrors the firmware PE_COFF_LOADER_READ_FILE callback: it
// copies up to *size bytes starting at fileOffset of the opaque handle into
// destination, sets *size to the number of bytes actually copied, and
// returns nil on success or the underlying I/O error otherwise. The loader
// never seeks; it treats the reader as random-access, and never requires
// partial reads to succeed.
type ImageReadFunc func(handle interface{}, fileOffset uint32, size *uint32, destination []byte) error

// byteSource is anything unpackAt and the header/section walkers can read
// fixed-size structures from at a given file offset. imageSource adapts the
// caller's ImageReadFunc; bufferSource adapts an already-loaded image slice
// so the same walkers serve both the Info Collector (no buffer yet) and the
// Loader/Relocator (operating on the copied image).
type byteSource interface {
	readAt(fileOffset uint32, dest []byte) error
}

// imageSource pairs a reader callback with its handle and offers
// bounds-checked, struct-aware reads on top of it. Rather than
// reinterpreting the opaque Handle as an address, every read stages the
// bytes into a local buffer first.
type imageSource struct {
	handle interface{}
	read   ImageReadFunc
}

// readAt fills dest completely from fileOffset, or fails.
func (s *imageSource) readAt(fileOffset uint32, dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	size := uint32(len(dest))
	if err := s.read(s.handle, fileOffset, &size, dest); err != nil {
		return failRead(err)
	}
	if size != uint32(len(dest)) {
		return failRead(ErrShortRead)
	}
	return nil
}

// bufferSource adapts an already-populated image buffer (the destination
// memory LoadImage copies sections into) to byteSource, so the Loader and
// Relocator can reuse the Info Collector's header/section walkers instead
// of re-reading through the original ImageRead callback.
type bufferSource struct {
	buf []byte
}

func (s bufferSource) readAt(fileOffset uint32, dest []byte) error {
	start := int64(fileOffset)
	end := start + int64(len(dest))
	if start < 0 || end > int64(len(s.buf)) {
		return fail(StatusLoadError, ImageErrorSectionNotLoaded, "read outside loaded image buffer")
	}
	copy(dest, s.buf[start:end])
	return nil
}

// unpackAt reads binary.Size(v) bytes at fileOffset from src and
// little-endian decodes them into v, which must be a pointer to a
// fixed-size struct.
func unpackAt(src byteSource, fileOffset uint32, v interface{}) error {
	size := binary.Size(v)
	if size <= 0 {
		return fail(StatusInvalidParameter, ImageErrorSuccess, "unpack target has no fixed binary size")
	}
	buf := make([]byte, size)
	if err := src.readAt(fileOffset, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// packAt little-endian encodes v, which must be a fixed-size struct or
// pointer to one, and writes it back into dest at fileOffset. The
// relocation pass uses it to rewrite ImageBase in place after a
// decode-mutate-encode round trip.
func packAt(dest []byte, fileOffset uint32, v interface{}) error {
	size := binary.Size(v)
	if size <= 0 {
		return fail(StatusInvalidParameter, ImageErrorSuccess, "pack source has no fixed binary size")
	}
	start := int64(fileOffset)
	end := start + int64(size)
	if start < 0 || end > int64(len(dest)) {
		return fail(StatusLoadError, ImageErrorSectionNotLoaded, "write outside loaded image buffer")
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fail(StatusInvalidParameter, ImageErrorSuccess, "encode failed")
	}
	copy(dest[start:end], buf.Bytes())
	return nil
}

// unpack reads binary.Size(v) bytes at fileOffset and little-endian decodes
// them into v, which must be a pointer to a fixed-size struct.
func (s *imageSource) unpack(fileOffset uint32, v interface{}) error {
	return unpackAt(s, fileOffset, v)
}
