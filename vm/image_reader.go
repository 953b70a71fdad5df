package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/chazu/sprout/alloc"
)

// ---------------------------------------------------------------------------
// Image Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected SPRT")
	ErrVersionMismatch = errors.New("image version mismatch")
	ErrCorruptHeader   = errors.New("corrupt image header")
	ErrCorruptData     = errors.New("corrupt image data")
	ErrUnexpectedEOF   = errors.New("unexpected end of image data")
)

// ReadImageHeader reads the preamble and header of an image, leaving r
// positioned at the arena.
func ReadImageHeader(r io.Reader) (ImageHeader, error) {
	var hdr ImageHeader
	var pre [imagePreambleSize]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return hdr, ErrUnexpectedEOF
	}
	if !bytes.Equal(pre[:4], ImageMagic[:]) {
		return hdr, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(pre[4:]); v != ImageVersion {
		return hdr, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, ImageVersion)
	}
	n := binary.LittleEndian.Uint32(pre[8:])
	if n == 0 || n > maxImageHeaderSize {
		return hdr, fmt.Errorf("%w: header length %d", ErrCorruptHeader, n)
	}
	enc := make([]byte, n)
	if _, err := io.ReadFull(r, enc); err != nil {
		return hdr, ErrUnexpectedEOF
	}
	if err := cbor.Unmarshal(enc, &hdr); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}
	switch {
	case hdr.ArenaSize < alloc.HeapStart+alloc.MinChunk,
		hdr.ArenaSize > maxImageArenaSize,
		hdr.ArenaSize%alloc.Granularity != 0:
		return hdr, fmt.Errorf("%w: arena size %d", ErrCorruptHeader, hdr.ArenaSize)
	case hdr.Frames < 0:
		return hdr, fmt.Errorf("%w: frame count %d", ErrCorruptHeader, hdr.Frames)
	}
	return hdr, nil
}

// LoadImage restores an instance from a file.
func LoadImage(path string, opts Options) (*Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	return LoadImageFrom(f, opts)
}

// LoadImageFrom restores an instance from r. The arena size comes from
// the image; the other options apply as for New. The arena is checked in
// full before anything runs, so a damaged image yields an error rather
// than a misbehaving instance.
func LoadImageFrom(r io.Reader, opts Options) (*Instance, error) {
	hdr, err := ReadImageHeader(r)
	if err != nil {
		return nil, err
	}
	mem := make([]byte, hdr.ArenaSize)
	if _, err := io.ReadFull(r, mem); err != nil {
		return nil, ErrUnexpectedEOF
	}
	heap, err := alloc.Attach(mem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if err := heap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	opts.ArenaSize = hdr.ArenaSize
	in := newInstance(uuid.UUID(hdr.ID), opts.withDefaults(), heap)
	if err := in.verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if in.Frames() != hdr.Frames {
		return nil, fmt.Errorf("%w: header says %d frames, arena says %d", ErrCorruptData, hdr.Frames, in.Frames())
	}
	if hdr.Stopped {
		in.stopped = true
		in.err = &RuntimeError{Msg: hdr.Error}
	}
	log.Infof("instance %s restored (%d frames, %d byte arena)", in.id, hdr.Frames, hdr.ArenaSize)
	return in, nil
}

// LoadImageFromBytes restores an instance from a byte slice.
func LoadImageFromBytes(data []byte, opts Options) (*Instance, error) {
	return LoadImageFrom(bytes.NewReader(data), opts)
}
