package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Image format
// ---------------------------------------------------------------------------

// An image is a 12-byte preamble (magic, version, header length), a CBOR
// header and then the arena, byte for byte. Every reference in the arena
// is an offset, so the arena needs no fixups when it is read back.

// ImageMagic identifies a sprout image.
var ImageMagic = [4]byte{'S', 'P', 'R', 'T'}

// ImageVersion is the current image format version.
const ImageVersion uint32 = 1

const (
	imagePreambleSize  = 12
	maxImageHeaderSize = 4096
	maxImageArenaSize  = 64 << 20
)

// ImageHeader describes the instance an image was taken from.
type ImageHeader struct {
	ArenaSize int      `cbor:"1,keyasint"`
	Frames    int      `cbor:"2,keyasint"`
	Stopped   bool     `cbor:"3,keyasint"`
	ID        [16]byte `cbor:"4,keyasint"`
	Created   int64    `cbor:"5,keyasint"` // unix seconds
	Error     string   `cbor:"6,keyasint,omitempty"`
}

// Headers are encoded canonically so equal instances give equal images.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Instance integration
// ---------------------------------------------------------------------------

// SaveImage saves the instance to a file.
func (in *Instance) SaveImage(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := in.SaveImageTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveImageTo writes the instance to w. A stopped instance can be saved;
// it is restored stopped.
func (in *Instance) SaveImageTo(w io.Writer) error {
	if in.running {
		return ErrInstanceBusy
	}
	hdr := ImageHeader{
		ArenaSize: in.heap.Size(),
		Frames:    in.Frames(),
		Stopped:   in.stopped,
		ID:        in.id,
		Created:   time.Now().Unix(),
	}
	if in.err != nil {
		hdr.Error = in.err.Msg
	}
	enc, err := cborEncMode.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("vm: encoding image header: %w", err)
	}

	var pre [imagePreambleSize]byte
	copy(pre[:4], ImageMagic[:])
	binary.LittleEndian.PutUint32(pre[4:], ImageVersion)
	binary.LittleEndian.PutUint32(pre[8:], uint32(len(enc)))
	for _, b := range [][]byte{pre[:], enc, in.heap.Bytes()} {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	log.Infof("instance %s saved (%d frames, %d byte arena)", in.id, hdr.Frames, hdr.ArenaSize)
	return nil
}
