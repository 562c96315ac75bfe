// Package codec is the serialization facade: encode/decode for the small set
// of persisted record types (spec §2.2). The core treats it as opaque and
// versioned; callers never hand-roll a marshaler elsewhere.
//
// Variable-shaped records (emap, snapshots, WAL bodies) are JSON, the same
// choice the teacher makes for its WAL op log (pkg/mddb/wal.go). The
// super-block uses a dedicated binary layout instead (package storage,
// superblock.go), since spec §6 demands a bit-exact byte layout.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// footerSize mirrors the teacher's WAL footer: magic + length + its
// one's-complement + crc + its one's-complement, so a short read can be
// told apart from a tampered one without a second pass over the body.
const footerSize = 32

// Magic is an 8-byte tag identifying which record type a frame holds.
type Magic [8]byte

// Encode renders v as JSON and wraps it in a magic+length+CRC frame.
func Encode(magic Magic, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}

	return wrap(magic, body), nil
}

// Decode unwraps a frame produced by [Encode] and unmarshals its body into
// v. Returns [verrs.ErrCorrupted] if the frame is truncated, has a mismatched
// magic, or fails its checksum.
func Decode(frame []byte, wantMagic Magic, v any) error {
	body, err := unwrap(frame, wantMagic)
	if err != nil {
		return err
	}

	err = json.Unmarshal(body, v)
	if err != nil {
		return fmt.Errorf("codec: %w: decode: %w", verrs.ErrCorrupted, err)
	}

	return nil
}

func wrap(magic Magic, body []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(body)+footerSize))
	buf.Write(body)

	footer := make([]byte, footerSize)
	copy(footer[:8], magic[:])

	bodyLen := uint64(len(body))
	binary.LittleEndian.PutUint64(footer[8:16], bodyLen)
	binary.LittleEndian.PutUint64(footer[16:24], ^bodyLen)

	crc := crc32.Checksum(body, crcTable)
	binary.LittleEndian.PutUint32(footer[24:28], crc)
	binary.LittleEndian.PutUint32(footer[28:32], ^crc)

	buf.Write(footer)

	return buf.Bytes()
}

func unwrap(frame []byte, wantMagic Magic) ([]byte, error) {
	if len(frame) < footerSize {
		return nil, fmt.Errorf("codec: %w: frame shorter than footer", verrs.ErrCorrupted)
	}

	footer := frame[len(frame)-footerSize:]

	var gotMagic Magic
	copy(gotMagic[:], footer[:8])

	if gotMagic != wantMagic {
		return nil, fmt.Errorf("codec: %w: magic mismatch: got %q want %q", verrs.ErrCorrupted, gotMagic[:], wantMagic[:])
	}

	bodyLen := binary.LittleEndian.Uint64(footer[8:16])
	bodyLenInv := binary.LittleEndian.Uint64(footer[16:24])

	if ^bodyLen != bodyLenInv {
		return nil, fmt.Errorf("codec: %w: length check failed", verrs.ErrCorrupted)
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	crcInv := binary.LittleEndian.Uint32(footer[28:32])

	if ^crc != crcInv {
		return nil, fmt.Errorf("codec: %w: crc check failed", verrs.ErrCorrupted)
	}

	if bodyLen != uint64(len(frame)-footerSize) {
		return nil, fmt.Errorf("codec: %w: body length mismatch", verrs.ErrCorrupted)
	}

	body := frame[:bodyLen]

	got := crc32.Checksum(body, crcTable)
	if got != crc {
		return nil, fmt.Errorf("codec: %w: checksum mismatch: stored %d actual %d", verrs.ErrCorrupted, crc, got)
	}

	return body, nil
}

// ReadFrame reads a full magic-framed record from r, where r's length is not
// known in advance (used when reading a file whose size is obtained via
// Stat first). Present for symmetry with [Encode]/[Decode]; most callers
// read the whole file and call [Decode] directly.
func ReadFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("codec: %w: %w", verrs.ErrCorrupted, err)
		}

		return nil, fmt.Errorf("codec: reading frame: %w", err)
	}

	return data, nil
}
