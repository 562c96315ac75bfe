package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
)

// Super-block bit-exact layout (spec §6):
//
//	0   magic[4]        = "ZBOX"
//	4   version:u8      = 1
//	5   cipher:u8
//	6   ops_limit:u8
//	7   mem_limit:u8
//	8   salt[16]
//	24  seq:u64         (LE; larger wins between Left/Right arms)
//	32  payload_len:u32 (LE)
//	36  payload[payload_len]
const (
	sbMagic      = "ZBOX"
	sbVersion    = 1
	sbHeaderSize = 36
)

// SuperBlock is the decoded form of one super-block arm.
type SuperBlock struct {
	Version   uint8
	Cipher    vcrypto.Cipher
	OpsLimit  vcrypto.CostProfile
	MemLimit  vcrypto.CostProfile
	Salt      [vcrypto.SaltSize]byte
	Seq       uint64
	Payload   []byte // encrypted: wrapped master key, repo-id, walq-eid, flags
}

// EncodeSuperBlock renders sb into its bit-exact on-disk form.
func EncodeSuperBlock(sb SuperBlock) []byte {
	buf := make([]byte, sbHeaderSize+len(sb.Payload))

	copy(buf[0:4], sbMagic)
	buf[4] = sbVersion
	buf[5] = byte(sb.Cipher)
	buf[6] = byte(sb.OpsLimit)
	buf[7] = byte(sb.MemLimit)
	copy(buf[8:24], sb.Salt[:])
	binary.LittleEndian.PutUint64(buf[24:32], sb.Seq)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(sb.Payload)))
	copy(buf[36:], sb.Payload)

	return buf
}

// DecodeSuperBlock parses b produced by [EncodeSuperBlock].
func DecodeSuperBlock(b []byte) (SuperBlock, error) {
	if len(b) < sbHeaderSize {
		return SuperBlock{}, fmt.Errorf("storage: %w: super-block shorter than header", verrs.ErrInvalidSuperBlk)
	}

	if string(b[0:4]) != sbMagic {
		return SuperBlock{}, fmt.Errorf("storage: %w: bad magic", verrs.ErrInvalidSuperBlk)
	}

	version := b[4]
	if version != sbVersion {
		return SuperBlock{}, fmt.Errorf("storage: %w: got %d want %d", verrs.ErrWrongVersion, version, sbVersion)
	}

	payloadLen := binary.LittleEndian.Uint32(b[32:36])
	if int(sbHeaderSize+payloadLen) != len(b) {
		return SuperBlock{}, fmt.Errorf("storage: %w: payload length mismatch", verrs.ErrInvalidSuperBlk)
	}

	var sb SuperBlock
	sb.Version = version
	sb.Cipher = vcrypto.Cipher(b[5])
	sb.OpsLimit = vcrypto.CostProfile(b[6])
	sb.MemLimit = vcrypto.CostProfile(b[7])
	copy(sb.Salt[:], b[8:24])
	sb.Seq = binary.LittleEndian.Uint64(b[24:32])
	sb.Payload = append([]byte(nil), b[36:]...)

	return sb, nil
}

// PickWinner returns whichever of left/right decodes successfully and has
// the larger Seq; the current arm is the one with the larger sequence
// number (spec §3 "Super-block").
func PickWinner(leftRaw, rightRaw []byte) (SuperBlock, error) {
	left, leftErr := DecodeSuperBlock(leftRaw)
	right, rightErr := DecodeSuperBlock(rightRaw)

	switch {
	case leftErr != nil && rightErr != nil:
		return SuperBlock{}, fmt.Errorf("storage: %w: both arms invalid", verrs.ErrCorrupted)
	case leftErr != nil:
		return right, nil
	case rightErr != nil:
		return left, nil
	case right.Seq > left.Seq:
		return right, nil
	default:
		return left, nil
	}
}
