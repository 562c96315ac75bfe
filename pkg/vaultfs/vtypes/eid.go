// Package vtypes holds the value types shared across the transactional
// storage engine: entity identifiers, transaction identifiers, arms, and the
// span/space block-allocation types.
package vtypes

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// EidSize is the fixed byte length of an Eid (160 bits), per spec §6.
const EidSize = 20

// crockfordEncoding renders an Eid as a sortable-looking, copy/paste-safe
// short textual form, the same base32 variant the teacher uses for ticket
// ids (digits before letters, no padding).
var crockfordEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// Eid is a 160-bit random entity identifier, globally unique within a
// repository.
type Eid [EidSize]byte

// NewEid generates a fresh random Eid.
func NewEid() (Eid, error) {
	var e Eid

	_, err := rand.Read(e[:])
	if err != nil {
		return Eid{}, fmt.Errorf("vtypes: generating eid: %w", err)
	}

	return e, nil
}

// String returns the short textual form of the Eid.
func (e Eid) String() string {
	return crockfordEncoding.EncodeToString(e[:])
}

// IsZero reports whether e is the zero-value Eid, used as a sentinel for
// "no entity" in optional fields.
func (e Eid) IsZero() bool {
	return e == Eid{}
}

// MarshalText implements [encoding.TextMarshaler] so Eid can be used as a
// JSON object key (e.g. in a persisted Emap).
func (e Eid) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (e *Eid) UnmarshalText(text []byte) error {
	parsed, err := ParseEid(string(text))
	if err != nil {
		return err
	}

	*e = parsed

	return nil
}

// ParseEid parses the short textual form produced by [Eid.String].
func ParseEid(s string) (Eid, error) {
	b, err := crockfordEncoding.DecodeString(s)
	if err != nil {
		return Eid{}, fmt.Errorf("vtypes: parsing eid %q: %w", s, err)
	}

	if len(b) != EidSize {
		return Eid{}, fmt.Errorf("vtypes: eid %q decodes to %d bytes, want %d", s, len(b), EidSize)
	}

	var e Eid
	copy(e[:], b)

	return e, nil
}
