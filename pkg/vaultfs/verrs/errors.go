// Package verrs defines the sentinel error taxonomy shared by every layer of
// the transactional storage engine. Callers compare with [errors.Is]; wrapped
// context is added at each call site with fmt.Errorf("%w: ...", ...).
package verrs

import "errors"

// Reference-count errors.
var (
	ErrRefOverflow  = errors.New("refcount overflow")
	ErrRefUnderflow = errors.New("refcount underflow")
)

// Cryptography errors.
var (
	ErrInitCrypto   = errors.New("crypto: init failed")
	ErrNoAesHardware = errors.New("crypto: no aes hardware acceleration")
	ErrInvalidCipher = errors.New("crypto: invalid cipher")
	ErrInvalidCost   = errors.New("crypto: invalid cost profile")
	ErrEncrypt       = errors.New("crypto: encrypt failed")
	ErrDecrypt       = errors.New("crypto: decrypt failed")
	ErrHashing       = errors.New("crypto: hash failed")
)

// Super-block / URI errors.
var (
	ErrInvalidUri      = errors.New("invalid uri")
	ErrInvalidSuperBlk = errors.New("invalid super-block")
	ErrWrongVersion    = errors.New("wrong version")
	ErrCorrupted       = errors.New("corrupted")
)

// Repository open-state errors.
var (
	ErrOpened   = errors.New("repository already opened")
	ErrNoEntity = errors.New("no such entity")
)

// Transaction-state errors.
var (
	ErrInTrans       = errors.New("already in transaction")
	ErrNotInTrans    = errors.New("not in transaction")
	ErrNoTrans       = errors.New("no such transaction")
	ErrUncompleted   = errors.New("uncompleted transaction")
	ErrInUse         = errors.New("entity in use")
	ErrNoContent     = errors.New("no content")
)

// Path/file-logic errors.
var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrNotFound     = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrIsRoot       = errors.New("is root")
	ErrIsDir        = errors.New("is a directory")
	ErrIsFile       = errors.New("is a file")
	ErrNotDir       = errors.New("not a directory")
	ErrNotFile      = errors.New("not a file")
	ErrNotEmpty     = errors.New("not empty")
	ErrNoVersion    = errors.New("no such version")
)

// I/O-mode errors.
var (
	ErrReadOnly    = errors.New("read-only")
	ErrCannotRead  = errors.New("cannot read")
	ErrCannotWrite = errors.New("cannot write")
	ErrNotWrite    = errors.New("not open for write")
	ErrNotFinish   = errors.New("previous write not finished")
)

// Argument errors not named explicitly in the original taxonomy but required
// by the append-path boundary behavior (spec §8, boundary 9).
var ErrInvalidArgument = errors.New("invalid argument")

// ErrBackendUnavailable is returned when a syntactically valid backend URI
// names a scheme for which no driver is wired in (currently: redis://).
var ErrBackendUnavailable = errors.New("backend unavailable")
