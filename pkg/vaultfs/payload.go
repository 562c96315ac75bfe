package vaultfs

import (
	"fmt"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vcrypto"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// payloadMagic tags the plaintext frame wrapped inside a super-block's
// encrypted Payload field (spec §6: "payload: encrypted, wrapped master
// key, repo-id, walq-eid, flags").
var payloadMagic = codec.Magic{'R', 'P', 'L', 'D', 'v', '1', '_', '_'}

// payload is everything a repo needs to resume that cannot live in the
// super-block header in the clear: the volume's random master key (the
// key every block is actually encrypted with; the password only derives
// the key that wraps this one), the repo's identity, where the WAL Queue
// persisted itself, and the root directory entity RepoOpener's fsview
// facade walks from.
type payload struct {
	MasterKey    []byte
	RepoID       string
	RootEid      vtypes.Eid
	WalqSpace    vtypes.Space
	VersionLimit uint32
}

// sealPayload encodes p and encrypts it under key (the password-derived
// key, never the master key itself) for embedding in [storage.SuperBlock].
func sealPayload(crypto *vcrypto.Facade, key []byte, p payload) ([]byte, error) {
	plain, err := codec.Encode(payloadMagic, p)
	if err != nil {
		return nil, fmt.Errorf("vaultfs: encoding payload: %w", err)
	}

	sealed, err := crypto.Encrypt(key, plain)
	if err != nil {
		return nil, fmt.Errorf("vaultfs: sealing payload: %w", err)
	}

	return sealed, nil
}

// openPayload reverses [sealPayload]. A wrong password surfaces as
// [verrs.ErrDecrypt] through crypto.Decrypt, the same way a bad AEAD key
// does anywhere else in the engine.
func openPayload(crypto *vcrypto.Facade, key, sealed []byte) (payload, error) {
	plain, err := crypto.Decrypt(key, sealed)
	if err != nil {
		return payload{}, fmt.Errorf("vaultfs: opening payload: %w", err)
	}

	var p payload
	if err := codec.Decode(plain, payloadMagic, &p); err != nil {
		return payload{}, fmt.Errorf("vaultfs: decoding payload: %w", err)
	}

	return p, nil
}
