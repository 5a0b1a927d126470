// Package security defines the narrow trait authentication/encryption
// plugins implement (spec §1 "does not specify authentication cryptography
// beyond stating where it hooks in"; §9 "define narrow traits ... for
// transport, codec, and security"). The core never has a concrete crypto
// implementation to call — it only ever holds a Plugin behind this
// interface, supplied at participant construction.
package security

import "github.com/rtpsmesh/ddscore/guid"

// Plugin validates peer identity and encrypts/decrypts submessage bodies
// before they reach the wire codec. A participant constructed with a nil
// Plugin uses None, which disables authentication and encryption entirely —
// appropriate for a closed, trusted network.
type Plugin interface {
	// ValidateIdentity is called by the participant when discovery reports
	// a new peer (on-peer-discovered), after the peer is already in the
	// discovery FSM's peer set. A returned error is logged; it does not
	// remove or reject the peer.
	ValidateIdentity(peer guid.Prefix, credential []byte) error

	// Encrypt transforms a submessage body before it is handed to the
	// transport.
	Encrypt(peer guid.Prefix, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt on receipt, in the local reader's delivery
	// path after routing and reassembly, before the sample is cached.
	Decrypt(peer guid.Prefix, ciphertext []byte) ([]byte, error)
}

// None is the no-op Plugin used when no security plugin is configured.
type None struct{}

func (None) ValidateIdentity(guid.Prefix, []byte) error { return nil }

func (None) Encrypt(_ guid.Prefix, plaintext []byte) ([]byte, error) { return plaintext, nil }

func (None) Decrypt(_ guid.Prefix, ciphertext []byte) ([]byte, error) { return ciphertext, nil }
