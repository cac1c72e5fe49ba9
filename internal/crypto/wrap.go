package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEnvelopeFormat marks a malformed envelope (bad JSON, base64 or
	// key material) rejected before any cryptographic work happens.
	ErrEnvelopeFormat = errors.New("malformed envelope")

	// ErrKeyUnwrap marks an authentication failure while unwrapping a
	// conversation key: wrong identity key, or tampered envelope.
	ErrKeyUnwrap = errors.New("key unwrap failed")

	// ErrDecryption marks an AEAD tag mismatch on a message body.
	ErrDecryption = errors.New("decryption failed")
)

// WrappedKeyEnvelope is a conversation key encrypted for one participant:
// an ECIES-style bundle of the single-use ephemeral public key plus the
// AES-GCM output over the key's JWK form. Field names match the envelopes
// already persisted by existing deployments.
type WrappedKeyEnvelope struct {
	EphemPubKey json.RawMessage `json:"ephemPubKey"`
	Content     string          `json:"content"`
	IV          string          `json:"iv"`
}

// ParseWrappedKeyEnvelope validates an envelope's shape at the
// deserialization boundary, before it reaches any key routines.
func ParseWrappedKeyEnvelope(data []byte) (*WrappedKeyEnvelope, error) {
	var env WrappedKeyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if len(env.EphemPubKey) == 0 || env.Content == "" || env.IV == "" {
		return nil, fmt.Errorf("%w: missing envelope fields", ErrEnvelopeFormat)
	}
	return &env, nil
}

// Marshal returns the envelope in its stored/transmitted JSON form.
func (e *WrappedKeyEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// WrapKey encrypts a conversation key for one recipient, holding only the
// recipient's public identity:
//
//  1. generate a fresh ephemeral key pair
//  2. Z = ECDH(ephemeral private, recipient public)
//  3. import Z directly as the AES-256-GCM key-encryption key
//  4. encrypt the key's JWK form under a random IV
//
// The ephemeral private key and Z are discarded before returning; an
// ephemeral pair is never reused across envelopes.
func WrapKey(key ConversationKey, recipient *ecdh.PublicKey) (*WrappedKeyEnvelope, error) {
	eph, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key generation failed: %w", err)
	}

	kek, err := eph.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: agreement failed: %v", ErrKeyUnwrap, err)
	}
	defer zeroBytes(kek)

	keyJWK, err := marshalConversationKeyJWK(key)
	if err != nil {
		return nil, err
	}

	content, iv, err := Encrypt(kek, keyJWK)
	if err != nil {
		return nil, err
	}

	ephJWK, err := MarshalPublicJWK(eph.PublicKey())
	if err != nil {
		return nil, err
	}

	return &WrappedKeyEnvelope{
		EphemPubKey: ephJWK,
		Content:     content,
		IV:          iv,
	}, nil
}

// UnwrapKey recovers the conversation key from an envelope using the
// recipient's private identity key. ECDH commutativity guarantees the
// derived secret equals the one used at wrap time.
func UnwrapKey(env *WrappedKeyEnvelope, identity *ecdh.PrivateKey) (ConversationKey, error) {
	ephPub, err := ParsePublicJWK(env.EphemPubKey)
	if err != nil {
		return nil, err
	}

	kek, err := identity.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: agreement failed: %v", ErrKeyUnwrap, err)
	}
	defer zeroBytes(kek)

	keyJWK, err := Decrypt(kek, env.Content, env.IV)
	if err != nil {
		if errors.Is(err, ErrEnvelopeFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}

	return parseConversationKeyJWK(keyJWK)
}
