package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// Curve is the fixed named curve for identity and ephemeral keys.
// P-256 gives a 32-byte ECDH agreement output, which is exactly the
// AES-256 key size the wrapping scheme imports it as.
var Curve = ecdh.P256()

const ConversationKeySize = 32

// ConversationKey is the long-lived symmetric key for one conversation.
// It only ever exists client-side; the server stores it wrapped.
type ConversationKey []byte

// IdentityKeyPair is a user's long-term ECDH key pair.
// The private half never leaves the owning client.
type IdentityKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateIdentity creates a fresh P-256 key pair.
// Failure here means the platform RNG is broken, treat it as fatal.
func GenerateIdentity() (*IdentityKeyPair, error) {
	priv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity key generation failed: %w", err)
	}
	return &IdentityKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// GenerateConversationKey creates a random AES-256 conversation key.
func GenerateConversationKey() (ConversationKey, error) {
	key := make([]byte, ConversationKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("conversation key generation failed: %w", err)
	}
	return key, nil
}

// zeroBytes overwrites sensitive material after use.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
