package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const gcmNonceSize = 12

// Encrypt runs AES-256-GCM over the plaintext with a fresh random 96-bit
// IV and returns both as standard base64 strings, the form they travel in
// over the wire and rest in on the server.
//
// There is deliberately no way to supply an IV: generating it here is what
// keeps the (key, IV) no-reuse invariant out of callers' hands.
func Encrypt(key []byte, plaintext []byte) (content, iv string, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("iv generation failed: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt reverses Encrypt, verifying the authentication tag. Corrupted,
// tampered or wrongly-keyed input fails with ErrDecryption and never
// yields partial plaintext.
func Decrypt(key []byte, content, iv string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding: %v", ErrEnvelopeFormat, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding: %v", ErrEnvelopeFormat, err)
	}
	if len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrEnvelopeFormat, gcmNonceSize)
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != ConversationKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrEnvelopeFormat, ConversationKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm creation failed: %w", err)
	}
	return aead, nil
}
