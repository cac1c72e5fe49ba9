package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECDHCommutativity(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	zab, err := alice.Private.ECDH(bob.Public)
	require.NoError(t, err)
	zba, err := bob.Private.ECDH(alice.Public)
	require.NoError(t, err)

	assert.Equal(t, zab, zba)
	assert.Len(t, zab, ConversationKeySize)
}

func TestPublicJWKRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	data, err := MarshalPublicJWK(id.Public)
	require.NoError(t, err)

	back, err := ParsePublicJWK(data)
	require.NoError(t, err)
	assert.True(t, id.Public.Equal(back))
}

func TestPrivateJWKRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	data, err := MarshalPrivateJWK(id.Private)
	require.NoError(t, err)

	back, err := ParsePrivateJWK(data)
	require.NoError(t, err)
	assert.True(t, id.Private.Equal(back))

	// The reconstructed private key must agree identically.
	peer, err := GenerateIdentity()
	require.NoError(t, err)
	z1, err := id.Private.ECDH(peer.Public)
	require.NoError(t, err)
	z2, err := back.ECDH(peer.Public)
	require.NoError(t, err)
	assert.Equal(t, z1, z2)
}

func TestParsePublicJWKRejectsGarbage(t *testing.T) {
	for name, input := range map[string]string{
		"not json":     "not json at all",
		"wrong kty":    `{"kty":"RSA","crv":"P-256","x":"AA","y":"AA"}`,
		"wrong curve":  `{"kty":"EC","crv":"P-384","x":"AA","y":"AA"}`,
		"bad base64":   `{"kty":"EC","crv":"P-256","x":"!!!","y":"AA"}`,
		"short coords": `{"kty":"EC","crv":"P-256","x":"AAAA","y":"AAAA"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePublicJWK([]byte(input))
			assert.ErrorIs(t, err, ErrEnvelopeFormat)
		})
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err)
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	env, err := WrapKey(key, recipient.Public)
	require.NoError(t, err)

	back, err := UnwrapKey(env, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, key, back)
}

func TestWrapUnwrapSurvivesSerialization(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err)
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	env, err := WrapKey(key, recipient.Public)
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseWrappedKeyEnvelope(raw)
	require.NoError(t, err)

	back, err := UnwrapKey(parsed, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, key, back)
}

func TestUnwrapWithWrongIdentityFails(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err)
	eavesdropper, err := GenerateIdentity()
	require.NoError(t, err)
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	env, err := WrapKey(key, recipient.Public)
	require.NoError(t, err)

	// Holding only the recipient's public identity is not enough.
	_, err = UnwrapKey(env, eavesdropper.Private)
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestWrapUsesFreshEphemeralKeys(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err)
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	env1, err := WrapKey(key, recipient.Public)
	require.NoError(t, err)
	env2, err := WrapKey(key, recipient.Public)
	require.NoError(t, err)

	assert.NotEqual(t, string(env1.EphemPubKey), string(env2.EphemPubKey))
	assert.NotEqual(t, env1.Content, env2.Content)
}

func TestParseWrappedKeyEnvelopeRejectsMalformed(t *testing.T) {
	_, err := ParseWrappedKeyEnvelope([]byte("{{{"))
	assert.ErrorIs(t, err, ErrEnvelopeFormat)

	_, err = ParseWrappedKeyEnvelope([]byte(`{"content":"x"}`))
	assert.ErrorIs(t, err, ErrEnvelopeFormat)
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	plaintext := []byte(`{"text":"hello, sealed world"}`)
	content, iv, err := Encrypt(key, plaintext)
	require.NoError(t, err)

	back, err := Decrypt(key, content, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, back)
}

func TestEncryptNeverReusesIVs(t *testing.T) {
	key, err := GenerateConversationKey()
	require.NoError(t, err)
	plaintext := []byte("same plaintext every time")

	seenIVs := make(map[string]bool)
	seenContent := make(map[string]bool)
	for i := 0; i < 64; i++ {
		content, iv, err := Encrypt(key, plaintext)
		require.NoError(t, err)
		assert.False(t, seenIVs[iv], "iv reused")
		assert.False(t, seenContent[content], "ciphertext repeated")
		seenIVs[iv] = true
		seenContent[content] = true
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	content, iv, err := Encrypt(key, []byte("integrity matters"))
	require.NoError(t, err)

	ciphertext, err := base64.StdEncoding.DecodeString(content)
	require.NoError(t, err)

	// Flipping any single bit of the ciphertext must fail the tag check.
	for i := 0; i < len(ciphertext); i++ {
		mutated := make([]byte, len(ciphertext))
		copy(mutated, ciphertext)
		mutated[i] ^= 0x01
		_, err := Decrypt(key, base64.StdEncoding.EncodeToString(mutated), iv)
		assert.ErrorIs(t, err, ErrDecryption)
	}

	// Same for the IV.
	nonce, err := base64.StdEncoding.DecodeString(iv)
	require.NoError(t, err)
	for i := 0; i < len(nonce); i++ {
		mutated := make([]byte, len(nonce))
		copy(mutated, nonce)
		mutated[i] ^= 0x01
		_, err := Decrypt(key, content, base64.StdEncoding.EncodeToString(mutated))
		assert.ErrorIs(t, err, ErrDecryption)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key1, err := GenerateConversationKey()
	require.NoError(t, err)
	key2, err := GenerateConversationKey()
	require.NoError(t, err)

	content, iv, err := Encrypt(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(key2, content, iv)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	key, err := GenerateConversationKey()
	require.NoError(t, err)

	_, err = Decrypt(key, "not base64 !!!", "AAAAAAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrEnvelopeFormat)

	_, err = Decrypt(key, "AAAA", "dG9vc2hvcnQ=")
	assert.ErrorIs(t, err, ErrEnvelopeFormat)

	_, err = Decrypt([]byte("short key"), "AAAA", "AAAAAAAAAAAAAAAA")
	assert.ErrorIs(t, err, ErrEnvelopeFormat)
}
