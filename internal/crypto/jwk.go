package crypto

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Keys travel as JWK so stored material is interchangeable with the
// web clients that wrote it (RFC 7518 EC and oct key types).
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	D   string `json:"d,omitempty"`
	K   string `json:"k,omitempty"`
}

const (
	jwkCurveP256  = "P-256"
	p256CoordSize = 32
)

// MarshalPublicJWK serializes a public identity key as an EC JWK.
func MarshalPublicJWK(pub *ecdh.PublicKey) ([]byte, error) {
	// Bytes() is the uncompressed point: 0x04 || X || Y.
	raw := pub.Bytes()
	if len(raw) != 1+2*p256CoordSize {
		return nil, fmt.Errorf("%w: unexpected public key length %d", ErrEnvelopeFormat, len(raw))
	}
	return json.Marshal(jwk{
		Kty: "EC",
		Crv: jwkCurveP256,
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+p256CoordSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+p256CoordSize:]),
	})
}

// ParsePublicJWK reconstructs a public key from its EC JWK form.
// Round-tripping through Marshal/Parse yields a key that agrees
// identically for ECDH purposes.
func ParsePublicJWK(data []byte) (*ecdh.PublicKey, error) {
	var k jwk
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if k.Kty != "EC" || k.Crv != jwkCurveP256 {
		return nil, fmt.Errorf("%w: unsupported key type %q/%q", ErrEnvelopeFormat, k.Kty, k.Crv)
	}
	x, err := decodeCoord(k.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeCoord(k.Y)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 1+2*p256CoordSize)
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: point not on curve: %v", ErrEnvelopeFormat, err)
	}
	return pub, nil
}

// MarshalPrivateJWK serializes a private identity key, including the
// public coordinates, as an EC JWK. For local key storage only.
func MarshalPrivateJWK(priv *ecdh.PrivateKey) ([]byte, error) {
	raw := priv.PublicKey().Bytes()
	if len(raw) != 1+2*p256CoordSize {
		return nil, fmt.Errorf("%w: unexpected public key length %d", ErrEnvelopeFormat, len(raw))
	}
	return json.Marshal(jwk{
		Kty: "EC",
		Crv: jwkCurveP256,
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+p256CoordSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+p256CoordSize:]),
		D:   base64.RawURLEncoding.EncodeToString(priv.Bytes()),
	})
}

// ParsePrivateJWK reconstructs a private key from its EC JWK form.
func ParsePrivateJWK(data []byte) (*ecdh.PrivateKey, error) {
	var k jwk
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if k.Kty != "EC" || k.Crv != jwkCurveP256 || k.D == "" {
		return nil, fmt.Errorf("%w: not an EC private key", ErrEnvelopeFormat)
	}
	d, err := base64.RawURLEncoding.DecodeString(k.D)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	priv, err := Curve.NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private scalar: %v", ErrEnvelopeFormat, err)
	}
	return priv, nil
}

// marshalConversationKeyJWK is the exportable form of a conversation
// key, as wrapped inside key envelopes ({"kty":"oct","k":...}).
func marshalConversationKeyJWK(key ConversationKey) ([]byte, error) {
	if len(key) != ConversationKeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes", ErrEnvelopeFormat, ConversationKeySize)
	}
	return json.Marshal(jwk{
		Kty: "oct",
		K:   base64.RawURLEncoding.EncodeToString(key),
	})
}

func parseConversationKeyJWK(data []byte) (ConversationKey, error) {
	var k jwk
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if k.Kty != "oct" {
		return nil, fmt.Errorf("%w: not a symmetric key", ErrEnvelopeFormat)
	}
	key, err := base64.RawURLEncoding.DecodeString(k.K)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if len(key) != ConversationKeySize {
		return nil, fmt.Errorf("%w: conversation key must be %d bytes", ErrEnvelopeFormat, ConversationKeySize)
	}
	return key, nil
}

func decodeCoord(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeFormat, err)
	}
	if len(b) != p256CoordSize {
		return nil, fmt.Errorf("%w: coordinate must be %d bytes", ErrEnvelopeFormat, p256CoordSize)
	}
	return b, nil
}
