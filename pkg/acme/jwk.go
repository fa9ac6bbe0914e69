package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWKMap returns the required public JWK parameters of pub, each value
// encoded as unpadded base64url. Only the fields that take part in the
// canonical form are included; nothing else may appear, since the thumbprint
// is a digest of exactly these fields.
func JWKMap(pub crypto.PublicKey) (map[string]any, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return map[string]any{
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			"kty": "RSA",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		crv, size, err := curveParams(key)
		if err != nil {
			return nil, err
		}
		x := make([]byte, size)
		y := make([]byte, size)
		key.X.FillBytes(x)
		key.Y.FillBytes(y)
		return map[string]any{
			"crv": crv,
			"kty": "EC",
			"x":   base64.RawURLEncoding.EncodeToString(x),
			"y":   base64.RawURLEncoding.EncodeToString(y),
		}, nil
	default:
		return nil, fmt.Errorf("acme: unsupported public key type %T", pub)
	}
}

// CanonicalJWK returns the canonical JSON serialization of pub: required
// fields only, names in lexicographic order, no whitespace. The bytes are
// reproducible from the key material alone.
func CanonicalJWK(pub crypto.PublicKey) ([]byte, error) {
	params, err := JWKMap(pub)
	if err != nil {
		return nil, err
	}
	return NewClaimBuilder().PutAll(params).JSON()
}

// Thumbprint returns the SHA-256 digest of the canonical JWK form of pub.
// It is the stable key identifier used inside challenge key authorizations.
func Thumbprint(pub crypto.PublicKey) ([]byte, error) {
	canonical, err := CanonicalJWK(pub)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func curveParams(key *ecdsa.PublicKey) (name string, coordSize int, err error) {
	if key.Curve == nil {
		return "", 0, fmt.Errorf("acme: ECDSA key has no curve")
	}
	bits := key.Curve.Params().BitSize
	switch bits {
	case 256:
		return "P-256", 32, nil
	case 384:
		return "P-384", 48, nil
	case 521:
		return "P-521", 66, nil
	default:
		return "", 0, fmt.Errorf("acme: unsupported ECDSA curve size %d", bits)
	}
}
