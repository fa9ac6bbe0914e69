package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// signedEnvelope is the flattened JSON serialization of a signed request:
// base64url protected header, base64url payload, base64url signature.
type signedEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signingMethodFor maps an account key to its JWS algorithm. Unsupported key
// material is a fatal construction error; it is reported synchronously and
// never retried.
func signingMethodFor(key crypto.Signer) (jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwt.SigningMethodES256, nil
		case elliptic.P384():
			return jwt.SigningMethodES384, nil
		case elliptic.P521():
			return jwt.SigningMethodES512, nil
		default:
			return nil, fmt.Errorf("acme: unsupported ECDSA curve %v", k.Curve.Params().Name)
		}
	default:
		return nil, fmt.Errorf("acme: unsupported account key type %T", key)
	}
}

// signRequest wraps payload in a signed envelope. The protected header and
// the payload are serialized exactly once; the signature covers the same
// bytes that go out on the wire.
func signRequest(key crypto.Signer, protected *ClaimBuilder, payload []byte) ([]byte, error) {
	method, err := signingMethodFor(key)
	if err != nil {
		return nil, err
	}

	header, err := protected.JSON()
	if err != nil {
		return nil, fmt.Errorf("serialize protected header: %w", err)
	}

	env := signedEnvelope{
		Protected: base64.RawURLEncoding.EncodeToString(header),
		Payload:   base64.RawURLEncoding.EncodeToString(payload),
	}

	sig, err := method.Sign(env.Protected+"."+env.Payload, key)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	env.Signature = base64.RawURLEncoding.EncodeToString(sig)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize signed envelope: %w", err)
	}
	return body, nil
}
