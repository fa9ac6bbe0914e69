package mockca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// envelope is the flattened signed-request serialization accepted by the
// server.
type envelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// signedRequest is a decoded and signature-checked request.
type signedRequest struct {
	Alg     string
	Nonce   string
	URL     string
	KeyID   string
	JWK     map[string]any
	Key     crypto.PublicKey
	Payload map[string]any
}

// decodeSigned parses a signed envelope, verifies the signature against the
// embedded JWK (or the supplied account key when the header carries a key
// ID) and returns the decoded payload.
func decodeSigned(body []byte, lookupKey func(kid string) (crypto.PublicKey, bool)) (*signedRequest, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		return nil, fmt.Errorf("decode protected header: %w", err)
	}
	var header struct {
		Alg   string         `json:"alg"`
		Nonce string         `json:"nonce"`
		URL   string         `json:"url"`
		Kid   string         `json:"kid"`
		JWK   map[string]any `json:"jwk"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parse protected header: %w", err)
	}

	req := &signedRequest{
		Alg:   header.Alg,
		Nonce: header.Nonce,
		URL:   header.URL,
		KeyID: header.Kid,
		JWK:   header.JWK,
	}

	switch {
	case header.JWK != nil:
		key, err := publicKeyFromJWK(header.JWK)
		if err != nil {
			return nil, err
		}
		req.Key = key
	case header.Kid != "":
		key, ok := lookupKey(header.Kid)
		if !ok {
			return nil, fmt.Errorf("unknown account key %q", header.Kid)
		}
		req.Key = key
	default:
		return nil, fmt.Errorf("protected header carries neither jwk nor kid")
	}

	method := jwt.GetSigningMethod(header.Alg)
	if method == nil {
		return nil, fmt.Errorf("unknown signature algorithm %q", header.Alg)
	}
	sig, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if err := method.Verify(env.Protected+"."+env.Payload, sig, req.Key); err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, &req.Payload); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	return req, nil
}

// publicKeyFromJWK reconstructs an RSA or EC public key from its JWK
// parameters.
func publicKeyFromJWK(jwk map[string]any) (crypto.PublicKey, error) {
	kty, _ := jwk["kty"].(string)
	switch kty {
	case "RSA":
		n, err := jwkBigInt(jwk, "n")
		if err != nil {
			return nil, err
		}
		e, err := jwkBigInt(jwk, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		crv, _ := jwk["crv"].(string)
		var curve elliptic.Curve
		switch crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", crv)
		}
		x, err := jwkBigInt(jwk, "x")
		if err != nil {
			return nil, err
		}
		y, err := jwkBigInt(jwk, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", kty)
	}
}

func jwkBigInt(jwk map[string]any, field string) (*big.Int, error) {
	raw, _ := jwk[field].(string)
	if raw == "" {
		return nil, fmt.Errorf("jwk is missing %q", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode jwk %q: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}
