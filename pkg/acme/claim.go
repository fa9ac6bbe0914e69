package acme

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// ClaimBuilder accumulates the key/value pairs of an outgoing claim object
// and serializes them to JSON exactly once. The same bytes are used as the
// request body and as the payload that gets signed; there is deliberately no
// second marshalling path that could diverge from what was signed.
//
// Keys keep their insertion order. Re-putting an existing key replaces its
// value in place.
type ClaimBuilder struct {
	keys   []string
	values map[string]any
}

// NewClaimBuilder returns an empty ClaimBuilder.
func NewClaimBuilder() *ClaimBuilder {
	return &ClaimBuilder{values: make(map[string]any)}
}

// Put adds a key with any JSON-encodable value.
func (b *ClaimBuilder) Put(key string, value any) *ClaimBuilder {
	if _, exists := b.values[key]; !exists {
		b.keys = append(b.keys, key)
	}
	b.values[key] = value
	return b
}

// PutBase64 adds a binary value encoded as unpadded base64url.
func (b *ClaimBuilder) PutBase64(key string, data []byte) *ClaimBuilder {
	return b.Put(key, base64.RawURLEncoding.EncodeToString(data))
}

// PutAll merges an external map into the claim, inserting its keys in
// lexicographic order so the resulting bytes are reproducible. This is how a
// JWK object is folded into a claim for account-key proofs.
func (b *ClaimBuilder) PutAll(m map[string]any) *ClaimBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Put(k, m[k])
	}
	return b
}

// Resource sets the resource-type discriminator field of the claim.
func (b *ClaimBuilder) Resource(r Resource) *ClaimBuilder {
	return b.Put("resource", string(r))
}

// Object adds a nested claim object under key and returns its builder.
func (b *ClaimBuilder) Object(key string) *ClaimBuilder {
	child := NewClaimBuilder()
	b.Put(key, child)
	return child
}

// JSON serializes the claim. The output is deterministic for a given sequence
// of insertions.
func (b *ClaimBuilder) JSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String returns the serialized claim, or "" if it cannot be serialized.
func (b *ClaimBuilder) String() string {
	out, err := b.JSON()
	if err != nil {
		return ""
	}
	return string(out)
}

func (b *ClaimBuilder) writeTo(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, k := range b.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("marshal claim key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')

		switch v := b.values[k].(type) {
		case *ClaimBuilder:
			if err := v.writeTo(buf); err != nil {
				return err
			}
		default:
			vb, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal claim value for %q: %w", k, err)
			}
			buf.Write(vb)
		}
	}
	buf.WriteByte('}')
	return nil
}
