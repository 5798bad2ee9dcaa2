// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content digests. Decision records, reroute candidates,
// and provenance artifacts are all hashed over their canonical form so
// that a digest is stable across marshal order and whitespace.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JCS returns the RFC 8785 canonical JSON encoding of v.
//
// Struct tags are honored by marshalling through encoding/json first,
// then re-encoding the generic form with sorted keys and HTML escaping
// disabled. Numbers decoded as json.Number keep their source form.
func JCS(v any) ([]byte, error) {
	interim, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(interim))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	return encodeCanonical(generic)
}

// Digest hashes data with the named algorithm ("sha256" or "sha512")
// and returns an algorithm-prefixed hex digest, e.g. "sha256:ab12...".
func Digest(alg string, data []byte) (string, error) {
	switch alg {
	case "", "sha256":
		sum := sha256.Sum256(data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	case "sha512":
		sum := sha512.Sum512(data)
		return "sha512:" + hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("canonicalize: unsupported digest algorithm %q", alg)
}

// CanonicalDigest is Digest over the JCS form of v.
func CanonicalDigest(alg string, v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Digest(alg, b)
}

func encodeCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeScalar(t)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := encodeCanonical(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeScalar(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := encodeCanonical(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return encodeScalar(v)
	}
}

// encodeScalar encodes a single JSON value with HTML escaping disabled,
// which RFC 8785 requires and json.Marshal does not offer.
func encodeScalar(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
