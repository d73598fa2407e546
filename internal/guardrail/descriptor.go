// Package guardrail provides the deduplication primitives the Decision
// Engine relies on to stay safe under at-least-once event delivery: a
// canonical, order-independent descriptor hash, a bounded TTL+LRU cache of
// processed operations, and an explicit idempotent-execution wrapper.
//
// The package is deliberately small and dependency-light; callers decide
// how/what to log.
package guardrail

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// DescriptorID derives the canonical content hash of an operation
// descriptor. The descriptor is serialized through JSON and normalized so
// that two structurally equal descriptors always hash identically:
// object keys are sorted recursively and array elements are sorted by their
// canonical encoding. A descriptor holding the same set of message IDs in a
// different order therefore yields the same hash.
func DescriptorID(descriptor any) (string, error) {
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("guardrail: marshal descriptor: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep number literals byte-stable through the round trip
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("guardrail: decode descriptor: %w", err)
	}

	canon, err := canonicalize(generic)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("guardrail: marshal canonical form: %w", err)
	}

	sum := sha256.Sum256(out)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize normalizes the decoded JSON value in place: map values are
// canonicalized recursively (encoding/json already emits map keys sorted),
// and array elements are canonicalized then sorted by their encoding.
func canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			c, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	case []any:
		encoded := make([]string, len(t))
		for i := range t {
			c, err := canonicalize(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = c
			b, err := json.Marshal(c)
			if err != nil {
				return nil, fmt.Errorf("guardrail: marshal array element: %w", err)
			}
			encoded[i] = string(b)
		}
		sort.Sort(&byEncoding{vals: t, keys: encoded})
		return t, nil
	default:
		return v, nil
	}
}

// byEncoding sorts array values by their canonical JSON encoding.
type byEncoding struct {
	vals []any
	keys []string
}

func (s *byEncoding) Len() int           { return len(s.vals) }
func (s *byEncoding) Less(i, j int) bool { return s.keys[i] < s.keys[j] }
func (s *byEncoding) Swap(i, j int) {
	s.vals[i], s.vals[j] = s.vals[j], s.vals[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}
