// Package kv maintains the per (owner, platform, identity) snapshot that
// results from folding every link's patch onto an empty object.
package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MergePatch applies patch to target following RFC 7396 JSON merge patch.
// An empty target counts as {}.
func MergePatch(target, patch json.RawMessage) (json.RawMessage, error) {
	var doc any = map[string]any{}
	if len(bytes.TrimSpace(target)) > 0 {
		if err := decode(target, &doc); err != nil {
			return nil, fmt.Errorf("merge patch: target: %w", err)
		}
	}
	var p any
	if err := decode(patch, &p); err != nil {
		return nil, fmt.Errorf("merge patch: patch: %w", err)
	}
	return encode(merge(doc, p))
}

// Fold merges patches in order starting from {}.
func Fold(patches ...json.RawMessage) (json.RawMessage, error) {
	out := json.RawMessage("{}")
	for i, p := range patches {
		var err error
		if out, err = MergePatch(out, p); err != nil {
			return nil, fmt.Errorf("fold patch %d: %w", i, err)
		}
	}
	return out, nil
}

func merge(target, patch any) any {
	p, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	t, ok := target.(map[string]any)
	if !ok {
		t = map[string]any{}
	}
	for k, v := range p {
		if v == nil {
			delete(t, k)
			continue
		}
		t[k] = merge(t[k], v)
	}
	return t
}

// canonical re-encodes raw with sorted object keys.
func canonical(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := decode(raw, &v); err != nil {
		return nil, err
	}
	return encode(v)
}

func decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
