// Package payload renders the canonical string a chain link owner signs.
//
// The rendering is a compatibility boundary: signers and the server must
// derive byte-identical strings, so field order, key names and the JSON
// encoding rules below never change within a Version. Strings escape only
// what JSON requires; HTML characters and U+2028/U+2029 stay raw.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kvchain/internal/crypto"
)

// Version is the only payload format this server signs and accepts.
const Version = "1"

// Fields are the signable parts of a link.
type Fields struct {
	UUID      uuid.UUID
	Owner     *crypto.Verifier
	Platform  string
	Identity  string
	Patch     json.RawMessage
	CreatedAt time.Time

	// PreviousSignature is the raw signature of the owner's previous link,
	// nil for the first link.
	PreviousSignature []byte
}

// document fixes the key order of the rendered object.
type document struct {
	Version   string          `json:"version"`
	UUID      string          `json:"uuid"`
	Avatar    string          `json:"avatar"`
	Platform  string          `json:"platform"`
	Identity  string          `json:"identity"`
	Patch     json.RawMessage `json:"patch"`
	CreatedAt int64           `json:"created_at"`
	Previous  *string         `json:"previous"`
}

// Build renders f as
//
//	{"version":"1","uuid":…,"avatar":…,"platform":…,"identity":…,"patch":…,"created_at":…,"previous":…}
//
// with no insignificant whitespace. avatar is the uncompressed owner key in
// hex without 0x, created_at is unix seconds and previous is the standard
// base64 of the previous signature or null.
func Build(f Fields) (string, error) {
	if f.Owner == nil {
		return "", fmt.Errorf("build payload: owner key is required")
	}
	patch, err := Normalize(f.Patch)
	if err != nil {
		return "", fmt.Errorf("build payload: %w", err)
	}

	doc := document{
		Version:   Version,
		UUID:      f.UUID.String(),
		Avatar:    f.Owner.Hex(),
		Platform:  f.Platform,
		Identity:  f.Identity,
		Patch:     patch,
		CreatedAt: f.CreatedAt.Unix(),
	}
	if f.PreviousSignature != nil {
		prev := base64.StdEncoding.EncodeToString(f.PreviousSignature)
		doc.Previous = &prev
	}

	out, err := marshal(doc)
	if err != nil {
		return "", fmt.Errorf("build payload: %w", err)
	}
	return string(out), nil
}

// Normalize rewrites a JSON value compactly with object keys sorted at
// every depth. Numbers keep their original text. An empty input is treated
// as an empty object.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode patch: trailing data after JSON value")
	}
	return marshal(v)
}

// marshal encodes without HTML escaping and without the trailing newline
// json.Encoder appends. U+2028 and U+2029 are written as raw UTF-8 like
// every other non-ASCII rune.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes encoding/json
// always emits back into raw runes. Escaped backslashes are skipped as a
// pair, so a literal "\\u2028" in a string is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 == len(b) {
			out = append(out, b[i])
			continue
		}
		if esc := b[i+1:]; len(esc) >= 5 && esc[0] == 'u' {
			switch string(esc[1:5]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}
