// Package artifact provides the deterministic JSON primitive and the on-disk
// artifact tree shared by every soak component.
//
// Canonical encoding rules: object keys sorted lexicographically, compact
// separators (no whitespace), UTF-8 verbatim (printable Unicode is not
// escaped), a single trailing LF, and a hard rejection of NaN and infinite
// numbers. Writing the same value twice yields byte-identical output, and
// SHA-256 digests are computed over the same canonical stream.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// ErrNumericDomain indicates a NaN or infinite number was encountered during
// canonical encoding. No artifact may contain such a value.
var ErrNumericDomain = errors.New("numeric domain: NaN or Inf not representable in JSON")

// FreezeTimeEnv is the environment variable holding a frozen ISO 8601 UTC
// timestamp. When set, every artifact runtime_utc field uses it verbatim and
// the deterministic fake connector derives its clock from it.
const FreezeTimeEnv = "MM_FREEZE_UTC_ISO"

// Marshal encodes v into canonical JSON bytes, terminated by a single LF.
//
// Any Go value accepted by encoding/json is accepted here; the value is
// first marshalled normally (which rejects NaN/Inf), then re-encoded with
// sorted object keys and compact separators. Number formatting is preserved
// exactly from the first pass, so Marshal(Marshal-roundtrip(v)) is stable.
func Marshal(v any) ([]byte, error) {
	var first bytes.Buffer
	enc := json.NewEncoder(&first)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, fmt.Errorf("%w: %s", ErrNumericDomain, unsupported.Str)
		}
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(first.Bytes()))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := writeCanonical(&out, tree); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// SHA256 returns the lowercase hex SHA-256 digest of the canonical encoding
// of v. Identical values always hash identically.
func SHA256(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// writeCanonical renders a decoded JSON tree with sorted keys and compact
// separators. The tree comes from a json.Decoder with UseNumber, so numbers
// are emitted with their original formatting.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical encode: unexpected type %T", v)
	}
	return nil
}

// writeString emits a JSON string with UTF-8 passed through verbatim.
// Only the characters JSON requires escaped (quote, backslash, control
// characters) are escaped.
func writeString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// Timestamp returns the ISO 8601 UTC timestamp for artifact runtime_utc
// fields. If MM_FREEZE_UTC_ISO is set its value is returned verbatim,
// byte-for-byte.
func Timestamp() string {
	if frozen := os.Getenv(FreezeTimeEnv); frozen != "" {
		return frozen
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Now returns the current UTC time, honoring the frozen-time hook. If the
// frozen value does not parse, the real clock is used.
func Now() time.Time {
	if frozen := os.Getenv(FreezeTimeEnv); frozen != "" {
		if t, err := time.Parse(time.RFC3339, frozen); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
