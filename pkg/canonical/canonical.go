// Package canonical encodes values as canonical JSON: object keys sorted
// bytewise, no insignificant whitespace, strings NFC-normalized, and number
// literals preserved as produced by encoding/json. The same value always
// encodes to the same bytes, which is the contract every hash in the kernel
// depends on.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"

	"golang.org/x/text/unicode/norm"
)

var ErrNonStringMapKey = errors.New("canonical: map keys must be strings")

// Marshal encodes v as canonical JSON bytes.
//
// v is first round-tripped through encoding/json so struct tags, embedded
// types, and omitempty behave exactly as they do in ordinary serialization;
// only the key ordering and whitespace are then fixed.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(value.String())
		return nil
	case string:
		return writeString(buf, value)
	case []any:
		return writeSlice(buf, value)
	case map[string]any:
		return writeMap(buf, value)
	default:
		return ErrNonStringMapKey
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

type mapEntry struct {
	key   string
	value any
}

func writeMap(buf *bytes.Buffer, m map[string]any) error {
	entries := make([]mapEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, mapEntry{key: norm.NFC.String(k), value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, entry.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, entry.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, s []any) error {
	buf.WriteByte('[')
	for i, elem := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
