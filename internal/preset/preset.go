// Package preset holds the preset record model: parsing raw payload text,
// normalizing it for the pedal, and serializing it back to disk.
package preset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/hpungsan/ignitron/internal/errors"
)

// UnknownUUID is recorded in the index when a preset carries no identifier.
const UnknownUUID = "UNKNOWN"

// Well-known preset keys.
const (
	KeyUUID = "UUID"
	KeyName = "Name"
)

// Fields is the ordered key/value body of a preset. Values are kept as raw
// JSON so nested objects keep their key order and numbers keep their text.
type Fields = orderedmap.OrderedMap[string, json.RawMessage]

// Record is one preset identified by its target filename.
type Record struct {
	Filename string
	Fields   *Fields
	UUID     string
}

// Parse cleans text down to its outermost object and parses it.
// A payload that is not a JSON object yields an ErrMalformedPayload error.
func Parse(filename, text string) (*Record, error) {
	cleaned := CleanJSONText(text)
	if !strings.HasPrefix(cleaned, "{") || !json.Valid([]byte(cleaned)) {
		return nil, errors.NewMalformedPayload(filename, fmt.Errorf("not a JSON object"))
	}

	fields := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal([]byte(cleaned), fields); err != nil {
		return nil, errors.NewMalformedPayload(filename, err)
	}

	r := &Record{Filename: Basename(filename), Fields: fields}
	r.UUID = r.identifier()
	return r, nil
}

// CleanJSONText trims text to the span between the first '{' and the last '}'.
// Marker prefixes and trailing log noise on the same lines are dropped.
func CleanJSONText(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end != -1 && end >= start {
		return text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// Basename strips directory components (device or host separators) from a preset path.
func Basename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Name returns the preset's display name, or "" when absent or not a string.
func (r *Record) Name() string {
	return r.stringField(KeyName)
}

// Marshal renders the record as indented JSON followed by a newline.
// Keys keep their arrival order; HTML characters are not escaped.
func (r *Record) Marshal() ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('{')
	first := true
	for pair := r.Fields.Oldest(); pair != nil; pair = pair.Next() {
		if !first {
			compact.WriteByte(',')
		}
		first = false

		key, err := encodeString(pair.Key)
		if err != nil {
			return nil, err
		}
		compact.Write(key)
		compact.WriteByte(':')
		compact.Write(pair.Value)
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("indent preset %s: %w", r.Filename, err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Fingerprint returns a stable content hash of the serialized record.
func (r *Record) Fingerprint() (string, error) {
	data, err := r.Marshal()
	if err != nil {
		return "", err
	}
	return FingerprintBytes(data), nil
}

// FingerprintBytes hashes already serialized preset bytes.
func FingerprintBytes(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// nonWord matches runs of characters that are not letters, digits or underscore.
var nonWord = regexp.MustCompile(`\W+`)

// SafeName derives a filename from a preset name: non-word characters are
// removed and "preset" is used when nothing remains.
func SafeName(name string) string {
	safe := nonWord.ReplaceAllString(name, "")
	if safe == "" {
		safe = "preset"
	}
	return safe + ".json"
}

func (r *Record) identifier() string {
	raw, ok := r.Fields.Get(KeyUUID)
	if !ok {
		return UnknownUUID
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return UnknownUUID
	}
	id := strings.ToUpper(strings.TrimSpace(fmt.Sprint(v)))
	if id == "" {
		return UnknownUUID
	}
	return id
}

func (r *Record) stringField(key string) string {
	raw, ok := r.Fields.Get(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
