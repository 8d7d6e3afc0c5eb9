package preset

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Options controls normalization.
type Options struct {
	// ConvertSchema strips Spark-only fields and backfills the fields the pedal requires.
	ConvertSchema bool
	// RoundNumbers turns integral floats into integers and rounds other floats to 4 decimals.
	RoundNumbers bool
}

// Default is a field the pedal schema requires, with the value used when it is missing.
type Default struct {
	Key   string
	Value json.RawMessage
}

// TargetDefaults are backfilled, in this order, only when the key is absent.
// A present value is never overwritten, even when it is empty.
var TargetDefaults = []Default{
	{Key: "Version", Value: json.RawMessage(`"0.7"`)},
	{Key: "Description", Value: json.RawMessage(`""`)},
	{Key: "Icon", Value: json.RawMessage(`"icon.png"`)},
	{Key: "BPM", Value: json.RawMessage(`120.0`)},
}

// StripFields exist only in the Spark app's schema and are removed on conversion.
var StripFields = []string{"PresetNumber"}

// Normalize applies field normalization in place.
// The identifier is always uppercased when present as a string.
func (r *Record) Normalize(opts Options) {
	if raw, ok := r.Fields.Get(KeyUUID); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if upper, err := encodeString(strings.ToUpper(s)); err == nil {
				r.Fields.Set(KeyUUID, upper)
			}
		}
	}
	r.UUID = r.identifier()

	if opts.ConvertSchema {
		for _, key := range StripFields {
			r.Fields.Delete(key)
		}
		for _, d := range TargetDefaults {
			if _, ok := r.Fields.Get(d.Key); !ok {
				r.Fields.Set(d.Key, d.Value)
			}
		}
	}

	if opts.RoundNumbers {
		for pair := r.Fields.Oldest(); pair != nil; pair = pair.Next() {
			pair.Value = RoundNumbers(pair.Value)
		}
	}
}

// RoundNumbers rewrites every number token in raw outside of strings.
// Floats with no fractional part become integers; the rest are rounded to 4 decimals.
// Integer tokens are left untouched.
func RoundNumbers(raw json.RawMessage) json.RawMessage {
	var out bytes.Buffer
	inString, escaped := false, false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == '-' || (c >= '0' && c <= '9') {
			j := i + 1
			for j < len(raw) && strings.IndexByte("0123456789.eE+-", raw[j]) >= 0 {
				j++
			}
			out.WriteString(roundToken(string(raw[i:j])))
			i = j - 1
			continue
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}

func roundToken(tok string) string {
	if !strings.ContainsAny(tok, ".eE") {
		return tok
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return tok
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(math.Round(f*1e4)/1e4, 'f', -1, 64)
}
