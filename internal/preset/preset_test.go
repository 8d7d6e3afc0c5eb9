package preset

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ignitron/internal/errors"
)

func TestBasename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/Tone1.json", "Tone1.json"},
		{"  /presets/Clean Verb.json ", "Clean Verb.json"},
		{`C:\dumps\Lead.json`, "Lead.json"},
		{"Plain.json", "Plain.json"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Basename(tt.input))
		})
	}
}

func TestCleanJSONText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"marker prefix", `JSON STRING: {"a":1}`, `{"a":1}`},
		{"trailing noise", `{"a":{"b":2}} <eol>`, `{"a":{"b":2}}`},
		{"multi line", "noise\n{\n\"a\": 1\n}\nmore", "{\n\"a\": 1\n}"},
		{"no braces", "  garbage  ", "garbage"},
		{"close before open", "} x {", "} x {"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSONText(tt.input))
		})
	}
}

func TestParse(t *testing.T) {
	r, err := Parse("/Tone1.json", `JSON STRING: {"UUID":"abc-1","Name":"Tone1"}`)
	require.NoError(t, err)

	assert.Equal(t, "Tone1.json", r.Filename)
	assert.Equal(t, "ABC-1", r.UUID)
	assert.Equal(t, "Tone1", r.Name())
}

func TestParse_Malformed(t *testing.T) {
	inputs := []string{
		`{"UUID": "abc", "Name": }`,
		`not json at all`,
		`["array", "not", "object"]`,
		`{"a":1} {"b":2}`,
	}

	for _, input := range inputs {
		_, err := Parse("Bad.json", input)
		require.Error(t, err, input)
		assert.True(t, errors.Is(err, errors.ErrMalformedPayload), input)
	}
}

func TestParse_MissingUUID(t *testing.T) {
	r, err := Parse("NoID.json", `{"Name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, UnknownUUID, r.UUID)

	r, err = Parse("EmptyID.json", `{"UUID":"  ","Name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, UnknownUUID, r.UUID)
}

func TestMarshal_KeepsOrderAndText(t *testing.T) {
	r, err := Parse("Order.json", `{"Zeta":1,"Alpha":{"y":2,"x":1.50},"Name":"Rock & Roll"}`)
	require.NoError(t, err)

	data, err := r.Marshal()
	require.NoError(t, err)

	out := string(data)
	assert.Less(t, strings.Index(out, `"Zeta"`), strings.Index(out, `"Alpha"`))
	assert.Less(t, strings.Index(out, `"y"`), strings.Index(out, `"x"`))
	assert.Contains(t, out, `1.50`)
	assert.Contains(t, out, `"Rock & Roll"`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
	assert.True(t, json.Valid(data))
}

func TestFingerprint(t *testing.T) {
	a, err := Parse("A.json", `{"UUID":"x","Name":"A"}`)
	require.NoError(t, err)
	b, err := Parse("B.json", `{ "UUID" : "x", "Name" : "A" }`)
	require.NoError(t, err)
	c, err := Parse("C.json", `{"UUID":"x","Name":"C"}`)
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	fc, err := c.Fingerprint()
	require.NoError(t, err)

	assert.Len(t, fa, 16)
	assert.Equal(t, fa, fb, "whitespace must not change the fingerprint")
	assert.NotEqual(t, fa, fc)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "CleanVerb.json", SafeName("Clean Verb!"))
	assert.Equal(t, "preset.json", SafeName("***"))
	assert.Equal(t, "preset.json", SafeName(""))
}
