package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(s *Scanner, lines ...string) []Event {
	var events []Event
	for _, line := range lines {
		events = append(events, s.Feed(line)...)
	}
	return append(events, s.Flush()...)
}

func TestFeed_SingleLinePayload(t *testing.T) {
	s := New()

	events := s.Feed("Reading preset filename: /Tone1.json")
	assert.Empty(t, events)
	assert.Equal(t, CapturingFilename, s.State())

	events = s.Feed(`JSON STRING: {"UUID":"abc-1","Name":"Tone1"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventPayload, events[0].Kind)
	assert.Equal(t, "Tone1.json", events[0].Filename)
	assert.Equal(t, `{"UUID":"abc-1","Name":"Tone1"}`, events[0].Text)
	assert.False(t, events[0].FromApp)
	assert.Equal(t, Idle, s.State())
}

func TestFeed_FilenameTrailingTextIgnored(t *testing.T) {
	events := feedAll(New(),
		"Reading preset filename: /Tone1.json (412 bytes)",
		`JSON STRING: {"UUID":"abc-1"}`,
		"Reading preset filename:    \t",
	)

	require.Len(t, events, 1)
	assert.Equal(t, "Tone1.json", events[0].Filename)
}

func TestFeed_MultiLinePayload(t *testing.T) {
	s := New()
	s.Feed("LISTPRESETS_START")
	s.Feed("Reading preset filename: /presets/Lead.json")

	var events []Event
	for _, line := range []string{
		"JSON STRING: {",
		`  "Name": "Lead {solo}",`,
		`  "Sigpath": [`,
		`    {"dspId": "x"}`,
		`  ],`,
		`  "Meta": {"a": "}"}`,
		"}",
	} {
		events = append(events, s.Feed(line)...)
		if len(events) == 0 {
			assert.Equal(t, CapturingJSON, s.State())
		}
	}

	require.Len(t, events, 1)
	assert.Equal(t, "Lead.json", events[0].Filename)
	assert.Contains(t, events[0].Text, `"Lead {solo}"`)
	assert.Equal(t, InPresetSection, s.State(), "capture returns to the enclosing section")

	events = s.Feed("LISTPRESETS_DONE")
	assert.Empty(t, events)
	assert.Equal(t, Idle, s.State())
}

func TestFeed_NestedCloseDoesNotEndCapture(t *testing.T) {
	s := New()
	s.Feed("Reading preset filename: A.json")
	assert.Empty(t, s.Feed("JSON STRING: {"))
	assert.Empty(t, s.Feed(`"inner": {"x": 1}`))
	events := s.Feed("}")
	require.Len(t, events, 1)
	assert.Equal(t, "A.json", events[0].Filename)
}

func TestFeed_BareBraceStartsPayload(t *testing.T) {
	events := feedAll(New(),
		"Reading preset filename: /Dump.json",
		"noise before payload",
		"{",
		`"UUID": "u"`,
		"}",
	)
	require.Len(t, events, 1)
	assert.Equal(t, EventPayload, events[0].Kind)
	assert.Equal(t, "Dump.json", events[0].Filename)
	assert.Equal(t, "{\n\"UUID\": \"u\"\n}", events[0].Text)
}

func TestFeed_BankSection(t *testing.T) {
	events := feedAll(New(),
		"LISTBANKS_START",
		"-- Bank 1",
		"X.json",
		"  /sd/Y.JSON  ",
		"not a preset",
		"-- bank 2",
		"X.json",
		"LISTBANKS_DONE",
	)
	require.Len(t, events, 1)
	assert.Equal(t, EventBankList, events[0].Kind)
	assert.Equal(t, []string{"X.json", "Y.JSON", "X.json"}, events[0].Banks)
}

func TestFeed_EmptyBankSection(t *testing.T) {
	events := feedAll(New(), "LISTBANKS_START", "LISTBANKS_DONE")
	require.Len(t, events, 1)
	assert.Equal(t, EventBankList, events[0].Kind)
	assert.Empty(t, events[0].Banks)
}

func TestFeed_UnterminatedBankSectionFlushed(t *testing.T) {
	events := feedAll(New(), "LISTBANKS_START", "A.json")
	require.Len(t, events, 1)
	assert.Equal(t, []string{"A.json"}, events[0].Banks)
}

func TestFeed_MarkersCaseInsensitive(t *testing.T) {
	s := New()
	s.Feed("  listbanks_start")
	assert.Equal(t, InBankSection, s.State())
	s.Feed("ListBanks_Done")
	assert.Equal(t, Idle, s.State())
	s.Feed("listpresets_start\r")
	assert.Equal(t, InPresetSection, s.State())
}

func TestFeed_OrphanFilename(t *testing.T) {
	events := feedAll(New(),
		"Reading preset filename: First.json",
		"Reading preset filename: Second.json",
		`JSON STRING: {"Name":"2"}`,
		"Reading preset filename: Last.json",
	)
	require.Len(t, events, 3)
	assert.Equal(t, EventOrphanFilename, events[0].Kind)
	assert.Equal(t, "First.json", events[0].Filename)
	assert.Equal(t, EventPayload, events[1].Kind)
	assert.Equal(t, "Second.json", events[1].Filename)
	assert.Equal(t, EventOrphanFilename, events[2].Kind)
	assert.Equal(t, "Last.json", events[2].Filename)
}

func TestFeed_OrphanPayload(t *testing.T) {
	events := feedAll(New(), `JSON STRING: {"Name":"nobody"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventPayload, events[0].Kind)
	assert.Empty(t, events[0].Filename)
}

func TestFeed_InterruptedPayloadFlushed(t *testing.T) {
	events := feedAll(New(),
		"Reading preset filename: Cut.json",
		`JSON STRING: {"Name": "cut",`,
		"Reading preset filename: Next.json",
		`JSON STRING: {"Name":"next"}`,
	)
	require.Len(t, events, 2)
	assert.Equal(t, "Cut.json", events[0].Filename)
	assert.Equal(t, `{"Name": "cut",`, events[0].Text)
	assert.Equal(t, "Next.json", events[1].Filename)
}

func TestFeed_SectionMarkerFlushesCapture(t *testing.T) {
	s := New()
	s.Feed("LISTPRESETS_START")
	s.Feed("Reading preset filename: Cut.json")
	s.Feed(`JSON STRING: {"Name": "cut",`)

	events := s.Feed("LISTPRESETS_DONE")
	require.Len(t, events, 1)
	assert.Equal(t, "Cut.json", events[0].Filename)
	assert.Equal(t, Idle, s.State())
}

func TestFlush_PartialPayload(t *testing.T) {
	s := New()
	s.Feed("Reading preset filename: Tail.json")
	s.Feed("JSON STRING: {")
	s.Feed(`"Name": "tail"`)

	events := s.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, "Tail.json", events[0].Filename)
	assert.Equal(t, "{\n\"Name\": \"tail\"", events[0].Text)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, s.Flush())
}

func TestFeed_NoiseIgnored(t *testing.T) {
	events := feedAll(New(),
		"boot ok",
		"",
		"SPARK connected",
		"-- Bank 1",
		"X.json",
	)
	assert.Empty(t, events)
}

func TestFeed_AppTraffic(t *testing.T) {
	events := feedAll(New(WithAppTraffic()),
		"received from app:",
		"{",
		`"UUID": "u-1", "Name": "App Tone"`,
		"}",
	)
	require.Len(t, events, 1)
	assert.True(t, events[0].FromApp)
	assert.Empty(t, events[0].Filename)

	// Without the option the app marker is noise
	assert.Empty(t, feedAll(New(), "received from app: nothing"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "capturing_json", CapturingJSON.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestHasMarker(t *testing.T) {
	assert.True(t, HasMarker("  LISTPRESETS_DONE\r", MarkerPresetsDone))
	assert.True(t, HasMarker("listpresets_start", MarkerPresetsStart))
	assert.False(t, HasMarker("x LISTPRESETS_DONE", MarkerPresetsDone))
}
