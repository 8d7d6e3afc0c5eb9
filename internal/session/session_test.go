package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ignitron/internal/preset"
)

func newTestSession(t *testing.T) (*Session, Paths) {
	t.Helper()
	base := t.TempDir()
	paths := Paths{
		OutDir:    filepath.Join(base, "presets_json_test"),
		IndexPath: filepath.Join(base, "preset_index_test.txt"),
	}
	return New(Options{Paths: paths, Normalize: preset.Options{ConvertSchema: true}}), paths
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestResolvePaths(t *testing.T) {
	now := time.Date(2025, 3, 9, 21, 4, 0, 0, time.UTC)
	paths := ResolvePaths("presets_json", "preset_index.txt", now)
	assert.Equal(t, "presets_json_2025-03-09_21-04", paths.OutDir)
	assert.Equal(t, "preset_index_2025-03-09_21-04.txt", paths.IndexPath)

	paths = ResolvePaths(filepath.Join("out", "p"), filepath.Join("idx", "list"), now)
	assert.Equal(t, filepath.Join("idx", "list_2025-03-09_21-04"), paths.IndexPath)
}

func TestAccept_Saved(t *testing.T) {
	s, paths := newTestSession(t)

	outcome := s.Accept(Capture{Filename: "/Tone1.json", Text: `{"UUID":"abc-1","Name":"Tone1"}`})
	assert.Equal(t, OutcomeSaved, outcome)

	res, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 1, Saved: 1}, res.Stats)
	assert.False(t, res.CleanedUp)
	require.Len(t, res.Saved, 1)
	assert.Equal(t, "Tone1.json", res.Saved[0].Filename)
	assert.Equal(t, "ABC-1", res.Saved[0].UUID)
	assert.Equal(t, "Tone1", res.Saved[0].Name)
	assert.Len(t, res.Saved[0].Fingerprint, 16)

	assert.Equal(t, "Tone1.json ABC-1\n", readFile(t, paths.IndexPath))
	body := readFile(t, filepath.Join(paths.OutDir, "Tone1.json"))
	assert.Contains(t, body, `"UUID": "ABC-1"`)
	assert.Contains(t, body, `"Version": "0.7"`)
	assert.Contains(t, body, `"BPM": 120.0`)
}

func TestAccept_NoFilename(t *testing.T) {
	s, paths := newTestSession(t)

	for _, name := range []string{"", "  ", "/", ".."} {
		assert.Equal(t, OutcomeNoFilename, s.Accept(Capture{Filename: name, Text: `{"UUID":"x"}`}), name)
	}
	s.Orphan("Lonely.json")

	res, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 5, SkippedNoFilename: 5}, res.Stats)
	assert.True(t, res.CleanedUp)

	_, err = os.Stat(paths.OutDir)
	assert.True(t, os.IsNotExist(err), "nothing is created without a write")
}

func TestAccept_BrokenWritesStub(t *testing.T) {
	s, paths := newTestSession(t)

	assert.Equal(t, OutcomeBroken, s.Accept(Capture{Filename: "Bad.json", Text: `JSON STRING: {"UUID": "x", "Name": }`}))
	assert.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "Good.json", Text: `{"UUID":"g"}`}))

	res, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 2, Saved: 1, Broken: 1}, res.Stats)

	assert.Equal(t, `{"UUID": "x", "Name": }`, readFile(t, filepath.Join(paths.OutDir, "Bad_BROKEN.json")))
	assert.Equal(t, "Good.json G\n", readFile(t, paths.IndexPath))
}

func TestAccept_DuplicateFirstWins(t *testing.T) {
	s, paths := newTestSession(t)

	assert.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "Dup.json", Text: `{"UUID":"first"}`}))
	assert.Equal(t, OutcomeDuplicate, s.Accept(Capture{Filename: "Dup.json", Text: `{"UUID":"second"}`}))
	assert.Equal(t, OutcomeDuplicate, s.Accept(Capture{Filename: "Dup.json", Text: `{"UUID":"first"}`}))

	res, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, Stats{Scanned: 3, Saved: 1, SkippedDuplicate: 2}, res.Stats)
	assert.Contains(t, readFile(t, filepath.Join(paths.OutDir, "Dup.json")), "FIRST")
	assert.Equal(t, "Dup.json FIRST\n", readFile(t, paths.IndexPath))
}

func TestAccept_ExistingFileIsDuplicate(t *testing.T) {
	s, paths := newTestSession(t)
	require.NoError(t, os.MkdirAll(paths.OutDir, 0755))
	existing := filepath.Join(paths.OutDir, "Old.json")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0644))

	assert.Equal(t, OutcomeDuplicate, s.Accept(Capture{Filename: "Old.json", Text: `{"UUID":"new"}`}))

	res, err := s.Finish()
	require.NoError(t, err)
	assert.True(t, res.CleanedUp)
	assert.Equal(t, "keep me", readFile(t, existing), "pre-existing files survive cleanup")
}

func TestAccept_Filter(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetFilter(map[string]struct{}{"X.json": {}})

	assert.Equal(t, OutcomeNotInFilter, s.Accept(Capture{Filename: "x.json", Text: `{"UUID":"x"}`}), "filter is case-sensitive")
	assert.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "X.json", Text: `{"UUID":"x"}`}))
	assert.Equal(t, OutcomeNotInFilter, s.Accept(Capture{Filename: "Z.json", Text: `{"UUID":"z"}`}))

	assert.Equal(t, Stats{Scanned: 3, Saved: 1, SkippedNotInFilter: 2}, s.Stats())
}

func TestAccept_FilterEvaluatedAfterParse(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetFilter(map[string]struct{}{"X.json": {}})

	assert.Equal(t, OutcomeBroken, s.Accept(Capture{Filename: "Z.json", Text: `{broken`}))
}

func TestAccept_NameFromPayload(t *testing.T) {
	s, paths := newTestSession(t)

	first := Capture{Text: `{"UUID":"u-1","Name":"Big Amp!"}`, NameFromPayload: true}
	assert.Equal(t, OutcomeSaved, s.Accept(first))
	assert.Equal(t, OutcomeDuplicate, s.Accept(first), "same UUID twice in a row")
	assert.Equal(t, OutcomeSaved, s.Accept(Capture{Text: `{"UUID":"u-2"}`, NameFromPayload: true}))

	_, err := os.Stat(filepath.Join(paths.OutDir, "BigAmp.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(paths.OutDir, "preset.json"))
	assert.NoError(t, err)
}

func TestFinish_EmptyRunRemovesArtifacts(t *testing.T) {
	s, paths := newTestSession(t)

	assert.Equal(t, OutcomeBroken, s.Accept(Capture{Filename: "Bad.json", Text: `{"a":`}))
	_, err := os.Stat(filepath.Join(paths.OutDir, "Bad_BROKEN.json"))
	require.NoError(t, err)

	res, err := s.Finish()
	require.NoError(t, err)
	assert.True(t, res.CleanedUp)

	_, err = os.Stat(paths.OutDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(paths.IndexPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFinish_KeepsPreexistingIndex(t *testing.T) {
	s, paths := newTestSession(t)
	require.NoError(t, os.WriteFile(paths.IndexPath, []byte("Old.json OLD\n"), 0644))

	require.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "New.json", Text: `{"UUID":"n"}`}))
	_, err := s.Finish()
	require.NoError(t, err)

	assert.Equal(t, "Old.json OLD\nNew.json N\n", readFile(t, paths.IndexPath))
}

func TestFinish_Idempotent(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "A.json", Text: `{"UUID":"a"}`}))

	first, err := s.Finish()
	require.NoError(t, err)
	second, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, first.ID, second.ID)
}

func TestAccept_UnknownUUID(t *testing.T) {
	s, paths := newTestSession(t)
	require.Equal(t, OutcomeSaved, s.Accept(Capture{Filename: "NoID.json", Text: `{"Name":"n"}`}))
	_, err := s.Finish()
	require.NoError(t, err)

	assert.Equal(t, "NoID.json UNKNOWN\n", readFile(t, paths.IndexPath))
	assert.NotContains(t, readFile(t, filepath.Join(paths.OutDir, "NoID.json")), "UUID")
}

func TestStats_Balanced(t *testing.T) {
	var st Stats
	for _, o := range []Outcome{OutcomeSaved, OutcomeBroken, OutcomeDuplicate, OutcomeNoFilename, OutcomeNotInFilter} {
		st.record(o)
	}
	assert.True(t, st.Balanced())
	assert.Equal(t, 5, st.Scanned)
	assert.Equal(t, 10, st.Add(st).Scanned)
	assert.Equal(t, "skipped_not_in_filter", OutcomeNotInFilter.String())
}
