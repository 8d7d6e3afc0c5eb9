package banklist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ignitron/internal/errors"
)

func TestExtract(t *testing.T) {
	names, found := Extract([]string{
		"boot",
		"LISTBANKS_START",
		"-- Bank 1",
		"X.json",
		"Y.json",
		"LISTBANKS_DONE",
		"Z.json",
	})
	require.True(t, found)
	assert.Equal(t, []string{"X.json", "Y.json"}, names)
}

func TestExtract_LastNonEmptySectionWins(t *testing.T) {
	names, found := Extract([]string{
		"LISTBANKS_START", "-- Bank 1", "Old.json", "LISTBANKS_DONE",
		"LISTBANKS_START", "-- Bank 1", "New.json", "Newer.json", "LISTBANKS_DONE",
		"LISTBANKS_START", "LISTBANKS_DONE",
	})
	require.True(t, found)
	assert.Equal(t, []string{"New.json", "Newer.json"}, names)

	names, found = Extract([]string{"LISTBANKS_START", "-- Bank 1", "LISTBANKS_DONE"})
	assert.True(t, found, "an empty section is still a section")
	assert.Empty(t, names)
}

func TestExtract_NoSection(t *testing.T) {
	names, found := Extract([]string{"X.json", "Reading preset filename: Y.json"})
	assert.False(t, found)
	assert.Nil(t, names)
}

func TestSet_CollapsesDuplicates(t *testing.T) {
	set := Set([]string{"A.json", "B.json", "A.json"})
	assert.Len(t, set, 2)
	assert.Contains(t, set, "A.json")
	assert.NotContains(t, set, "a.json")
}

func TestChunk(t *testing.T) {
	groups := Chunk([]string{"A", "B", "C", "D", "E"})
	assert.Equal(t, [][]string{{"A", "B", "C", "D"}, {"E"}}, groups)
	assert.Empty(t, Chunk(nil))
}

func TestFormat_PadsShortBank(t *testing.T) {
	text, err := Format(Chunk([]string{"A", "B", "C", "D", "E"}))
	require.NoError(t, err)

	want := strings.Join([]string{
		"-- Bank 1", "A", "B", "C", "D",
		"-- Bank 2", "E", "E", "E", "E",
	}, "\n") + "\n"
	assert.Equal(t, want, text)
}

func TestFormat_EmptyBankUsesGlobalLast(t *testing.T) {
	text, err := Format([][]string{{"A"}, {}, {"B", "C"}})
	require.NoError(t, err)

	want := strings.Join([]string{
		"-- Bank 1", "A", "A", "A", "A",
		"-- Bank 2", "C", "C", "C", "C",
		"-- Bank 3", "B", "C", "C", "C",
	}, "\n") + "\n"
	assert.Equal(t, want, text)
}

func TestFormat_TruncatesOversizedBank(t *testing.T) {
	text, err := Format([][]string{{"A", "B", "C", "D", "E"}})
	require.NoError(t, err)
	assert.Equal(t, "-- Bank 1\nA\nB\nC\nD\n", text)
}

func TestFormat_Empty(t *testing.T) {
	for _, groups := range [][][]string{nil, {{}, {}}} {
		_, err := Format(groups)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrEmptyBankList))
	}
}

func TestParseGroups(t *testing.T) {
	input := strings.Join([]string{
		"Loose.json",
		"-- Bank 1",
		"A.json",
		"",
		"/sd/B.json",
		"-- Bank 2",
		"-- BANK 3",
		"C.json",
	}, "\n")

	groups, err := ParseGroups(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Loose.json"},
		{"A.json", "B.json"},
		{},
		{"C.json"},
	}, groups)
}

func TestWriteAndDefaultPath(t *testing.T) {
	dist := filepath.Join(t.TempDir(), "dist")
	path := DefaultPath(dist, "2025-01-02_03-04")
	assert.Equal(t, filepath.Join(dist, "PresetList_2025-01-02_03-04.txt"), path)

	require.NoError(t, Write(path, [][]string{{"A.json", "B.json"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "-- Bank 1\nA.json\nB.json\nB.json\nB.json\n", string(data))
}

func TestWrite_EmptyDoesNotCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PresetList.txt")
	err := Write(path, nil)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.txt")
	require.NoError(t, os.WriteFile(path, []byte("LISTBANKS_START\r\n-- Bank 1\r\n/A.json\r\nB.json\r\nLISTBANKS_DONE\r\n"), 0644))

	names, found, err := ExtractFile(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"A.json", "B.json"}, names)

	_, _, err = ExtractFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
