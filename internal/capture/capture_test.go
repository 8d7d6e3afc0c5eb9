package capture

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/preset"
	"github.com/hpungsan/ignitron/internal/serial"
	"github.com/hpungsan/ignitron/internal/serial/serialtest"
	"github.com/hpungsan/ignitron/internal/session"
)

func fastOptions(t *testing.T) Options {
	t.Helper()
	base := t.TempDir()
	return Options{
		Pipeline: pipeline.Options{
			Paths: session.Paths{
				OutDir:    filepath.Join(base, "presets_json_run"),
				IndexPath: filepath.Join(base, "preset_index_run.txt"),
			},
			Normalize:    preset.Options{ConvertSchema: true},
			ActiveFilter: true,
		},
		ConnectTimeout:    time.Second,
		BankListTimeout:   500 * time.Millisecond,
		BankPoll:          20 * time.Millisecond,
		PresetListTimeout: 2 * time.Second,
		PresetPoll:        100 * time.Millisecond,
		DistDir:           filepath.Join(base, "dist"),
	}
}

func readerFor(port *serialtest.Port) *serial.Reader {
	return serial.NewReader("fake", func() (serial.Port, error) { return port, nil })
}

func presetLines(name, uuid string) []string {
	return []string{
		"Reading preset filename: /" + name,
		`JSON STRING: {"UUID":"` + uuid + `","Name":"` + strings.TrimSuffix(name, ".json") + `"}`,
	}
}

// pedal scripts replies to LISTBANKS and LISTPRESETS.
func pedal(banks []string, presets [][]string) func(p *serialtest.Port, line string) {
	return func(p *serialtest.Port, line string) {
		switch line {
		case CommandListBanks:
			if banks == nil {
				return
			}
			p.Feed("LISTBANKS_START", "-- Bank 1")
			p.Feed(banks...)
			p.Feed("LISTBANKS_DONE")
		case CommandListPresets:
			p.Feed("LISTPRESETS_START")
			for _, lines := range presets {
				p.Feed(lines...)
			}
			p.Feed("LISTPRESETS_DONE")
		}
	}
}

func savedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRun_FilteredByBankList(t *testing.T) {
	port := serialtest.New()
	port.OnWrite(pedal(
		[]string{"A.json", "B.json"},
		[][]string{
			presetLines("A.json", "a-1"),
			presetLines("B.json", "b-1"),
			presetLines("C.json", "c-1"),
		},
	))

	opts := fastOptions(t)
	var phases []Phase
	opts.OnPhase = func(p Phase) { phases = append(phases, p) }

	res, err := Run(context.Background(), readerFor(port), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{CommandListBanks, CommandListPresets}, port.Written())
	assert.Equal(t, session.Stats{Scanned: 3, Saved: 2, SkippedNotInFilter: 1}, res.Stats)
	assert.Equal(t, []string{"A.json", "B.json"}, res.BankList)
	assert.Equal(t, []string{"A.json", "B.json"}, savedFiles(t, res.OutDir))
	assert.Equal(t, []Phase{Connecting, AwaitingBankList, AwaitingPresetList, Draining, Finished}, phases)

	require.NotEmpty(t, res.BankListPath)
	data, err := os.ReadFile(res.BankListPath)
	require.NoError(t, err)
	assert.Equal(t, "-- Bank 1\nA.json\nB.json\nB.json\nB.json\n", string(data))
	assert.True(t, port.Closed())
}

func TestRun_NoBankListKeepsAll(t *testing.T) {
	port := serialtest.New()
	port.OnWrite(pedal(nil, [][]string{
		presetLines("A.json", "a-1"),
		presetLines("C.json", "c-1"),
	}))

	opts := fastOptions(t)
	opts.BankListTimeout = 100 * time.Millisecond

	res, err := Run(context.Background(), readerFor(port), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Saved)
	assert.Nil(t, res.BankList)
	assert.Empty(t, res.BankListPath, "no export without a bank list")
}

func TestRun_SkipBankList(t *testing.T) {
	port := serialtest.New()
	port.OnWrite(pedal([]string{"A.json"}, [][]string{presetLines("Z.json", "z-1")}))

	opts := fastOptions(t)
	opts.SkipBankList = true

	res, err := Run(context.Background(), readerFor(port), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{CommandListPresets}, port.Written())
	assert.Equal(t, 1, res.Stats.Saved)
}

func TestRun_QuietAfterStartEndsListing(t *testing.T) {
	port := serialtest.New()
	port.OnWrite(func(p *serialtest.Port, line string) {
		if line == CommandListPresets {
			p.Feed("LISTPRESETS_START")
			p.Feed(presetLines("A.json", "a-1")...)
			// no DONE marker
		}
	})

	opts := fastOptions(t)
	opts.SkipBankList = true
	opts.PresetListTimeout = 10 * time.Second

	start := time.Now()
	res, err := Run(context.Background(), readerFor(port), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Saved)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_OpenFailure(t *testing.T) {
	r := serial.NewReader("COM9", func() (serial.Port, error) {
		return nil, stderrors.New("no such device")
	})

	res, err := Run(context.Background(), r, fastOptions(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransportOpenFailed))
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Stats.Saved)
}

func TestRun_ReadFailureKeepsSaved(t *testing.T) {
	port := serialtest.New()
	port.OnWrite(func(p *serialtest.Port, line string) {
		if line == CommandListPresets {
			p.Feed("LISTPRESETS_START")
			p.Feed(presetLines("A.json", "a-1")...)
			go func() {
				time.Sleep(30 * time.Millisecond)
				p.Fail(stderrors.New("device unplugged"))
			}()
		}
	})

	opts := fastOptions(t)
	opts.SkipBankList = true

	res, err := Run(context.Background(), readerFor(port), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransportReadFailed))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Stats.Saved)
	assert.FileExists(t, filepath.Join(res.OutDir, "A.json"))
}

func TestRun_Cancelled(t *testing.T) {
	port := serialtest.New()
	ctx, cancel := context.WithCancel(context.Background())
	port.OnWrite(func(p *serialtest.Port, line string) {
		if line == CommandListPresets {
			p.Feed("LISTPRESETS_START")
			p.Feed(presetLines("A.json", "a-1")...)
			go func() {
				time.Sleep(30 * time.Millisecond)
				cancel()
			}()
		}
	})

	opts := fastOptions(t)
	opts.SkipBankList = true
	opts.PresetPoll = 5 * time.Second

	res, err := Run(ctx, readerFor(port), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Stats.Saved)
}

func TestListen_NamesFromPayload(t *testing.T) {
	port := serialtest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fastOptions(t)
	done := make(chan struct{})
	var res *pipeline.Result
	var err error
	go func() {
		defer close(done)
		res, err = Listen(ctx, readerFor(port), ListenOptions{Pipeline: opts.Pipeline})
	}()

	port.Feed(
		"received from app:",
		`{"UUID":"u-1","Name":"Crunch/Lead"}`,
		"received from app:",
		`{"UUID":"u-1","Name":"Crunch/Lead"}`,
	)
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, session.Stats{Scanned: 2, Saved: 1, SkippedDuplicate: 1}, res.Stats)
	require.Len(t, res.Saved, 1)
	assert.Equal(t, "CrunchLead.json", res.Saved[0].Filename)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "awaiting_preset_list", AwaitingPresetList.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
