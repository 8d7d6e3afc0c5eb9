// Package banklist handles the pedal's active preset list: extracting it from
// a LISTBANKS section and exporting it as a "-- Bank N" file.
package banklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/preset"
	"github.com/hpungsan/ignitron/internal/scanner"
)

// BankSize is the number of preset slots per bank.
const BankSize = 4

// maxLineSize bounds one log line; payloads can be long.
const maxLineSize = 16 * 1024 * 1024

var headerRe = regexp.MustCompile(`(?i)^\s*--\s*bank\b`)

// Extract returns the ordered basenames of the last non-empty bank section
// in lines. An empty section never replaces a listed one. found is false
// when lines contain no bank section at all.
func Extract(lines []string) (names []string, found bool) {
	x := newExtractor()
	for _, line := range lines {
		x.feed(line)
	}
	return x.finish()
}

// ExtractFile reads a saved log and returns its bank list, as Extract.
func ExtractFile(path string) (names []string, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, errors.NewNotFound(path)
		}
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	x := newExtractor()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		x.feed(strings.TrimSuffix(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	names, found = x.finish()
	return names, found, nil
}

type extractor struct {
	s     *scanner.Scanner
	names []string
	found bool
}

func newExtractor() *extractor {
	return &extractor{s: scanner.New()}
}

func (x *extractor) feed(line string) {
	x.take(x.s.Feed(line))
}

func (x *extractor) finish() ([]string, bool) {
	x.take(x.s.Flush())
	return x.names, x.found
}

func (x *extractor) take(events []scanner.Event) {
	for _, ev := range events {
		if ev.Kind != scanner.EventBankList {
			continue
		}
		x.found = true
		if len(ev.Banks) > 0 {
			x.names = ev.Banks
		}
	}
}

// Set flattens names into a membership set. Duplicates collapse.
func Set(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Chunk groups names into banks of BankSize in order. The last bank may be short.
func Chunk(names []string) [][]string {
	var groups [][]string
	for i := 0; i < len(names); i += BankSize {
		end := min(i+BankSize, len(names))
		groups = append(groups, append([]string(nil), names[i:end]...))
	}
	return groups
}

// ParseGroups reads a bank list file. Every "-- Bank N" header opens a new
// bank, in file order; names before the first header belong to the first
// bank. Blank lines are ignored and names are reduced to their basename.
func ParseGroups(r io.Reader) ([][]string, error) {
	var groups [][]string
	var current []string
	started := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if headerRe.MatchString(line) {
			if started || len(current) > 0 {
				groups = append(groups, current)
			}
			current = []string{}
			started = true
			continue
		}
		if line == "" {
			continue
		}
		current = append(current, preset.Basename(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bank list: %w", err)
	}
	if started || len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}

// Format renders groups as a bank list file. Each bank is padded to BankSize
// by repeating its last entry; an empty bank is filled with the last filename
// of the whole list. Banks longer than BankSize are truncated. It fails with
// EMPTY_BANK_LIST when no bank holds a filename.
func Format(groups [][]string) (string, error) {
	last := ""
	for _, g := range groups {
		if len(g) > 0 {
			last = g[len(g)-1]
		}
	}
	if last == "" {
		return "", errors.NewEmptyBankList()
	}

	var b strings.Builder
	for i, g := range groups {
		fmt.Fprintf(&b, "-- Bank %d\n", i+1)
		for _, name := range pad(g, last) {
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func pad(bank []string, fallback string) []string {
	slots := make([]string, 0, BankSize)
	slots = append(slots, bank[:min(len(bank), BankSize)]...)
	if len(slots) == 0 {
		slots = append(slots, fallback)
	}
	for len(slots) < BankSize {
		slots = append(slots, slots[len(slots)-1])
	}
	return slots
}

// Write formats groups and writes them to path, creating parent directories.
func Write(path string, groups [][]string) error {
	text, err := Format(groups)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("write bank list: %w", err)
	}
	return nil
}

// DefaultPath returns dist/PresetList_<timestamp>.txt under distDir.
func DefaultPath(distDir, timestamp string) string {
	return filepath.Join(distDir, "PresetList_"+timestamp+".txt")
}
