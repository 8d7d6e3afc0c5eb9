// Package session owns one capture run: it turns assembled payloads into
// preset files, keeps the index and counters, and cleans up empty runs.
package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/ignitron/internal/preset"
)

// TimestampLayout names run-scoped artifacts, e.g. 2025-03-09_21-04.
const TimestampLayout = "2006-01-02_15-04"

// Timestamp formats t for artifact names.
func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Paths are a session's output locations.
type Paths struct {
	OutDir    string `json:"out_dir"`
	IndexPath string `json:"index_path"`
}

// ResolvePaths builds run-scoped paths: <outputBase>_<ts>/ and
// <index stem>_<ts><index ext>.
func ResolvePaths(outputBase, indexBase string, now time.Time) Paths {
	ts := Timestamp(now)
	ext := filepath.Ext(indexBase)
	return Paths{
		OutDir:    outputBase + "_" + ts,
		IndexPath: strings.TrimSuffix(indexBase, ext) + "_" + ts + ext,
	}
}

// Capture is one assembled payload handed to the session.
type Capture struct {
	Filename string
	Text     string
	// NameFromPayload derives the filename from the preset's Name and
	// skips a payload repeating the previous payload's UUID.
	NameFromPayload bool
}

// SavedPreset describes a preset file written by the session.
type SavedPreset struct {
	Filename    string `json:"filename"`
	UUID        string `json:"uuid"`
	Name        string `json:"name,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
}

// Result is reported when a session finishes.
type Result struct {
	ID         string        `json:"id"`
	Stats      Stats         `json:"stats"`
	Saved      []SavedPreset `json:"saved"`
	OutDir     string        `json:"out_dir"`
	IndexPath  string        `json:"index_path"`
	CleanedUp  bool          `json:"cleaned_up"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Options configures a Session.
type Options struct {
	Paths     Paths
	Normalize preset.Options
	Logger    *slog.Logger
}

// Session is a single run. It is owned by one goroutine and never reused.
type Session struct {
	id        string
	paths     Paths
	norm      preset.Options
	logger    *slog.Logger
	startedAt time.Time

	stats    Stats
	filter   map[string]struct{}
	written  map[string]string // filename -> fingerprint
	saved    []SavedPreset
	lastUUID string

	dirCreated bool
	index      *os.File
	created    []string
	finished   bool
}

// New starts a session. Nothing touches the filesystem until the first write.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	entropy := ulid.Monotonic(rand.Reader, 0)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()

	return &Session{
		id:        id,
		paths:     opts.Paths,
		norm:      opts.Normalize,
		logger:    logger.With("component", "session", "session", id),
		startedAt: time.Now().UTC(),
		written:   make(map[string]string),
	}
}

// ID returns the session's ULID.
func (s *Session) ID() string { return s.id }

// Paths returns the session's output locations.
func (s *Session) Paths() Paths { return s.paths }

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats { return s.stats }

// SetFilter installs the inclusion filter. A nil set keeps everything.
func (s *Session) SetFilter(names map[string]struct{}) {
	s.filter = names
}

// Filter returns the installed inclusion filter, or nil.
func (s *Session) Filter() map[string]struct{} {
	return s.filter
}

// Orphan records a filename announcement that never got a payload.
func (s *Session) Orphan(filename string) {
	s.logger.Debug("filename without payload", "filename", filename)
	s.stats.record(OutcomeNoFilename)
}

// Accept processes one capture and returns the counter it landed in.
func (s *Session) Accept(c Capture) Outcome {
	outcome := s.accept(c)
	s.stats.record(outcome)
	return outcome
}

func (s *Session) accept(c Capture) Outcome {
	filename := preset.Basename(c.Filename)
	if !c.NameFromPayload && !validName(filename) {
		s.logger.Debug("payload without filename")
		return OutcomeNoFilename
	}

	rec, err := preset.Parse(filename, c.Text)
	if err != nil {
		s.logger.Warn("malformed preset payload", "filename", filename, "error", err)
		if filename != "" {
			s.writeStub(filename, preset.CleanJSONText(c.Text))
		}
		return OutcomeBroken
	}
	rec.Normalize(s.norm)

	if c.NameFromPayload {
		if rec.UUID != preset.UnknownUUID && rec.UUID == s.lastUUID {
			return OutcomeDuplicate
		}
		s.lastUUID = rec.UUID
		rec.Filename = preset.SafeName(rec.Name())
	}

	data, err := rec.Marshal()
	if err != nil {
		s.logger.Warn("cannot serialize preset", "filename", rec.Filename, "error", err)
		return OutcomeBroken
	}
	fp := preset.FingerprintBytes(data)

	if first, ok := s.written[rec.Filename]; ok {
		if first != fp {
			s.logger.Warn("duplicate filename with different content discarded", "filename", rec.Filename)
		}
		return OutcomeDuplicate
	}
	target := filepath.Join(s.paths.OutDir, rec.Filename)
	if _, err := os.Lstat(target); err == nil {
		s.logger.Debug("preset already present in output directory", "filename", rec.Filename)
		return OutcomeDuplicate
	}

	if s.filter != nil {
		if _, ok := s.filter[rec.Filename]; !ok {
			return OutcomeNotInFilter
		}
	}

	if err := s.writePreset(target, data); err != nil {
		s.logger.Warn("cannot write preset", "filename", rec.Filename, "error", err)
		return OutcomeBroken
	}
	if err := s.appendIndex(rec.Filename, rec.UUID); err != nil {
		s.logger.Warn("cannot append to index", "filename", rec.Filename, "error", err)
	}

	s.written[rec.Filename] = fp
	s.saved = append(s.saved, SavedPreset{
		Filename:    rec.Filename,
		UUID:        rec.UUID,
		Name:        rec.Name(),
		Fingerprint: fp,
		Path:        target,
	})
	s.logger.Debug("preset saved", "filename", rec.Filename, "uuid", rec.UUID)
	return OutcomeSaved
}

// Finish closes the index and reports the run. A run that saved nothing
// removes every artifact it created. Finish is idempotent.
func (s *Session) Finish() (*Result, error) {
	var closeErr error
	if !s.finished {
		s.finished = true
		if s.index != nil {
			if err := s.index.Close(); err != nil {
				closeErr = fmt.Errorf("close index: %w", err)
			}
			s.index = nil
		}
	}

	res := &Result{
		ID:         s.id,
		Stats:      s.stats,
		Saved:      append([]SavedPreset(nil), s.saved...),
		OutDir:     s.paths.OutDir,
		IndexPath:  s.paths.IndexPath,
		StartedAt:  s.startedAt,
		FinishedAt: time.Now().UTC(),
	}

	if s.stats.Saved == 0 {
		s.cleanup()
		res.CleanedUp = true
	}
	return res, closeErr
}

func (s *Session) cleanup() {
	for i := len(s.created) - 1; i >= 0; i-- {
		if err := os.Remove(s.created[i]); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("cannot remove artifact", "path", s.created[i], "error", err)
		}
	}
	s.created = nil
	if s.dirCreated {
		// Fails harmlessly if something else was put there meanwhile.
		if err := os.Remove(s.paths.OutDir); err == nil {
			s.logger.Debug("removed empty output directory", "dir", s.paths.OutDir)
		}
		s.dirCreated = false
	}
}

func (s *Session) ensureDir() error {
	if _, err := os.Stat(s.paths.OutDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(s.paths.OutDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	s.dirCreated = true
	return nil
}

func (s *Session) writePreset(target string, data []byte) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	f, err := openFileNoFollow(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.created = append(s.created, target)

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		s.forget(target)
		return err
	}
	if err := f.Close(); err != nil {
		s.forget(target)
		return err
	}
	return nil
}

// forget removes a partially written file.
func (s *Session) forget(path string) {
	_ = os.Remove(path)
	if n := len(s.created); n > 0 && s.created[n-1] == path {
		s.created = s.created[:n-1]
	}
}

func (s *Session) writeStub(filename, raw string) {
	stub := strings.TrimSuffix(filename, filepath.Ext(filename)) + "_BROKEN.json"
	if err := s.ensureDir(); err != nil {
		s.logger.Warn("cannot write broken stub", "filename", stub, "error", err)
		return
	}
	path := filepath.Join(s.paths.OutDir, stub)
	_, statErr := os.Lstat(path)

	f, err := openFileNoFollow(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		s.logger.Warn("cannot write broken stub", "filename", stub, "error", err)
		return
	}
	if os.IsNotExist(statErr) {
		s.created = append(s.created, path)
	}
	if _, err := f.WriteString(raw); err != nil {
		s.logger.Warn("cannot write broken stub", "filename", stub, "error", err)
	}
	_ = f.Close()
}

func (s *Session) appendIndex(filename, uuid string) error {
	if s.index == nil {
		if s.paths.IndexPath == "" {
			return nil
		}
		if dir := filepath.Dir(s.paths.IndexPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
		_, statErr := os.Lstat(s.paths.IndexPath)
		f, err := openFileNoFollow(s.paths.IndexPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if os.IsNotExist(statErr) {
			s.created = append(s.created, s.paths.IndexPath)
		}
		s.index = f
	}
	_, err := fmt.Fprintf(s.index, "%s %s\n", filename, uuid)
	return err
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".."
}
