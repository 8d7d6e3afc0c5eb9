// Package scanner classifies device log lines and assembles preset payloads.
//
// A Scanner is fed one line at a time and returns the events that line
// completed. It holds no I/O and no clock, so the same state machine serves
// saved log files and live serial sessions.
package scanner

import (
	"regexp"
	"strings"

	"github.com/hpungsan/ignitron/internal/preset"
)

// Protocol markers, matched case-insensitively at the start of a trimmed line.
const (
	MarkerBanksStart   = "LISTBANKS_START"
	MarkerBanksDone    = "LISTBANKS_DONE"
	MarkerPresetsStart = "LISTPRESETS_START"
	MarkerPresetsDone  = "LISTPRESETS_DONE"
)

// Payload markers, matched case-insensitively anywhere in a line.
const (
	MarkerFilename = "Reading preset filename:"
	MarkerJSON     = "JSON STRING:"
	MarkerApp      = "received from app:"
)

var (
	bankHeader   = regexp.MustCompile(`(?i)^--\s*bank\b`)
	filenameRe   = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(MarkerFilename))
	jsonMarkerRe = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(MarkerJSON))
	appMarkerRe  = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(MarkerApp))
)

// State is the scanner's current position in the protocol.
type State int

const (
	Idle State = iota
	InBankSection
	InPresetSection
	CapturingFilename
	CapturingJSON
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InBankSection:
		return "in_bank_section"
	case InPresetSection:
		return "in_preset_section"
	case CapturingFilename:
		return "capturing_filename"
	case CapturingJSON:
		return "capturing_json"
	default:
		return "unknown"
	}
}

// EventKind identifies what a line completed.
type EventKind int

const (
	// EventPayload carries one preset's raw JSON text. Filename is empty
	// when no announcement preceded it.
	EventPayload EventKind = iota
	// EventOrphanFilename reports an announced filename that never got a payload.
	EventOrphanFilename
	// EventBankList carries the ordered basenames of a finished bank section.
	EventBankList
)

// Event is produced by Feed and Flush.
type Event struct {
	Kind     EventKind
	Filename string
	Text     string
	// FromApp is set for payloads captured in app traffic mode.
	FromApp bool
	Banks   []string
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithAppTraffic makes the scanner treat "received from app:" as a payload
// marker and flags every payload as app traffic.
func WithAppTraffic() Option {
	return func(s *Scanner) { s.appTraffic = true }
}

// Scanner is the protocol state machine. It is not safe for concurrent use.
type Scanner struct {
	appTraffic bool

	state   State
	section State // Idle or InPresetSection; restored after a capture

	filename string
	pending  bool

	lines   []string
	fromApp bool
	depth   int
	opened  bool
	inStr   bool
	escaped bool

	banks []string
}

// New returns a scanner in the Idle state.
func New(opts ...Option) *Scanner {
	s := &Scanner{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Scanner) State() State {
	return s.state
}

// Feed classifies one line and returns any events it completed.
func (s *Scanner) Feed(line string) []Event {
	trimmed := strings.TrimSpace(line)

	switch {
	case hasPrefixFold(trimmed, MarkerBanksStart):
		events := s.endCapture()
		s.banks = []string{}
		s.state = InBankSection
		return events
	case hasPrefixFold(trimmed, MarkerBanksDone):
		events := s.endCapture()
		events = append(events, s.endBanks()...)
		s.state, s.section = Idle, Idle
		return events
	case hasPrefixFold(trimmed, MarkerPresetsStart):
		events := s.endCapture()
		events = append(events, s.endBanks()...)
		s.state, s.section = InPresetSection, InPresetSection
		return events
	case hasPrefixFold(trimmed, MarkerPresetsDone):
		events := s.endCapture()
		events = append(events, s.endBanks()...)
		s.state, s.section = Idle, Idle
		return events
	}

	if s.state == InBankSection {
		if trimmed != "" && !bankHeader.MatchString(trimmed) &&
			strings.HasSuffix(strings.ToLower(trimmed), ".json") {
			s.banks = append(s.banks, preset.Basename(trimmed))
		}
		return nil
	}

	if loc := filenameRe.FindStringIndex(line); loc != nil {
		var events []Event
		if s.state == CapturingJSON {
			events = append(events, s.emitPayload())
		}
		events = append(events, s.dropPending()...)
		s.filename = announcedName(line[loc[1]:])
		s.pending = s.filename != ""
		if s.pending {
			s.state = CapturingFilename
		} else {
			s.state = s.section
		}
		return events
	}

	if i := s.payloadMarker(line); i >= 0 {
		var events []Event
		if s.state == CapturingJSON {
			events = append(events, s.emitPayload())
		}
		s.begin()
		if seed := line[i:]; strings.Contains(seed, "{") {
			return append(events, s.appendLine(seed[strings.Index(seed, "{"):])...)
		}
		return events
	}

	if s.state == CapturingJSON {
		return s.appendLine(line)
	}

	// Raw dumps may start a payload with a bare "{" line.
	if strings.HasPrefix(trimmed, "{") {
		s.begin()
		return s.appendLine(line)
	}

	return nil
}

// Flush ends the current source. A partial payload is emitted as-is, an
// announced filename without payload is reported as an orphan and an
// unterminated bank section is finalized. The scanner returns to Idle.
func (s *Scanner) Flush() []Event {
	events := s.endCapture()
	events = append(events, s.endBanks()...)
	s.state, s.section = Idle, Idle
	return events
}

// payloadMarker returns the offset just past a payload marker, or -1.
func (s *Scanner) payloadMarker(line string) int {
	if loc := jsonMarkerRe.FindStringIndex(line); loc != nil {
		return loc[1]
	}
	if s.appTraffic {
		if loc := appMarkerRe.FindStringIndex(line); loc != nil {
			return loc[1]
		}
	}
	return -1
}

func (s *Scanner) begin() {
	s.state = CapturingJSON
	s.lines = s.lines[:0]
	s.fromApp = s.appTraffic
	s.depth, s.opened, s.inStr, s.escaped = 0, false, false, false
}

// appendLine adds a payload line and emits the payload once the buffered
// object is structurally complete on a line ending in '}'.
func (s *Scanner) appendLine(line string) []Event {
	s.lines = append(s.lines, line)
	s.track(line)

	if s.opened && s.depth <= 0 && strings.HasSuffix(strings.TrimSpace(line), "}") {
		return []Event{s.emitPayload()}
	}
	return nil
}

// track updates brace depth, ignoring braces inside JSON strings.
func (s *Scanner) track(line string) {
	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.inStr {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if s.opened {
				s.inStr = true
			}
		case '{':
			s.opened = true
			s.depth++
		case '}':
			if s.opened {
				s.depth--
			}
		}
	}
}

func (s *Scanner) emitPayload() Event {
	ev := Event{
		Kind:    EventPayload,
		Text:    strings.Join(s.lines, "\n"),
		FromApp: s.fromApp,
	}
	if s.pending {
		ev.Filename = s.filename
	}
	s.filename, s.pending = "", false
	s.lines = s.lines[:0]
	s.state = s.section
	return ev
}

func (s *Scanner) dropPending() []Event {
	if !s.pending {
		return nil
	}
	ev := Event{Kind: EventOrphanFilename, Filename: s.filename}
	s.filename, s.pending = "", false
	return []Event{ev}
}

func (s *Scanner) endCapture() []Event {
	var events []Event
	if s.state == CapturingJSON {
		events = append(events, s.emitPayload())
	}
	events = append(events, s.dropPending()...)
	if s.state != InBankSection {
		s.state = s.section
	}
	return events
}

func (s *Scanner) endBanks() []Event {
	if s.state != InBankSection {
		return nil
	}
	ev := Event{Kind: EventBankList, Banks: s.banks}
	s.banks = nil
	return []Event{ev}
}

// HasMarker reports whether line, trimmed, starts with a protocol marker.
func HasMarker(line, marker string) bool {
	return hasPrefixFold(strings.TrimSpace(line), marker)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// announcedName returns the basename of the first token after the filename
// marker. Device text trailing the path is ignored.
func announcedName(rest string) string {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return preset.Basename(fields[0])
}
