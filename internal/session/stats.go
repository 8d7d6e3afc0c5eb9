package session

// Outcome is the single counter a capture lands in.
type Outcome int

const (
	OutcomeSaved Outcome = iota
	OutcomeDuplicate
	OutcomeNoFilename
	OutcomeNotInFilter
	OutcomeBroken
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeDuplicate:
		return "skipped_duplicate"
	case OutcomeNoFilename:
		return "skipped_no_filename"
	case OutcomeNotInFilter:
		return "skipped_not_in_filter"
	case OutcomeBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Stats are the run counters. Every capture increments Scanned and exactly
// one outcome counter.
type Stats struct {
	Scanned            int `json:"scanned"`
	Saved              int `json:"saved"`
	SkippedDuplicate   int `json:"skipped_duplicate"`
	SkippedNoFilename  int `json:"skipped_no_filename"`
	SkippedNotInFilter int `json:"skipped_not_in_filter"`
	Broken             int `json:"broken"`
}

// Balanced reports whether the outcome counters add up to Scanned.
func (s Stats) Balanced() bool {
	return s.Scanned == s.Saved+s.SkippedDuplicate+s.SkippedNoFilename+s.SkippedNotInFilter+s.Broken
}

// Add returns the element-wise sum of two stats.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		Scanned:            s.Scanned + o.Scanned,
		Saved:              s.Saved + o.Saved,
		SkippedDuplicate:   s.SkippedDuplicate + o.SkippedDuplicate,
		SkippedNoFilename:  s.SkippedNoFilename + o.SkippedNoFilename,
		SkippedNotInFilter: s.SkippedNotInFilter + o.SkippedNotInFilter,
		Broken:             s.Broken + o.Broken,
	}
}

func (s *Stats) record(o Outcome) {
	s.Scanned++
	switch o {
	case OutcomeSaved:
		s.Saved++
	case OutcomeDuplicate:
		s.SkippedDuplicate++
	case OutcomeNoFilename:
		s.SkippedNoFilename++
	case OutcomeNotInFilter:
		s.SkippedNotInFilter++
	case OutcomeBroken:
		s.Broken++
	}
}
