package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/session"
)

// Kind names how a run was fed.
type Kind string

const (
	KindConvert       Kind = "convert"
	KindConvertFolder Kind = "convert_folder"
	KindCapture       Kind = "capture"
	KindListen        Kind = "listen"
)

// Valid reports whether k is a known run kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConvert, KindConvertFolder, KindCapture, KindListen:
		return true
	}
	return false
}

// Run is one recorded run.
type Run struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Sources      []string      `json:"sources,omitempty"`
	OutDir       string        `json:"out_dir"`
	IndexPath    string        `json:"index_path"`
	Stats        session.Stats `json:"stats"`
	CleanedUp    bool          `json:"cleaned_up"`
	BankList     []string      `json:"bank_list,omitempty"`
	BankListPath string        `json:"bank_list_path,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    int64         `json:"started_at"`
	FinishedAt   int64         `json:"finished_at"`
}

// Preset is one saved preset together with the run that wrote it.
type Preset struct {
	RunID       string `json:"run_id"`
	RunKind     Kind   `json:"run_kind"`
	Filename    string `json:"filename"`
	UUID        string `json:"uuid"`
	Name        string `json:"name,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	FinishedAt  int64  `json:"finished_at"`
}

// Record describes a finished run to store.
type Record struct {
	Kind         Kind
	Result       *pipeline.Result
	BankListPath string
	// Err is the error that ended the run early, if any.
	Err error
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Kind   Kind
	Limit  int
	Offset int
}

// FindOptions filters FindPresets.
type FindOptions struct {
	// Query matches a filename (case-insensitive, with or without the
	// .json extension) or a UUID.
	Query string
	Limit int
}

// Defaults for listing.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// RecordRun stores a finished run and every preset it saved in one transaction.
func RecordRun(ctx context.Context, db *sql.DB, rec Record) error {
	if rec.Result == nil {
		return errors.NewInvalidRequest("result is required")
	}
	if !rec.Kind.Valid() {
		return errors.NewInvalidRequest("unknown run kind: " + string(rec.Kind))
	}
	res := rec.Result

	sources, err := jsonOrNull(res.Sources)
	if err != nil {
		return errors.NewInternal(err)
	}
	banks, err := jsonOrNull(res.BankList)
	if err != nil {
		return errors.NewInternal(err)
	}
	var runErr sql.NullString
	if rec.Err != nil {
		runErr = sql.NullString{String: rec.Err.Error(), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	st := res.Stats
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, kind, sources_json, out_dir, index_path,
			scanned, saved, skipped_duplicate, skipped_no_filename,
			skipped_not_in_filter, broken, cleaned_up,
			bank_list_json, bank_list_path, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.ID, string(rec.Kind), sources, res.OutDir, res.IndexPath,
		st.Scanned, st.Saved, st.SkippedDuplicate, st.SkippedNoFilename,
		st.SkippedNotInFilter, st.Broken, boolToInt(res.CleanedUp),
		banks, toNullString(rec.BankListPath), runErr,
		unix(res.StartedAt), unix(res.FinishedAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO presets (run_id, filename, uuid, name, fingerprint, path)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer stmt.Close()

	for _, p := range res.Saved {
		if _, err := stmt.ExecContext(ctx,
			res.ID, p.Filename, p.UUID, toNullString(p.Name), p.Fingerprint, p.Path,
		); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListRuns returns recorded runs, most recent first.
func ListRuns(ctx context.Context, db *sql.DB, opts ListOptions) ([]Run, error) {
	if opts.Kind != "" && !opts.Kind.Valid() {
		return nil, errors.NewInvalidRequest("unknown run kind: " + string(opts.Kind))
	}
	limit := clampLimit(opts.Limit)
	offset := max(opts.Offset, 0)

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if opts.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return runs, nil
}

// GetRun retrieves a run by its ULID.
func GetRun(ctx context.Context, db *sql.DB, id string) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return r, nil
}

// FindPresets looks a preset up by filename or UUID across all runs,
// most recent run first.
func FindPresets(ctx context.Context, db *sql.DB, opts FindOptions) ([]Preset, error) {
	q := strings.TrimSpace(opts.Query)
	if q == "" {
		return nil, errors.NewInvalidRequest("query is required")
	}
	filename := q
	if !strings.HasSuffix(strings.ToLower(filename), ".json") {
		filename += ".json"
	}

	rows, err := db.QueryContext(ctx, `
		SELECT p.run_id, r.kind, p.filename, p.uuid, p.name, p.fingerprint, p.path, r.finished_at
		FROM presets p
		JOIN runs r ON r.id = p.run_id
		WHERE p.filename = ? COLLATE NOCASE OR p.uuid = ?
		ORDER BY r.finished_at DESC, p.run_id DESC
		LIMIT ?
	`, filename, strings.ToUpper(q), clampLimit(opts.Limit))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	found := []Preset{}
	for rows.Next() {
		var (
			p    Preset
			kind string
			name sql.NullString
		)
		if err := rows.Scan(&p.RunID, &kind, &p.Filename, &p.UUID, &name,
			&p.Fingerprint, &p.Path, &p.FinishedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		p.RunKind = Kind(kind)
		p.Name = name.String
		found = append(found, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return found, nil
}

const runColumns = `id, kind, sources_json, out_dir, index_path,
	scanned, saved, skipped_duplicate, skipped_no_filename,
	skipped_not_in_filter, broken, cleaned_up,
	bank_list_json, bank_list_path, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r            Run
		kind         string
		sourcesJSON  sql.NullString
		banksJSON    sql.NullString
		bankListPath sql.NullString
		runErr       sql.NullString
		cleanedUp    int
	)
	err := row.Scan(
		&r.ID, &kind, &sourcesJSON, &r.OutDir, &r.IndexPath,
		&r.Stats.Scanned, &r.Stats.Saved, &r.Stats.SkippedDuplicate, &r.Stats.SkippedNoFilename,
		&r.Stats.SkippedNotInFilter, &r.Stats.Broken, &cleanedUp,
		&banksJSON, &bankListPath, &runErr, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Kind = Kind(kind)
	r.CleanedUp = cleanedUp != 0
	r.BankListPath = bankListPath.String
	r.Error = runErr.String
	if sourcesJSON.Valid && sourcesJSON.String != "" {
		if err := json.Unmarshal([]byte(sourcesJSON.String), &r.Sources); err != nil {
			return nil, err
		}
	}
	if banksJSON.Valid && banksJSON.String != "" {
		if err := json.Unmarshal([]byte(banksJSON.String), &r.BankList); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// jsonOrNull encodes a slice, storing NULL for nil.
func jsonOrNull(v []string) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
