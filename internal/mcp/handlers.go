package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/ignitron/internal/banklist"
	"github.com/hpungsan/ignitron/internal/catalog"
	"github.com/hpungsan/ignitron/internal/config"
	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/preset"
	"github.com/hpungsan/ignitron/internal/session"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db     *sql.DB
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance. db may be nil, in which case
// runs are not recorded and the session tools report an internal error.
func NewHandlers(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "mcp"),
		now:    time.Now,
	}
}

// Request types for each tool

// ConversionArgs are the options shared by the conversion tools.
type ConversionArgs struct {
	OutDir          string   `json:"out_dir,omitempty"`
	IndexPath       string   `json:"index_path,omitempty"`
	All             bool     `json:"all,omitempty"`
	KeepSparkFields bool     `json:"keep_spark_fields,omitempty"`
	RoundNumbers    bool     `json:"round_numbers,omitempty"`
	Filter          []string `json:"filter,omitempty"`
}

// ConvertRequest represents the arguments for preset_convert.
type ConvertRequest struct {
	Path string `json:"path"`
	ConversionArgs
}

// ConvertFolderRequest represents the arguments for preset_convert_folder.
type ConvertFolderRequest struct {
	Dir string `json:"dir"`
	ConversionArgs
}

// BankListExtractRequest represents the arguments for banklist_extract.
type BankListExtractRequest struct {
	Path   string `json:"path"`
	Export bool   `json:"export,omitempty"`
	Output string `json:"output,omitempty"`
}

// BankListExportRequest represents the arguments for banklist_export.
type BankListExportRequest struct {
	Names  []string `json:"names,omitempty"`
	Source string   `json:"source,omitempty"`
	Output string   `json:"output,omitempty"`
}

// SessionListRequest represents the arguments for session_list.
type SessionListRequest struct {
	Kind   string `json:"kind,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SessionFindRequest represents the arguments for session_find.
type SessionFindRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Response types

// BankListResponse describes an extracted or exported bank list.
type BankListResponse struct {
	Found  bool       `json:"found"`
	Names  []string   `json:"names"`
	Banks  [][]string `json:"banks"`
	Output string     `json:"output,omitempty"`
}

// SessionListResponse wraps session_list results.
type SessionListResponse struct {
	Runs []catalog.Run `json:"runs"`
}

// SessionFindResponse wraps session_find results.
type SessionFindResponse struct {
	Presets []catalog.Preset `json:"presets"`
}

// HandleConvert handles the preset_convert tool call.
func (h *Handlers) HandleConvert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConvertRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return errorResult(errors.NewInvalidRequest("path is required")), nil
	}

	opts, err := h.pipelineOptions(input.ConversionArgs)
	if err != nil {
		return errorResult(err), nil
	}
	res, err := pipeline.ConvertFile(ctx, input.Path, opts)
	if err != nil {
		return h.failure(err), nil
	}
	h.record(ctx, catalog.KindConvert, res)

	return successResult(res)
}

// HandleConvertFolder handles the preset_convert_folder tool call.
func (h *Handlers) HandleConvertFolder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConvertFolderRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Dir) == "" {
		return errorResult(errors.NewInvalidRequest("dir is required")), nil
	}

	opts, err := h.pipelineOptions(input.ConversionArgs)
	if err != nil {
		return errorResult(err), nil
	}
	res, err := pipeline.ConvertFolder(ctx, input.Dir, opts)
	if err != nil {
		return h.failure(err), nil
	}
	h.record(ctx, catalog.KindConvertFolder, res)

	return successResult(res)
}

// HandleBankListExtract handles the banklist_extract tool call.
func (h *Handlers) HandleBankListExtract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BankListExtractRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return errorResult(errors.NewInvalidRequest("path is required")), nil
	}

	names, found, err := banklist.ExtractFile(input.Path)
	if err != nil {
		return h.failure(err), nil
	}

	resp := BankListResponse{Found: found, Names: nonNil(names), Banks: banklist.Chunk(names)}
	if input.Export || input.Output != "" {
		out, err := h.outputPath(input.Output)
		if err != nil {
			return errorResult(err), nil
		}
		if err := banklist.Write(out, resp.Banks); err != nil {
			return h.failure(err), nil
		}
		resp.Output = out
	}
	if resp.Banks == nil {
		resp.Banks = [][]string{}
	}

	return successResult(resp)
}

// HandleBankListExport handles the banklist_export tool call.
func (h *Handlers) HandleBankListExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BankListExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Source != "" && len(input.Names) > 0 {
		return errorResult(errors.NewInvalidRequest("names and source are mutually exclusive")), nil
	}

	var groups [][]string
	var names []string
	if input.Source != "" {
		groups, err = readGroups(input.Source)
		if err != nil {
			return h.failure(err), nil
		}
		for _, g := range groups {
			names = append(names, g...)
		}
	} else {
		for _, n := range input.Names {
			if b := preset.Basename(n); b != "" {
				names = append(names, b)
			}
		}
		groups = banklist.Chunk(names)
	}

	out, err := h.outputPath(input.Output)
	if err != nil {
		return errorResult(err), nil
	}
	if err := banklist.Write(out, groups); err != nil {
		return h.failure(err), nil
	}

	return successResult(BankListResponse{Found: true, Names: nonNil(names), Banks: groups, Output: out})
}

// HandleSessionList handles the session_list tool call.
func (h *Handlers) HandleSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.db == nil {
		return errorResult(errors.NewInternal(errNoCatalog)), nil
	}

	runs, err := catalog.ListRuns(ctx, h.db, catalog.ListOptions{
		Kind:   catalog.Kind(input.Kind),
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return h.failure(err), nil
	}

	return successResult(SessionListResponse{Runs: runs})
}

// HandleSessionFind handles the session_find tool call.
func (h *Handlers) HandleSessionFind(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionFindRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.db == nil {
		return errorResult(errors.NewInternal(errNoCatalog)), nil
	}

	found, err := catalog.FindPresets(ctx, h.db, catalog.FindOptions{
		Query: input.Query,
		Limit: input.Limit,
	})
	if err != nil {
		return h.failure(err), nil
	}

	return successResult(SessionFindResponse{Presets: found})
}

var errNoCatalog = stderrors.New("run catalog is not available")

// pipelineOptions resolves run-scoped paths and normalization from config
// and per-call overrides. Caller-supplied paths go through the same
// placement rules as bank list outputs.
func (h *Handlers) pipelineOptions(args ConversionArgs) (pipeline.Options, error) {
	paths := session.ResolvePaths(h.cfg.OutputBase, h.cfg.IndexBase, h.now())
	if args.OutDir != "" {
		if err := validateOutputDir(args.OutDir, h.cfg); err != nil {
			return pipeline.Options{}, err
		}
		paths.OutDir = args.OutDir
	}
	if args.IndexPath != "" {
		if err := validateTextFile(args.IndexPath, "index_path", h.cfg); err != nil {
			return pipeline.Options{}, err
		}
		paths.IndexPath = args.IndexPath
	}

	opts := pipeline.Options{
		Paths: paths,
		Normalize: preset.Options{
			ConvertSchema: !(args.KeepSparkFields || h.cfg.KeepSparkFields),
			RoundNumbers:  args.RoundNumbers || h.cfg.RoundNumbers,
		},
		ActiveFilter: !args.All,
		Logger:       h.logger,
	}
	if len(args.Filter) > 0 {
		opts.Filter = args.Filter
	}
	return opts, nil
}

// failure logs errors whose cause is hidden from the caller and converts
// err into a tool error result.
func (h *Handlers) failure(err error) *mcp.CallToolResult {
	var iErr *errors.IgnitronError
	if !stderrors.As(err, &iErr) || iErr.Code == errors.ErrInternal {
		h.logger.Error("tool call failed", "error", err)
	}
	return errorResult(err)
}

// outputPath returns the caller's bank list destination after validating it,
// or the timestamped default under DistDir.
func (h *Handlers) outputPath(explicit string) (string, error) {
	if explicit != "" {
		if err := validateOutputPath(explicit, h.cfg); err != nil {
			return "", err
		}
		return explicit, nil
	}
	return banklist.DefaultPath(h.cfg.DistDir, session.Timestamp(h.now())), nil
}

// record stores a finished run in the catalog. Failures are logged; the
// preset files are already on disk.
func (h *Handlers) record(ctx context.Context, kind catalog.Kind, res *pipeline.Result) {
	if h.db == nil || res == nil {
		return
	}
	if err := catalog.RecordRun(ctx, h.db, catalog.Record{Kind: kind, Result: res}); err != nil {
		h.logger.Warn("cannot record run", "run", res.ID, "error", err)
	}
}

func readGroups(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(path)
		}
		return nil, errors.NewInternal(err)
	}
	defer f.Close()
	return banklist.ParseGroups(f)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Result helpers

const internalMessage = "an internal error occurred"

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed to prevent leaking file paths.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var iErr *errors.IgnitronError
	if stderrors.As(err, &iErr) {
		errorObj := map[string]any{
			"code":    iErr.Code,
			"message": iErr.Message,
			"status":  iErr.Status,
		}
		if iErr.Code == errors.ErrInternal {
			errorObj["message"] = internalMessage
		} else if iErr.Details != nil {
			errorObj["details"] = iErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": internalMessage,
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
