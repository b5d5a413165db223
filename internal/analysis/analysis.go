// Package analysis holds the keyword-search and report-synthesis job
// handler. The data source and the language model sit behind narrow
// interfaces so the queue core never touches their wire protocols.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"insight-queue/internal/handler"

	"github.com/google/uuid"
)

// HandlerName is the identifier jobs use to target this handler.
const HandlerName = "keyword-report"

// Record is one raw item returned by a data source.
type Record struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Source string `json:"source"`
}

// Searcher fetches records matching a keyword query from the external
// data source.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Record, error)
}

// Synthesizer turns matched records into a written report.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, records []Record) (string, error)
}

// Params is the payload shape this handler accepts.
type Params struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Result describes the generated artifact.
type Result struct {
	ReportPath string `json:"report_path"`
	Records    int    `json:"records"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// Handler runs the four-step pipeline: search, filter, synthesize,
// write.
type Handler struct {
	searcher    Searcher
	synthesizer Synthesizer
	outputDir   string
}

// New creates the handler writing reports under outputDir.
func New(searcher Searcher, synthesizer Synthesizer, outputDir string) *Handler {
	return &Handler{
		searcher:    searcher,
		synthesizer: synthesizer,
		outputDir:   outputDir,
	}
}

// DescribeInput documents the expected payload.
func (h *Handler) DescribeInput() handler.InputSpec {
	return handler.InputSpec{
		Name:        HandlerName,
		Description: "keyword search against the configured data source followed by report synthesis",
		Example:     json.RawMessage(`{"query":"supply chain outage","limit":50}`),
	}
}

// Handle executes one analysis job. Collaborator failures bubble up
// unwrapped where possible so the retry classification can inspect the
// underlying network condition.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage, emit handler.ProgressFunc) (json.RawMessage, error) {
	started := time.Now()

	var params Params
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, handler.Fatal("malformed payload: %v", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, handler.Fatal("query is required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	emit("search", 1, 4, fmt.Sprintf("searching for %q", params.Query))
	records, err := h.searcher.Search(ctx, params.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", params.Query, err)
	}

	emit("filter", 2, 4, fmt.Sprintf("filtering %d records", len(records)))
	filtered := records[:0]
	for _, r := range records {
		if strings.TrimSpace(r.Body) != "" {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return nil, handler.Fatal("no usable records matched %q", params.Query)
	}

	emit("synthesize", 3, 4, fmt.Sprintf("synthesizing report from %d records", len(filtered)))
	report, err := h.synthesizer.Synthesize(ctx, params.Query, filtered)
	if err != nil {
		return nil, fmt.Errorf("synthesize report: %w", err)
	}

	emit("write", 4, 4, "writing report")
	path, err := h.writeReport(report)
	if err != nil {
		return nil, handler.Wrapf(err, false, "write report")
	}

	return json.Marshal(Result{
		ReportPath: path,
		Records:    len(filtered),
		ElapsedMS:  time.Since(started).Milliseconds(),
	})
}

func (h *Handler) writeReport(report string) (string, error) {
	if err := os.MkdirAll(h.outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(h.outputDir, fmt.Sprintf("report-%s.md", uuid.NewString()))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
