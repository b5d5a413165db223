package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"unicode/utf8"

	"insight-queue/internal/handler"
	"insight-queue/internal/models"
	"insight-queue/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearcher struct {
	records  []Record
	err      error
	gotQuery string
	gotLimit int
}

func (s *stubSearcher) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	s.gotQuery = query
	s.gotLimit = limit
	return s.records, s.err
}

type stubSynthesizer struct {
	report string
	err    error
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, query string, records []Record) (string, error) {
	return s.report, s.err
}

func collectProgress(sink *[]models.Progress) handler.ProgressFunc {
	return func(step string, current, total int, message string) {
		*sink = append(*sink, models.Progress{Step: step, Current: current, Total: total, Message: message})
	}
}

func TestHandle_FullPipeline(t *testing.T) {
	searcher := &stubSearcher{records: []Record{
		{Title: "Outage", Body: "details", Source: "feed-a"},
		{Title: "Empty", Body: "   ", Source: "feed-a"},
		{Title: "Recovery", Body: "more details", Source: "feed-b"},
	}}
	synth := &stubSynthesizer{report: "# Report\ncontent"}
	outDir := t.TempDir()
	h := New(searcher, synth, outDir)

	var progress []models.Progress
	raw, err := h.Handle(context.Background(), json.RawMessage(`{"query":"outage","limit":10}`), collectProgress(&progress))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 2, result.Records, "blank records are filtered out")

	content, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, "# Report\ncontent", string(content))
	assert.Equal(t, outDir, filepath.Dir(result.ReportPath))

	assert.Equal(t, "outage", searcher.gotQuery)
	assert.Equal(t, 10, searcher.gotLimit)

	require.Len(t, progress, 4)
	steps := []string{"search", "filter", "synthesize", "write"}
	for i, p := range progress {
		assert.Equal(t, steps[i], p.Step)
		assert.Equal(t, i+1, p.Current)
		assert.Equal(t, 4, p.Total)
	}
}

func TestHandle_BadPayloadIsFatal(t *testing.T) {
	h := New(&stubSearcher{}, &stubSynthesizer{}, t.TempDir())

	for _, payload := range []string{`{broken`, `{"query":"  "}`, `{}`} {
		_, err := h.Handle(context.Background(), json.RawMessage(payload), func(string, int, int, string) {})
		require.Error(t, err, payload)

		var herr *handler.Error
		require.ErrorAs(t, err, &herr, payload)
		assert.False(t, herr.Retryable, payload)
	}
}

func TestHandle_SearcherNetworkErrorStaysRetryable(t *testing.T) {
	h := New(&stubSearcher{err: syscall.ECONNRESET}, &stubSynthesizer{}, t.TempDir())

	_, err := h.Handle(context.Background(), json.RawMessage(`{"query":"x"}`), func(string, int, int, string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.True(t, retry.Retryable(err), "the wrapped network error keeps its classification")
}

func TestHandle_NoMatchesIsFatal(t *testing.T) {
	h := New(&stubSearcher{}, &stubSynthesizer{}, t.TempDir())

	_, err := h.Handle(context.Background(), json.RawMessage(`{"query":"nothing"}`), func(string, int, int, string) {})
	var herr *handler.Error
	require.ErrorAs(t, err, &herr)
	assert.False(t, herr.Retryable)
}

func TestHandle_SynthesizerErrorPropagates(t *testing.T) {
	searcher := &stubSearcher{records: []Record{{Title: "t", Body: "b"}}}
	boom := errors.New("model unavailable")
	h := New(searcher, &stubSynthesizer{err: boom}, t.TempDir())

	_, err := h.Handle(context.Background(), json.RawMessage(`{"query":"x"}`), func(string, int, int, string) {})
	assert.ErrorIs(t, err, boom)
}

func TestLocalSearcher(t *testing.T) {
	dir := t.TempDir()
	lines := `{"title":"Fleet outage","body":"ships delayed"}
{"title":"Weather","body":"calm seas"}
not json at all
{"title":"Harbor","body":"OUTAGE resolved"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feed.jsonl"), []byte(lines), 0o644))

	s := NewLocalSearcher(dir)
	records, err := s.Search(context.Background(), "outage", 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "matching is case-insensitive and skips bad lines")
	assert.Equal(t, "feed.jsonl", records[0].Source)

	limited, err := s.Search(context.Background(), "outage", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.Search(context.Background(), "blizzard", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnippetTruncatesOnRuneBoundary(t *testing.T) {
	// 3 bytes per "né"; a cut at 200 lands inside the é.
	body := strings.Repeat("né", 120)

	out := snippet(body, 200)
	assert.True(t, utf8.ValidString(out), "truncation must not split a rune")
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len(out), 200+len("…"))

	assert.Equal(t, "short", snippet("short", 200))
}

func TestTemplateSynthesizer(t *testing.T) {
	report, err := TemplateSynthesizer{}.Synthesize(context.Background(), "outage", []Record{
		{Title: "A", Body: "first   item", Source: "feed-a"},
		{Title: "B", Body: "second item", Source: "feed-b"},
		{Title: "C", Body: "third item", Source: "feed-a"},
	})
	require.NoError(t, err)

	assert.Contains(t, report, "# Report: outage")
	assert.Contains(t, report, "## feed-a")
	assert.Contains(t, report, "## feed-b")
	assert.Contains(t, report, "**A**: first item")
}
