package analysis

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// LocalSearcher scans JSON-lines files in a directory for keyword
// matches. It is the built-in data source used when no external plugin
// is wired in; one Record per line.
type LocalSearcher struct {
	dataDir string
}

// NewLocalSearcher creates a searcher over *.jsonl files in dataDir.
func NewLocalSearcher(dataDir string) *LocalSearcher {
	return &LocalSearcher{dataDir: dataDir}
}

// Search returns up to limit records whose title or body contains the
// query, case-insensitive.
func (s *LocalSearcher) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(s.dataDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var matches []Record

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open data file: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() && len(matches) < limit {
			var rec Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			if strings.Contains(strings.ToLower(rec.Title), needle) ||
				strings.Contains(strings.ToLower(rec.Body), needle) {
				if rec.Source == "" {
					rec.Source = filepath.Base(path)
				}
				matches = append(matches, rec)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
		if len(matches) >= limit {
			break
		}
	}

	return matches, nil
}

// TemplateSynthesizer assembles a markdown report from records without
// calling a language model. Deployments plug a real Synthesizer in its
// place.
type TemplateSynthesizer struct{}

// Synthesize renders the records under a heading per source.
func (TemplateSynthesizer) Synthesize(ctx context.Context, query string, records []Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n%d matching records.\n", query, len(records))

	bySource := map[string][]Record{}
	var order []string
	for _, rec := range records {
		if _, seen := bySource[rec.Source]; !seen {
			order = append(order, rec.Source)
		}
		bySource[rec.Source] = append(bySource[rec.Source], rec)
	}

	for _, source := range order {
		fmt.Fprintf(&b, "\n## %s\n\n", source)
		for _, rec := range bySource[source] {
			fmt.Fprintf(&b, "- **%s**: %s\n", rec.Title, snippet(rec.Body, 200))
		}
	}

	return b.String(), nil
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
