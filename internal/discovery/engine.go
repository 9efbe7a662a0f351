// Package discovery implements the Discovery Engine: an in-memory index
// over every known tool, supporting ranked semantic queries with pagination
// and confidence thresholds (spec.md §4.3).
//
// Grounded on the bleve usage implied by the other_examples manifest
// rannow-mcpproxy-go (an MCP proxy indexing tool descriptions with bleve for
// the same kind of query this engine answers) — the closest external
// precedent for this component's shape in the retrieved pack.
package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/portel-dev/ncp/internal/domain"
)

// document is the flat, per-tool unit indexed by bleve.
type document struct {
	ServerName  string `json:"serverName"`
	ToolName    string `json:"toolName"`
	FullName    string `json:"fullName"`
	Description string `json:"description"`
}

// Result is one ranked hit returned by Query.
type Result struct {
	Record domain.ToolRecord
	Score  float64
}

// Engine owns the bleve in-memory index plus the ranking inputs bleve's
// native relevance score does not express on its own: token overlap, a
// health penalty for unhealthy servers, and a recency boost for servers
// that (re)connected most recently.
type Engine struct {
	mu    sync.RWMutex
	index bleve.Index

	records         map[string]domain.ToolRecord // FullName -> record
	healthy         map[string]bool              // serverName -> healthy
	seenAt          map[string]time.Time         // serverName -> last (re)connect time
	disabledServers map[string]bool              // serverName -> disabled

	rebuildMu   sync.Mutex
	rebuilding  bool
	queuedAgain bool
}

// New creates an empty Engine.
func New() (*Engine, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create in-memory index: %w", err)
	}
	return &Engine{
		index:           idx,
		records:         make(map[string]domain.ToolRecord),
		healthy:         make(map[string]bool),
		seenAt:          make(map[string]time.Time),
		disabledServers: make(map[string]bool),
	}, nil
}

// Upsert indexes or replaces the tool records for one server, matching the
// "reindexes incrementally as downstreams come online or are enabled/
// disabled" behavior of spec.md §2.
func (e *Engine) Upsert(serverName string, records []domain.ToolRecord, healthy bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeServerLocked(serverName)

	e.healthy[serverName] = healthy
	e.seenAt[serverName] = time.Now()

	for _, r := range records {
		full := r.FullName()
		e.records[full] = r
		doc := document{
			ServerName:  r.ServerName,
			ToolName:    r.ToolName,
			FullName:    full,
			Description: r.Description,
		}
		if err := e.index.Index(full, doc); err != nil {
			return fmt.Errorf("index tool %s: %w", full, err)
		}
	}
	return nil
}

// SetHealthy updates the health flag used for ranking without touching the
// indexed tool records.
func (e *Engine) SetHealthy(serverName string, healthy bool) {
	e.mu.Lock()
	e.healthy[serverName] = healthy
	e.mu.Unlock()
}

// Lookup returns the indexed record for fullName ("serverName toolName"), if
// present, regardless of its current health or enabled state.
func (e *Engine) Lookup(fullName string) (domain.ToolRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[fullName]
	return r, ok
}

// SetEnabled flips serverName's enabled flag without touching its indexed
// tool records or triggering a rebuild: a disabled server's tools are
// filtered out of Query results directly, per spec.md §4.3 ("flip enabled
// flag; disabled tools are excluded from queries without index rebuild").
// The flag survives Upsert (reindexing a server does not re-enable it) and
// is cleared only when the server is removed entirely.
func (e *Engine) SetEnabled(serverName string, enabled bool) {
	e.mu.Lock()
	if enabled {
		delete(e.disabledServers, serverName)
	} else {
		e.disabledServers[serverName] = true
	}
	e.mu.Unlock()
}

// IsEnabled reports whether serverName is currently enabled; absent servers
// default to enabled.
func (e *Engine) IsEnabled(serverName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.disabledServers[serverName]
}

// RemoveServer evicts every tool belonging to serverName from the index,
// matching the removeServer invariant of spec.md §8 ("no ... Discovery
// Engine entry referring to it remains after the operation returns").
func (e *Engine) RemoveServer(serverName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.removeServerLocked(serverName)
	delete(e.disabledServers, serverName)
	return err
}

func (e *Engine) removeServerLocked(serverName string) error {
	for full, r := range e.records {
		if r.ServerName != serverName {
			continue
		}
		if err := e.index.Delete(full); err != nil {
			return fmt.Errorf("delete tool %s: %w", full, err)
		}
		delete(e.records, full)
	}
	delete(e.healthy, serverName)
	delete(e.seenAt, serverName)
	return nil
}

// QueryOptions bounds a Query call.
type QueryOptions struct {
	Limit     int
	Offset    int
	MCPFilter string // restrict to one serverName, "" for no filter
	MinScore  float64
}

// Query answers a ranked semantic search over the index, combining bleve's
// relevance score with token overlap, a health penalty, and a recency boost.
// An empty q matches every indexed tool (full listing); MinScore is not
// applied to it.
func (e *Engine) Query(q string, opts QueryOptions) ([]Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var bleveQuery query.Query
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		bleveQuery = bleve.NewMatchAllQuery()
	} else {
		mq := bleve.NewMatchQuery(trimmed)
		mq.SetField("description")
		tq := bleve.NewMatchQuery(trimmed)
		tq.SetField("toolName")
		bleveQuery = bleve.NewDisjunctionQuery(mq, tq)
	}

	req := bleve.NewSearchRequestOptions(bleveQuery, len(e.records)+1, 0, false)
	req.Fields = []string{"*"}
	searchResult, err := e.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		record, ok := e.records[hit.ID]
		if !ok {
			continue
		}
		if opts.MCPFilter != "" && record.ServerName != opts.MCPFilter {
			continue
		}
		if e.disabledServers[record.ServerName] {
			continue
		}

		score := e.rank(hit.Score, trimmed, record)
		if trimmed != "" && score < opts.MinScore {
			continue
		}
		record.Healthy = e.healthy[record.ServerName]
		results = append(results, Result{Record: record, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Stable lexicographic tie-break (spec.md §8 invariant).
		return results[i].Record.FullName() < results[j].Record.FullName()
	})

	start := opts.Offset
	if start > len(results) {
		start = len(results)
	}
	end := len(results)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return results[start:end], nil
}

// rank combines bleve's relevance score with the custom signals bleve alone
// doesn't express.
func (e *Engine) rank(bleveScore float64, q string, record domain.ToolRecord) float64 {
	score := bleveScore
	score += tokenOverlap(q, record.Description) * 0.25

	if !e.healthy[record.ServerName] {
		score *= 0.5
	}

	if seen, ok := e.seenAt[record.ServerName]; ok {
		age := time.Since(seen)
		if age < time.Minute {
			score += 0.05 * (1 - float64(age)/float64(time.Minute))
		}
	}
	return score
}

func tokenOverlap(q, text string) float64 {
	if q == "" {
		return 0
	}
	qTokens := strings.Fields(strings.ToLower(q))
	textLower := strings.ToLower(text)
	if len(qTokens) == 0 {
		return 0
	}
	var hits int
	for _, tok := range qTokens {
		if strings.Contains(textLower, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// Stats describes the current index for diagnostics and the indexingProgress
// signal surfaced while downstreams are still connecting (spec.md §8 edge
// case "Discovery before readiness").
type Stats struct {
	ToolCount   int
	ServerCount int
}

// GetStats returns the current index size.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{ToolCount: len(e.records), ServerCount: len(e.healthy)}
}

// TriggerBackgroundReindex coalesces concurrent reindex requests: at most
// one rebuild runs at a time, and at most one more is queued to run
// immediately after — matching spec.md §8's invariant "for every burst of K
// calls during reindex R, exactly one rebuild R' follows R."
func (e *Engine) TriggerBackgroundReindex(rebuild func()) {
	e.rebuildMu.Lock()
	if e.rebuilding {
		e.queuedAgain = true
		e.rebuildMu.Unlock()
		return
	}
	e.rebuilding = true
	e.rebuildMu.Unlock()

	go e.runReindexLoop(rebuild)
}

func (e *Engine) runReindexLoop(rebuild func()) {
	for {
		rebuild()

		e.rebuildMu.Lock()
		if !e.queuedAgain {
			e.rebuilding = false
			e.rebuildMu.Unlock()
			return
		}
		e.queuedAgain = false
		e.rebuildMu.Unlock()
	}
}
