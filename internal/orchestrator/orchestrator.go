// Package orchestrator implements the Orchestrator Core: the single owner
// of every other subsystem, exposing the public contract of spec.md §4.1.
// Grounded on mcpBrokerImpl (internal/broker/broker.go) as "the thing that
// owns everything and wires callbacks between the pieces," generalized from
// one flat struct with direct field access to explicit one-way dependency
// injection (spec.md §9 Design Note on cyclic ownership).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/portel-dev/ncp/internal/cache"
	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/discovery"
	"github.com/portel-dev/ncp/internal/domain"
	"github.com/portel-dev/ncp/internal/downstream"
	"github.com/portel-dev/ncp/internal/health"
	"github.com/portel-dev/ncp/internal/internalmcp"
	"github.com/portel-dev/ncp/internal/scheduler"
	"github.com/portel-dev/ncp/internal/state"
	"github.com/portel-dev/ncp/pkg/ncperrors"
)

// internalHostNames are the virtual "servers" the internal MCP hosts are
// indexed under, distinct from any downstream ServerDefinition and never
// persisted to the Profile Store.
var internalHostNames = map[string]bool{"mcp": true, "schedule": true}

// FindOptions bounds a find() call, per spec.md §4.1.
type FindOptions struct {
	Limit               int
	Page                int
	ConfidenceThreshold float64
	MCPFilter           string
	Depth               int
}

// IndexingProgress is attached to a FindResult when the Discovery Engine is
// still catching up to every known server.
type IndexingProgress struct {
	Current int
	Total   int
}

// Pagination describes find()'s paging contract, per spec.md §4.1/§8: a
// limit of 0 returns an empty page while still reporting the true total.
type Pagination struct {
	TotalResults  int `json:"totalResults"`
	ResultsInPage int `json:"resultsInPage"`
}

// FindResult is the paged response to find().
type FindResult struct {
	Tools            []domain.ToolRecord `json:"tools"`
	Pagination       Pagination          `json:"pagination"`
	IndexingProgress *IndexingProgress   `json:"indexingProgress,omitempty"`
}

// RunOptions bounds a run() call.
type RunOptions struct {
	Timeout time.Duration
	Retry   int
}

// Orchestrator owns the Profile Store, Tool Cache, Discovery Engine, Health
// Supervisor, State Manager, the pool of downstream connections, and the
// Scheduler.
type Orchestrator struct {
	mu sync.RWMutex

	store   *config.Store
	cache   *cache.Cache
	engine  *discovery.Engine
	health  *health.Supervisor
	states  *state.Manager
	sched   *scheduler.Scheduler

	conns map[string]*downstream.Conn // server name -> connection

	profile  string
	identity domain.ClientIdentity

	expectedServers int

	log *slog.Logger
}

// New wires an Orchestrator from its already-constructed subsystems. Each
// subsystem is injected once and never reaches back into the Orchestrator,
// breaking the cyclic ownership the teacher's flat struct allowed.
func New(store *config.Store, toolCache *cache.Cache, engine *discovery.Engine, supervisor *health.Supervisor, states *state.Manager, sched *scheduler.Scheduler, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:  store,
		cache:  toolCache,
		engine: engine,
		health: supervisor,
		states: states,
		sched:  sched,
		conns:  make(map[string]*downstream.Conn),
		log:    log.With("component", "orchestrator.Orchestrator"),
	}
	supervisor.OnStateChanged(func(name string, from, to domain.ServerState) {
		engine.SetHealthy(name, to == domain.StateHealthy)
	})
	return o
}

// Initialize loads profile, seeds the Discovery Engine from the Tool Cache
// immediately (so find works before any network work), and starts
// connecting every enabled server in the background.
func (o *Orchestrator) Initialize(ctx context.Context, profile string) error {
	p, err := o.store.Get(profile)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.profile = profile
	o.expectedServers = len(p.MCPServers)
	o.mu.Unlock()

	for name, def := range p.MCPServers {
		if !def.Enabled {
			continue
		}
		o.seedFromCache(def)
		go o.connectAndDiscover(context.Background(), name, def)
	}
	return nil
}

func (o *Orchestrator) seedFromCache(def *config.ServerDefinition) {
	digest := config.Digest(def)
	entry, ok := o.cache.Get(digest)
	if !ok {
		return
	}
	if err := o.engine.Upsert(def.Name, entry.ToolsSnapshot, false); err != nil {
		o.log.Warn("seed from cache failed", "server", def.Name, "error", err)
	}
}

// AttachScheduler wires sched after construction, breaking the
// Orchestrator/Scheduler cycle: the Scheduler needs the Orchestrator as its
// Invoker, and the Orchestrator needs the Scheduler to implement
// ScheduleHost, so neither can be fully built before the other exists.
func (o *Orchestrator) AttachScheduler(sched *scheduler.Scheduler) {
	o.mu.Lock()
	o.sched = sched
	o.mu.Unlock()
}

// SetClientInfo updates the identity forwarded to every downstream on
// future connects. Per spec.md §4.2, this MUST NOT retroactively
// reinitialize already-connected servers.
func (o *Orchestrator) SetClientInfo(name, version string) {
	o.mu.Lock()
	o.identity = domain.ClientIdentity{Name: name, Version: version}
	o.mu.Unlock()
}

func (o *Orchestrator) clientIdentity() domain.ClientIdentity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.identity
}

func (o *Orchestrator) connectAndDiscover(ctx context.Context, name string, def *config.ServerDefinition) {
	conn := downstream.New(def, o.log)
	conn.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/tools/list_changed" {
			o.engine.TriggerBackgroundReindex(func() { o.refreshTools(context.Background(), name, conn, def) })
		}
	})
	conn.OnConnectionLost(func(err error) {
		o.health.SetState(name, domain.StateUnhealthy)
		go o.health.Reconnect(ctx, name, func(ctx context.Context) error {
			return conn.Connect(ctx, o.clientIdentity())
		})
	})
	conn.OnDegraded(func(degraded bool) {
		if degraded {
			o.health.SetState(name, domain.StateDegraded)
		} else {
			o.health.SetState(name, domain.StateHealthy)
		}
	})

	o.mu.Lock()
	o.conns[name] = conn
	o.mu.Unlock()

	o.health.SetState(name, domain.StateStarting)
	if err := conn.Connect(ctx, o.clientIdentity()); err != nil {
		o.log.Warn("initial connect failed, retrying with backoff", "server", name, "error", err)
		o.health.SetState(name, domain.StateUnhealthy)
		if rerr := o.health.Reconnect(ctx, name, func(ctx context.Context) error {
			return conn.Connect(ctx, o.clientIdentity())
		}); rerr != nil {
			return
		}
	}

	o.refreshTools(ctx, name, conn, def)
}

func (o *Orchestrator) refreshTools(ctx context.Context, name string, conn *downstream.Conn, def *config.ServerDefinition) {
	res, err := conn.ListTools(ctx)
	if err != nil {
		o.log.Warn("list tools failed", "server", name, "error", err)
		return
	}

	records := make([]domain.ToolRecord, 0, len(res.Tools))
	for _, tl := range res.Tools {
		schema, _ := toSchemaMap(tl)
		records = append(records, domain.ToolRecord{
			ServerName:  name,
			ToolName:    tl.Name,
			Description: tl.Description,
			InputSchema: schema,
			Healthy:     true,
		})
	}

	healthy := o.health.State(name) != domain.StateUnhealthy
	if err := o.engine.Upsert(name, records, healthy); err != nil {
		o.log.Warn("index update failed", "server", name, "error", err)
	}
	o.health.SetState(name, domain.StateHealthy)

	digest := config.Digest(def)
	_ = o.cache.Put(digest, &domain.CacheEntry{
		ServerName:      name,
		ToolsSnapshot:   records,
		CapturedAt:      time.Now(),
		LastSeenHealthy: time.Now(),
	})
}

func toSchemaMap(tl mcp.Tool) (map[string]interface{}, error) {
	schema := map[string]interface{}{}
	if tl.InputSchema.Type != "" {
		schema["type"] = tl.InputSchema.Type
	}
	if tl.InputSchema.Properties != nil {
		schema["properties"] = tl.InputSchema.Properties
	}
	if len(tl.InputSchema.Required) > 0 {
		required := make([]interface{}, len(tl.InputSchema.Required))
		for i, r := range tl.InputSchema.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	return schema, nil
}

// Find answers a ranked semantic tool query, always returning results even
// while indexing is incomplete (spec.md §4.1). A limit of 0 (or negative)
// returns an empty page while totalResults still reports the true match
// count, per spec.md §8's boundary behavior.
func (o *Orchestrator) Find(query string, opts FindOptions) FindResult {
	results, err := o.engine.Query(query, discovery.QueryOptions{
		MCPFilter: opts.MCPFilter,
		MinScore:  opts.ConfidenceThreshold,
	})
	if err != nil {
		o.log.Warn("find query failed", "error", err)
		return FindResult{}
	}

	total := len(results)
	offset := opts.Page * opts.Limit

	start := offset
	if start > total {
		start = total
	}
	end := total
	switch {
	case opts.Limit <= 0:
		end = start
	case start+opts.Limit < end:
		end = start + opts.Limit
	}
	page := results[start:end]

	tools := make([]domain.ToolRecord, len(page))
	for i, r := range page {
		tools[i] = r.Record
		if opts.Depth == 0 {
			tools[i].InputSchema = nil
		}
	}

	stats := o.engine.GetStats()
	o.mu.RLock()
	expected := o.expectedServers
	o.mu.RUnlock()

	result := FindResult{
		Tools:      tools,
		Pagination: Pagination{TotalResults: total, ResultsInPage: len(tools)},
	}
	if stats.ServerCount < expected {
		result.IndexingProgress = &IndexingProgress{Current: stats.ServerCount, Total: expected}
	}
	return result
}

// validateArgs checks args against schema (a cached domain.ToolRecord's
// InputSchema), returning a plain error on mismatch. An empty schema
// (downstream advertised none) always passes.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-schema.json", schema); err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	sch, err := compiler.Compile("tool-schema.json")
	if err != nil {
		return fmt.Errorf("compile input schema: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return sch.Validate(args)
}

// Run dispatches a tool invocation, retrying only transport-layer errors
// and timeouts, never downstream-reported tool errors (spec.md §4.1).
func (o *Orchestrator) Run(ctx context.Context, serverName, toolName string, args map[string]interface{}, opts RunOptions) (*mcp.CallToolResult, error) {
	st := o.health.State(serverName)
	if st == domain.StateUnhealthy {
		return nil, ncperrors.New(ncperrors.KindUnhealthy, "server "+serverName+" is unhealthy")
	}

	o.mu.RLock()
	conn, ok := o.conns[serverName]
	o.mu.RUnlock()
	if !ok {
		return nil, ncperrors.New(ncperrors.KindNotFound, "server "+serverName+" not found")
	}

	if record, ok := o.engine.Lookup(serverName + " " + toolName); ok {
		if err := validateArgs(record.InputSchema, args); err != nil {
			return nil, ncperrors.Wrap(ncperrors.KindValidationFailed, "validate args for "+serverName+" "+toolName, err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := opts.Retry
	if retries <= 0 {
		retries = 1
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := conn.CallTool(callCtx, req)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !ncperrors.IsKind(err, ncperrors.KindTimeout) && !ncperrors.IsKind(err, ncperrors.KindInvocationFailed) {
			return nil, err
		}
	}
	return nil, lastErr
}

// AddServer adds def to profile and connects it, rolling back on failure to
// initialize (spec.md §8 "Atomic add rollback").
func (o *Orchestrator) AddServer(profile string, def *config.ServerDefinition) error {
	return o.states.ExecuteAtomic("server", def.Name, nil, func() error {
		if err := o.store.AddServer(profile, def); err != nil {
			return err
		}
		conn := downstream.New(def, o.log)
		conn.OnDegraded(func(degraded bool) {
			if degraded {
				o.health.SetState(def.Name, domain.StateDegraded)
			} else {
				o.health.SetState(def.Name, domain.StateHealthy)
			}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Connect(ctx, o.clientIdentity()); err != nil {
			_ = o.store.RemoveServer(profile, def.Name)
			return ncperrors.Wrap(ncperrors.KindInvocationFailed, "connect new server "+def.Name, err)
		}
		o.mu.Lock()
		o.conns[def.Name] = conn
		o.mu.Unlock()
		o.refreshTools(ctx, def.Name, conn, def)
		return nil
	})
}

// RemoveServer disconnects and forgets name, clearing its cache entry,
// health state, and every Discovery Engine entry that refers to it.
func (o *Orchestrator) RemoveServer(profile, name string) error {
	return o.states.ExecuteAtomic("server", name, nil, func() error {
		o.mu.Lock()
		conn, ok := o.conns[name]
		delete(o.conns, name)
		o.mu.Unlock()
		if ok {
			_ = conn.Close()
		}

		if err := o.engine.RemoveServer(name); err != nil {
			return err
		}
		o.health.Forget(name)

		p, err := o.store.Get(profile)
		if err == nil {
			if def, ok := p.MCPServers[name]; ok {
				_ = o.cache.Invalidate(config.Digest(def))
			}
		}
		return o.store.RemoveServer(profile, name)
	})
}

// SetServerEnabled flips name's enabled flag in both the Profile Store and
// the Discovery Engine, implementing spec.md §4.3's setMCPEnabled/
// setMCPDisabled operations. Internal MCP hosts ("mcp", "schedule") have no
// profile entry, so the store update is skipped for them.
func (o *Orchestrator) SetServerEnabled(profile, name string, enabled bool) error {
	if !internalHostNames[name] {
		if err := o.store.SetEnabled(profile, name, enabled); err != nil {
			return err
		}
	}
	o.engine.SetEnabled(name, enabled)
	return nil
}

// IndexInternalTools upserts the internal MCP hosts' tool records into the
// Discovery Engine under the virtual server names "mcp" and "schedule", so
// they are discoverable via find() and can be enabled/disabled like any
// downstream (spec.md §2: "indexed like any other downstream but dispatched
// in-process").
func (o *Orchestrator) IndexInternalTools() error {
	if err := o.engine.Upsert("mcp", internalmcp.MCPIndexRecords(), true); err != nil {
		return err
	}
	return o.engine.Upsert("schedule", internalmcp.ScheduleIndexRecords(), true)
}

// ListServers returns every server definition in profile.
func (o *Orchestrator) ListServers(profile string) ([]*config.ServerDefinition, error) {
	p, err := o.store.Get(profile)
	if err != nil {
		return nil, err
	}
	out := make([]*config.ServerDefinition, 0, len(p.MCPServers))
	for _, def := range p.MCPServers {
		out = append(out, def)
	}
	return out, nil
}

// Invoke implements scheduler.Invoker, routing a scheduled task's tool name
// ("serverName toolName") through Run.
func (o *Orchestrator) Invoke(tool string, parameters map[string]interface{}, timeout time.Duration) (interface{}, error) {
	serverName, toolName, err := splitFullName(tool)
	if err != nil {
		return nil, err
	}
	res, err := o.Run(context.Background(), serverName, toolName, parameters, RunOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func splitFullName(full string) (serverName, toolName string, err error) {
	for i, r := range full {
		if r == ' ' || r == ':' {
			return full[:i], full[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("tool name %q is not in \"serverName toolName\" form", full)
}

// CreateTask, RetrieveTasks, UpdateTask, DeleteTask, and ValidateTask
// implement internalmcp.ScheduleHost by delegating to the Scheduler.
func (o *Orchestrator) CreateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error {
	return o.sched.Create(task, timing)
}

func (o *Orchestrator) RetrieveTasks(timingID string) []*scheduler.Task {
	return o.sched.Retrieve(timingID)
}

func (o *Orchestrator) UpdateTask(taskID string, patch func(*scheduler.Task)) error {
	return o.sched.Update(taskID, patch)
}

func (o *Orchestrator) DeleteTask(taskID string) error {
	return o.sched.Delete(taskID)
}

func (o *Orchestrator) ValidateTask(task *scheduler.Task, timing *scheduler.TimingGroup) error {
	return o.sched.Validate(task, timing)
}

// ServerTools exposes find and run as server.ServerTool for registration on
// the upstream-facing MCP server (spec.md §6: "The only tools advertised
// upstream are the internal management tools ... plus find and run").
func (o *Orchestrator) ServerTools() []server.ServerTool {
	return []server.ServerTool{o.findTool(), o.runTool()}
}

func (o *Orchestrator) findTool() server.ServerTool {
	tool := mcp.NewTool("find",
		mcp.WithDescription("Search for available tools across every connected MCP server"),
		mcp.WithString("query", mcp.Description("semantic search query, empty lists every tool")),
		mcp.WithNumber("limit", mcp.Description("maximum results per page")),
		mcp.WithNumber("page", mcp.Description("zero-based page index")),
		mcp.WithString("mcpFilter", mcp.Description("restrict results to one server")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result := o.Find(req.GetString("query", ""), FindOptions{
				Limit:     req.GetInt("limit", 50),
				Page:      req.GetInt("page", 0),
				MCPFilter: req.GetString("mcpFilter", ""),
				Depth:     req.GetInt("depth", 1),
			})
			return jsonToolResult(result)
		},
	}
}

func (o *Orchestrator) runTool() server.ServerTool {
	tool := mcp.NewTool("run",
		mcp.WithDescription("Invoke a tool on a connected downstream MCP server"),
		mcp.WithString("server", mcp.Required(), mcp.Description("downstream server name")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("tool name on that server")),
	)
	return server.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			serverName, err := req.RequireString("server")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			toolName, err := req.RequireString("tool")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			res, err := o.Run(ctx, serverName, toolName, req.GetArguments(), RunOptions{})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return res, nil
		},
	}
}

func jsonToolResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Shutdown stops the Scheduler's timers, closes every downstream in
// parallel, waits for those closes until ctx (the caller's SHUTDOWN_MS
// ceiling) expires, and then drops the State Manager's locks and backups.
// It does not cancel outstanding Run calls itself and does not flush the
// Tool Cache; Cache.Put already writes each entry to disk when it is made.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.sched.Stop()

	o.mu.RLock()
	conns := make([]*downstream.Conn, 0, len(o.conns))
	for _, c := range o.conns {
		conns = append(conns, c)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *downstream.Conn) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("shutdown ceiling reached before all downstreams closed")
	}

	o.states.Cleanup()
	return nil
}
