package orchestrator

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portel-dev/ncp/internal/cache"
	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/discovery"
	"github.com/portel-dev/ncp/internal/health"
	"github.com/portel-dev/ncp/internal/scheduler"
	"github.com/portel-dev/ncp/internal/state"
	"github.com/portel-dev/ncp/internal/tests/server2"
	"github.com/portel-dev/ncp/pkg/ncperrors"
)

const (
	testPort = "8098"
	testAddr = "http://localhost:8098/mcp"
)

func TestMain(m *testing.M) {
	startFunc, shutdownFunc, err := server2.RunServer("http", testPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server setup error: %v\n", err)
		os.Exit(1)
	}
	go func() { _ = startFunc() }()
	time.Sleep(100 * time.Millisecond)

	code := m.Run()
	_ = shutdownFunc()
	os.Exit(code)
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()

	store, err := config.NewStore(dir, nil)
	require.NoError(t, err)

	toolCache, err := cache.New(dir, nil)
	require.NoError(t, err)

	engine, err := discovery.New()
	require.NoError(t, err)

	supervisor := health.New(nil)
	states := state.New(nil)

	o := New(store, toolCache, engine, supervisor, states, nil, nil)

	sched, err := scheduler.New(dir, o, nil, nil)
	require.NoError(t, err)
	o.AttachScheduler(sched)

	return o
}

func seedProfile(t *testing.T, o *Orchestrator, profile string, def *config.ServerDefinition) {
	t.Helper()
	require.NoError(t, o.store.AddServer(profile, def))
}

func TestInitializeUnknownProfileFails(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.Initialize(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestInitializeConnectsEnabledServersAndFindSeesThem(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})

	require.NoError(t, o.Initialize(context.Background(), "dev"))

	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRunInvokesDownstreamTool(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))

	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	res, err := o.Run(context.Background(), "demo", "hello_world", map[string]interface{}{"name": "ncp"}, RunOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestFindWithZeroLimitReturnsEmptyPageWithTotal(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))
	require.Eventually(t, func() bool {
		return o.Find("", FindOptions{Limit: 50}).Pagination.TotalResults > 0
	}, 3*time.Second, 20*time.Millisecond)

	full := o.Find("", FindOptions{Limit: 50})
	zero := o.Find("", FindOptions{Limit: 0})

	require.Empty(t, zero.Tools)
	require.Equal(t, 0, zero.Pagination.ResultsInPage)
	require.Equal(t, full.Pagination.TotalResults, zero.Pagination.TotalResults)
	require.Greater(t, zero.Pagination.TotalResults, 0)
}

func TestRunRejectsArgsFailingCachedSchema(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))
	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	_, err := o.Run(context.Background(), "demo", "hello_world", map[string]interface{}{}, RunOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	require.True(t, ncperrors.IsKind(err, ncperrors.KindValidationFailed))
}

func TestSetServerEnabledRoundTripHidesAndRestoresTools(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))
	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50, MCPFilter: "demo"}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, o.SetServerEnabled("dev", "demo", false))
	require.Empty(t, o.Find("", FindOptions{Limit: 50, MCPFilter: "demo"}).Tools)

	require.NoError(t, o.SetServerEnabled("dev", "demo", true))
	require.NotEmpty(t, o.Find("", FindOptions{Limit: 50, MCPFilter: "demo"}).Tools)
}

func TestIndexInternalToolsMakesScheduleFindableAndDisableable(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.IndexInternalTools())

	require.NotEmpty(t, o.Find("cron", FindOptions{Limit: 50, MCPFilter: "schedule"}).Tools)

	require.NoError(t, o.SetServerEnabled("dev", "schedule", false))
	require.Empty(t, o.Find("", FindOptions{Limit: 50, MCPFilter: "schedule"}).Tools)

	require.NoError(t, o.SetServerEnabled("dev", "schedule", true))
	require.NotEmpty(t, o.Find("", FindOptions{Limit: 50, MCPFilter: "schedule"}).Tools)
}

func TestRunUnknownServerReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Run(context.Background(), "ghost", "tool", nil, RunOptions{})
	require.Error(t, err)
	require.True(t, ncperrors.IsKind(err, ncperrors.KindNotFound))
}

func TestAddServerThenFindSeesIt(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.store.Save(&config.Profile{Name: "dev", MCPServers: map[string]*config.ServerDefinition{}}))

	err := o.AddServer("dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	servers, err := o.ListServers("dev")
	require.NoError(t, err)
	require.Len(t, servers, 1)
}

func TestAddServerRollsBackOnConnectFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.store.Save(&config.Profile{Name: "dev", MCPServers: map[string]*config.ServerDefinition{}}))

	err := o.AddServer("dev", &config.ServerDefinition{
		Name:      "unreachable",
		Transport: config.TransportHTTP,
		URL:       "http://localhost:1/mcp",
		Enabled:   true,
	})
	require.Error(t, err)

	servers, lerr := o.ListServers("dev")
	require.NoError(t, lerr)
	require.Empty(t, servers)
}

func TestRemoveServerClearsDiscoveryAndHealth(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))
	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, o.RemoveServer("dev", "demo"))
	require.Empty(t, o.Find("", FindOptions{Limit: 50}).Tools)
}

func TestShutdownClosesDownstreamsWithinDeadline(t *testing.T) {
	o := newTestOrchestrator(t)
	seedProfile(t, o, "dev", &config.ServerDefinition{
		Name:      "demo",
		Transport: config.TransportHTTP,
		URL:       testAddr,
		Enabled:   true,
	})
	require.NoError(t, o.Initialize(context.Background(), "dev"))
	require.Eventually(t, func() bool {
		return len(o.Find("", FindOptions{Limit: 50}).Tools) > 0
	}, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
}

func TestSetClientInfoIsReadBeforeNextConnect(t *testing.T) {
	o := newTestOrchestrator(t)
	o.SetClientInfo("upstream-client", "9.9.9")
	identity := o.clientIdentity()
	require.Equal(t, "upstream-client", identity.Name)
	require.Equal(t, "9.9.9", identity.Version)
}
