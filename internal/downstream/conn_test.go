package downstream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/domain"
	"github.com/portel-dev/ncp/internal/tests/server2"
)

const (
	testPort = "8099"
	testAddr = "http://localhost:8099/mcp"
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

func TestConnectAndListTools(t *testing.T) {
	def := &config.ServerDefinition{Name: "demo", Transport: config.TransportHTTP, URL: testAddr}
	c := New(def, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, domain.ClientIdentity{Name: "test-client", Version: "1.0"}))
	require.Equal(t, StateReady, c.State())

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, tools.Tools)

	require.NoError(t, c.Close())
	require.Equal(t, StateDisconnected, c.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	def := &config.ServerDefinition{Name: "demo", Transport: config.TransportHTTP, URL: testAddr}
	c := New(def, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx, domain.ClientIdentity{}))
	require.NoError(t, c.Connect(ctx, domain.ClientIdentity{}))
	require.NoError(t, c.Close())
}

func TestCallToolReturnsResult(t *testing.T) {
	def := &config.ServerDefinition{Name: "demo", Transport: config.TransportHTTP, URL: testAddr}
	c := New(def, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, domain.ClientIdentity{}))
	defer c.Close()

	req := mcp.CallToolRequest{}
	req.Params.Name = "hello_world"
	req.Params.Arguments = map[string]any{"name": "ncp"}

	res, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestListToolsBeforeConnectFails(t *testing.T) {
	def := &config.ServerDefinition{Name: "demo", Transport: config.TransportHTTP, URL: testAddr}
	c := New(def, nil)

	_, err := c.ListTools(context.Background())
	require.Error(t, err)
}

func TestDegradedCallbackFiresOnTransitions(t *testing.T) {
	def := &config.ServerDefinition{Name: "demo", Transport: config.TransportHTTP, URL: testAddr}
	c := New(def, nil)

	var transitions []bool
	c.OnDegraded(func(degraded bool) { transitions = append(transitions, degraded) })

	c.markDegraded()
	require.Equal(t, StateDegraded, c.State())
	c.markDegraded() // already degraded: no duplicate callback
	c.clearDegraded()
	c.clearDegraded() // already clear: no duplicate callback

	require.Equal(t, []bool{true, false}, transitions)
}

func TestUnknownTransportFails(t *testing.T) {
	def := &config.ServerDefinition{Name: "bad", Transport: "carrier-pigeon"}
	c := New(def, nil)

	err := c.Connect(context.Background(), domain.ClientIdentity{})
	require.Error(t, err)
	require.Equal(t, StateDisconnected, c.State())
}
