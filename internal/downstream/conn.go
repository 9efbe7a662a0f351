// Package downstream implements the MCP Client Transport: the per-server
// connection object that speaks MCP to one downstream, over either a
// spawned stdio child process or an HTTP/SSE endpoint.
package downstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/portel-dev/ncp/internal/config"
	"github.com/portel-dev/ncp/internal/domain"
	"github.com/portel-dev/ncp/pkg/credentials"
	"github.com/portel-dev/ncp/pkg/ncperrors"
)

// State is the connection lifecycle described in spec.md §4.2/§4.4:
// Disconnected -> Connecting -> Initialized -> Ready <-> Degraded ->
// Closing -> Disconnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateInitialized  State = "initialized"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateClosing      State = "closing"
)

// clientName/clientVersion identify NCP itself to downstreams before the
// upstream client's identity has been captured (e.g. during validation
// connects that happen before the first upstream initialize).
const (
	clientName    = "ncp"
	clientVersion = "0.1.0"
)

// NotificationFunc handles a raw JSON-RPC notification forwarded from a
// downstream, e.g. notifications/tools/list_changed.
type NotificationFunc func(mcp.JSONRPCNotification)

// ConnectionLostFunc is invoked when a downstream connection drops outside
// of an explicit Close call.
type ConnectionLostFunc func(err error)

// DegradedFunc is invoked whenever the connection's degraded flag flips,
// feeding the Health Supervisor's StateDegraded/StateHealthy transitions.
// The flag is set by the first call that fails or times out and cleared by
// the next successful call; no count of timeouts or successes within a
// window is kept.
type DegradedFunc func(degraded bool)

// Conn is one downstream MCP connection, unifying the stdio and http
// transports behind a single lifecycle and callback surface. Grounded on
// upstream.MCPServer (internal/broker/upstream/mcp.go) and
// Jint8888-Pocket-Omega/internal/mcp/client.go for the stdio client shape.
type Conn struct {
	Def *config.ServerDefinition

	mu     sync.RWMutex
	state  State
	client *client.Client
	init   *mcp.InitializeResult

	log *slog.Logger

	degraded atomic.Bool

	onNotification   NotificationFunc
	onConnectionLost ConnectionLostFunc
	onDegraded       DegradedFunc
}

// New creates a Conn for def, initially Disconnected.
func New(def *config.ServerDefinition, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		Def:   def,
		state: StateDisconnected,
		log:   log.With("server", def.Name, "transport", def.Transport),
	}
}

// OnNotification registers the handler invoked for every notification the
// downstream sends after connecting.
func (c *Conn) OnNotification(fn NotificationFunc) {
	c.mu.Lock()
	c.onNotification = fn
	c.mu.Unlock()
}

// OnConnectionLost registers the handler invoked when the downstream
// connection drops unexpectedly.
func (c *Conn) OnConnectionLost(fn ConnectionLostFunc) {
	c.mu.Lock()
	c.onConnectionLost = fn
	c.mu.Unlock()
}

// OnDegraded registers the handler invoked when the connection's degraded
// flag flips, so a caller can forward it to the Health Supervisor.
func (c *Conn) OnDegraded(fn DegradedFunc) {
	c.mu.Lock()
	c.onDegraded = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the downstream and performs the MCP initialize handshake,
// forwarding identity verbatim (spec.md §4.2). A no-op if already connected.
func (c *Conn) Connect(ctx context.Context, identity domain.ClientIdentity) error {
	c.mu.RLock()
	already := c.client != nil
	c.mu.RUnlock()
	if already {
		return nil
	}
	c.setState(StateConnecting)

	cl, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		return ncperrors.Wrap(ncperrors.KindUnhealthy, "dial downstream "+c.Def.Name, err)
	}

	if err := cl.Start(ctx); err != nil {
		c.setState(StateDisconnected)
		return ncperrors.Wrap(ncperrors.KindUnhealthy, "start downstream client "+c.Def.Name, err)
	}

	name, version := clientName, clientVersion
	if identity.Name != "" {
		name, version = identity.Name, identity.Version
	}

	initResp, err := cl.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    name,
				Version: version,
			},
		},
	})
	if err != nil {
		_ = cl.Close()
		c.setState(StateDisconnected)
		return ncperrors.Wrap(ncperrors.KindProtocolError, "initialize downstream "+c.Def.Name, err)
	}

	cl.OnNotification(func(n mcp.JSONRPCNotification) {
		c.mu.RLock()
		fn := c.onNotification
		c.mu.RUnlock()
		if fn != nil {
			fn(n)
		}
	})
	cl.OnConnectionLost(func(err error) {
		c.log.Error("downstream connection lost", "error", err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.client = nil
		fn := c.onConnectionLost
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})

	c.mu.Lock()
	c.client = cl
	c.init = initResp
	c.mu.Unlock()
	c.setState(StateInitialized)
	c.setState(StateReady)
	return nil
}

func (c *Conn) dial() (*client.Client, error) {
	switch c.Def.Transport {
	case config.TransportStdio:
		return client.NewStdioMCPClient(c.Def.Command, envSlice(c.Def.Env), c.Def.Args...)
	case config.TransportHTTP:
		headers, err := c.buildHeaders()
		if err != nil {
			return nil, err
		}
		return client.NewStreamableHttpClient(c.Def.URL,
			transport.WithContinuousListening(),
			transport.WithHTTPHeaders(headers),
		)
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Def.Transport)
	}
}

func (c *Conn) buildHeaders() (map[string]string, error) {
	headers := map[string]string{"user-agent": "ncp"}
	if c.Def.Auth == config.AuthNone || c.Def.Auth == "" {
		return headers, nil
	}

	cred, err := credentials.Get(credentials.DefaultDir, c.Def.CredentialName)
	if err != nil {
		return nil, err
	}
	if cred == "" {
		return headers, nil
	}

	switch c.Def.Auth {
	case config.AuthBearer, config.AuthOAuth:
		headers["Authorization"] = "Bearer " + cred
	case config.AuthBasic:
		headers["Authorization"] = "Basic " + cred
	}
	return headers, nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// ListTools fetches the downstream's current tool set.
func (c *Conn) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	cl, err := c.activeClient()
	if err != nil {
		return nil, err
	}
	res, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.markDegraded()
		return nil, ncperrors.Wrap(ncperrors.KindInvocationFailed, "list tools on "+c.Def.Name, err)
	}
	return res, nil
}

// CallTool invokes a tool on this downstream.
func (c *Conn) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cl, err := c.activeClient()
	if err != nil {
		return nil, err
	}
	res, err := cl.CallTool(ctx, req)
	if err != nil {
		c.markDegraded()
		if ctx.Err() != nil {
			return nil, ncperrors.Wrap(ncperrors.KindTimeout, "call tool on "+c.Def.Name, err)
		}
		return nil, ncperrors.Wrap(ncperrors.KindInvocationFailed, "call tool on "+c.Def.Name, err)
	}
	c.clearDegraded()
	return res, nil
}

func (c *Conn) activeClient() (*client.Client, error) {
	c.mu.RLock()
	cl := c.client
	st := c.state
	c.mu.RUnlock()
	if cl == nil || st == StateDisconnected || st == StateClosing {
		return nil, ncperrors.New(ncperrors.KindUnhealthy, "downstream "+c.Def.Name+" is not connected")
	}
	return cl, nil
}

func (c *Conn) markDegraded() {
	if c.degraded.CompareAndSwap(false, true) {
		c.setState(StateDegraded)
		c.mu.RLock()
		fn := c.onDegraded
		c.mu.RUnlock()
		if fn != nil {
			fn(true)
		}
	}
}

func (c *Conn) clearDegraded() {
	if c.degraded.CompareAndSwap(true, false) {
		c.mu.Lock()
		if c.state == StateDegraded {
			c.state = StateReady
		}
		c.mu.Unlock()
		c.mu.RLock()
		fn := c.onDegraded
		c.mu.RUnlock()
		if fn != nil {
			fn(false)
		}
	}
}

// Close closes the underlying mcp-go client and leaves the Conn
// Disconnected. How the transport itself ends (the stdio child process, the
// http stream) is up to that client's Close; no grace period or
// SIGTERM/SIGKILL escalation is applied here. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	cl := c.client
	c.state = StateClosing
	c.client = nil
	c.mu.Unlock()

	if cl == nil {
		c.setState(StateDisconnected)
		return nil
	}
	err := cl.Close()
	c.setState(StateDisconnected)
	return err
}
