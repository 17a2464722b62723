package mcpgateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

// fakeUpstreams is an Upstreams whose servers answer through handler funcs.
type fakeUpstreams struct {
	mu     sync.Mutex
	states map[string]mcpmgr.State
	caps   map[string]*mcpmgr.Capabilities
	calls  []upstreamCall

	callTool     func(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	getPrompt    func(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	readResource func(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)

	capObservers      []func(string, *mcpmgr.Capabilities)
	progressObservers []mcpmgr.ProgressHandler
	stateObservers    []func(mcpmgr.StateChange)
}

type upstreamCall struct {
	server string
	method string
	name   string
}

func newFakeUpstreams() *fakeUpstreams {
	return &fakeUpstreams{
		states: make(map[string]mcpmgr.State),
		caps:   make(map[string]*mcpmgr.Capabilities),
	}
}

// addServer registers a Ready server exposing tools.
func (f *fakeUpstreams) addServer(id string, tools ...string) *fakeUpstreams {
	caps := &mcpmgr.Capabilities{}
	for _, name := range tools {
		caps.Tools = append(caps.Tools, &mcp.Tool{Name: name, InputSchema: map[string]any{"type": "object"}})
	}
	f.mu.Lock()
	f.states[id] = mcpmgr.StateReady
	f.caps[id] = caps
	f.mu.Unlock()
	return f
}

func (f *fakeUpstreams) ListServers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeUpstreams) State(serverID string) mcpmgr.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[serverID]; ok {
		return st
	}
	return mcpmgr.StateDisconnected
}

func (f *fakeUpstreams) Capabilities(serverID string) *mcpmgr.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps[serverID]
}

func (f *fakeUpstreams) record(server, method, name string) {
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{server: server, method: method, name: name})
	f.mu.Unlock()
}

func (f *fakeUpstreams) recorded() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func (f *fakeUpstreams) CallTool(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.record(serverID, methodToolsCall, params.Name)
	if f.callTool != nil {
		return f.callTool(ctx, serverID, params)
	}
	return textResult(serverID + ":" + params.Name), nil
}

func (f *fakeUpstreams) GetPrompt(ctx context.Context, serverID string, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	f.record(serverID, methodPromptsGet, params.Name)
	if f.getPrompt != nil {
		return f.getPrompt(ctx, serverID, params)
	}
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeUpstreams) ReadResource(ctx context.Context, serverID string, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	f.record(serverID, methodResourcesRead, params.URI)
	if f.readResource != nil {
		return f.readResource(ctx, serverID, params)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: params.URI, Text: serverID}}}, nil
}

func (f *fakeUpstreams) OnStateChange(fn func(mcpmgr.StateChange)) {
	f.mu.Lock()
	f.stateObservers = append(f.stateObservers, fn)
	f.mu.Unlock()
}

func (f *fakeUpstreams) OnCapabilitiesChanged(fn func(string, *mcpmgr.Capabilities)) {
	f.mu.Lock()
	f.capObservers = append(f.capObservers, fn)
	f.mu.Unlock()
}

func (f *fakeUpstreams) OnProgress(fn mcpmgr.ProgressHandler) {
	f.mu.Lock()
	f.progressObservers = append(f.progressObservers, fn)
	f.mu.Unlock()
}

func (f *fakeUpstreams) setCapabilities(serverID string, caps *mcpmgr.Capabilities) {
	f.mu.Lock()
	f.caps[serverID] = caps
	observers := append(([]func(string, *mcpmgr.Capabilities))(nil), f.capObservers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(serverID, caps)
	}
}

func (f *fakeUpstreams) setState(serverID string, to mcpmgr.State) {
	f.mu.Lock()
	from := f.states[serverID]
	f.states[serverID] = to
	observers := append(([]func(mcpmgr.StateChange))(nil), f.stateObservers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(mcpmgr.StateChange{ServerID: serverID, From: from, To: to, At: time.Now()})
	}
}

func (f *fakeUpstreams) emitProgress(serverID string, params *mcp.ProgressNotificationParams) {
	f.mu.Lock()
	observers := append([]mcpmgr.ProgressHandler(nil), f.progressObservers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(serverID, params)
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, up Upstreams, opts *Options) *Gateway {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	g, err := New(up, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// streamClient drives a gateway stream connection through pipes.
type streamClient struct {
	t        *testing.T
	in       *io.PipeWriter
	messages chan jsonrpc.Message
	done     chan error
}

func startStream(t *testing.T, g *Gateway) *streamClient {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	c := &streamClient{
		t:        t,
		in:       inW,
		messages: make(chan jsonrpc.Message, 64),
		done:     make(chan error, 1),
	}
	before := g.Sessions().Len()
	go func() {
		err := g.ServeConn(ctx, inR, outW)
		_ = outW.Close()
		c.done <- err
	}()
	go func() {
		defer close(c.messages)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)
		for scanner.Scan() {
			msg, err := decodeTestMessage(scanner.Bytes())
			if err != nil {
				t.Errorf("gateway wrote undecodable message %q: %v", scanner.Text(), err)
				continue
			}
			c.messages <- msg
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = inR.Close()
	})
	// Broadcasts only reach registered sessions.
	waitUntil(t, "stream session registered", func() bool { return g.Sessions().Len() > before })
	return c
}

// decodeTestMessage also accepts error replies with a null id, which
// jsonrpc.DecodeMessage rejects.
func decodeTestMessage(data []byte) (jsonrpc.Message, error) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err == nil {
		return msg, nil
	}
	var wire struct {
		ID    json.RawMessage `json:"id"`
		Error *jsonrpc.Error  `json:"error"`
	}
	if jErr := json.Unmarshal(data, &wire); jErr != nil || wire.Error == nil || string(wire.ID) != "null" {
		return nil, err
	}
	return &jsonrpc.Response{Error: wire.Error}, nil
}

func (c *streamClient) sendRaw(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.in, line+"\n")
	require.NoError(c.t, err)
}

func (c *streamClient) request(id any, method string, params any) {
	c.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *streamClient) notify(method string, params any) {
	c.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *streamClient) next() jsonrpc.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.messages:
		require.True(c.t, ok, "stream closed")
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for gateway message")
		return nil
	}
}

func (c *streamClient) response() *jsonrpc.Response {
	c.t.Helper()
	for {
		if resp, ok := c.next().(*jsonrpc.Response); ok {
			return resp
		}
	}
}

// expectSilence fails if the gateway writes anything within d.
func (c *streamClient) expectSilence(d time.Duration) {
	c.t.Helper()
	select {
	case msg, ok := <-c.messages:
		if ok {
			c.t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(d):
	}
}

// closed waits for ServeConn to return.
func (c *streamClient) closed() error {
	c.t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(3 * time.Second):
		c.t.Fatalf("connection still open")
		return nil
	}
}

func wireErr(t *testing.T, resp *jsonrpc.Response) (*jsonrpc.Error, errorData) {
	t.Helper()
	require.Error(t, resp.Error, "expected error response")
	var wire *jsonrpc.Error
	require.ErrorAs(t, resp.Error, &wire)
	var data errorData
	if len(wire.Data) > 0 {
		require.NoError(t, json.Unmarshal(wire.Data, &data))
	}
	return wire, data
}

func toolText(t *testing.T, resp *jsonrpc.Response) string {
	t.Helper()
	require.NoError(t, resp.Error)
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.NotEmpty(t, res.Content)
	return res.Content[0].Text
}

func idOf(resp *jsonrpc.Response) string {
	return fmt.Sprintf("%T:%v", resp.ID.Raw(), resp.ID.Raw())
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, what)
}
