// Package mcpmgr maintains one long-lived client session per upstream Model
// Context Protocol (MCP) server. It layers an explicit connection state
// machine, bounded connect retries with exponential backoff, background
// reconnection, and capability discovery on top of the
// modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - Manager is the pool. Construct it with NewManager, then call
//     ConnectToServer / ConnectAll, or set ManagerOptions.AutoConnect.
//   - ServerConfig is a closed set of transport descriptors:
//     StdioServerConfig, HTTPServerConfig (streamable HTTP with SSE fallback)
//     and CustomServerConfig (caller supplied mcp.Transport, handy for
//     in-process upstreams).
//   - State tracks each upstream through Disconnected → Connecting → Ready →
//     Failed → Connecting. Ready never moves straight to Disconnected; every
//     disconnect passes through Failed so the reconnect path is taken.
//
// Once a server is Ready, CallTool, GetPrompt and ReadResource forward
// requests over its session. Calls against a server that is not Ready fail
// fast with ErrUpstreamUnavailable. Observers registered with OnStateChange,
// OnCapabilitiesChanged and OnProgress receive lifecycle events, refreshed
// capability snapshots and upstream progress notifications.
//
// The capability policy decides what happens to a server's cached tools,
// prompts and resources while it is down: StaleButAvailable (the default)
// keeps them until a replacement discovery completes, FailClosed publishes
// an empty snapshot as soon as the session is lost.
package mcpmgr
