// Package mcpgateway aggregates the tools, prompts and resources of every
// upstream in an mcpmgr pool into a single MCP server. Clients connect over a
// newline-delimited JSON-RPC stream (ServeConn, ServeStdio) or over HTTP
// (Handler); the gateway resolves each call to its owning upstream,
// forwards it under the native name and routes the answer back to the
// originating session.
//
// Colliding names are qualified with the server ID: the lowest-sorted owner
// keeps the bare name and every other owner is exposed as "<server>.<name>".
package mcpgateway
