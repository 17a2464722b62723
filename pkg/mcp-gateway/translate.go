package mcpgateway

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Results returned by an upstream name resources in the upstream's own URI
// space. These helpers rewrite them in place so a client can read them back
// through the gateway.

func (d *dispatcher) translateToolResult(serverID string, res *mcp.CallToolResult) {
	if res == nil {
		return
	}
	d.translateContent(serverID, res.Content)
}

func (d *dispatcher) translatePromptResult(serverID string, res *mcp.GetPromptResult) {
	if res == nil {
		return
	}
	for _, msg := range res.Messages {
		if msg == nil || msg.Content == nil {
			continue
		}
		msg.Content = d.translateOne(serverID, msg.Content)
	}
}

func (d *dispatcher) translateReadResult(serverID string, requested resourceRequest, res *mcp.ReadResourceResult) {
	if res == nil {
		return
	}
	for _, c := range res.Contents {
		if c == nil || c.URI == "" {
			continue
		}
		c.URI = d.exposedURI(serverID, c.URI, requested)
	}
}

func (d *dispatcher) translateContent(serverID string, content []mcp.Content) {
	for i, c := range content {
		content[i] = d.translateOne(serverID, c)
	}
}

func (d *dispatcher) translateOne(serverID string, c mcp.Content) mcp.Content {
	switch v := c.(type) {
	case *mcp.ResourceLink:
		if v.URI != "" {
			v.URI = d.index.ResourceByNative(serverID, v.URI)
		}
	case *mcp.EmbeddedResource:
		if v.Resource != nil && v.Resource.URI != "" {
			v.Resource.URI = d.index.ResourceByNative(serverID, v.Resource.URI)
		}
	}
	return c
}

// exposedURI keeps the URI the client asked for when the upstream echoes
// the native form of it.
func (d *dispatcher) exposedURI(serverID, nativeURI string, requested resourceRequest) string {
	if requested.native == nativeURI && requested.exposed != "" {
		return requested.exposed
	}
	return d.index.ResourceByNative(serverID, nativeURI)
}

type resourceRequest struct {
	exposed string
	native  string
}
