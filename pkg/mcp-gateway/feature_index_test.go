package mcpgateway

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
)

func toolCaps(names ...string) *mcpmgr.Capabilities {
	caps := &mcpmgr.Capabilities{}
	for _, n := range names {
		caps.Tools = append(caps.Tools, &mcp.Tool{Name: n})
	}
	return caps
}

func toolNames(tools []*mcp.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name)
	}
	return out
}

func TestFeatureIndexCollisionQualifiesLaterServer(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("B", toolCaps("search"))
	fi.Register("A", toolCaps("search"))

	assert.Equal(t, []string{"B.search", "search"}, toolNames(fi.Tools()))

	a, ok := fi.ResolveTool("search")
	require.True(t, ok)
	assert.Equal(t, toolTarget{GatewayName: "search", ServerID: "A", NativeName: "search"}, a)

	b, ok := fi.ResolveTool("B.search")
	require.True(t, ok)
	assert.Equal(t, "B", b.ServerID)
	assert.Equal(t, "search", b.NativeName)

	_, ok = fi.ResolveTool("A.search")
	assert.False(t, ok)
}

func TestFeatureIndexToolMetadata(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	original := &mcp.Tool{Name: "echo", Meta: mcp.Meta{"keep": true}}
	fi.Register("alpha", &mcpmgr.Capabilities{Tools: []*mcp.Tool{original}})

	tools := fi.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha", tools[0].Meta[metaKeyServerID])
	assert.Equal(t, "echo", tools[0].Meta[metaKeyNativeName])
	assert.Equal(t, true, tools[0].Meta["keep"])
	assert.NotContains(t, original.Meta, metaKeyServerID, "upstream tool must not be mutated")
}

func TestFeatureIndexUnregisterPromotesRemainingOwner(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("A", toolCaps("search"))
	fi.Register("B", toolCaps("search"))

	change := fi.Unregister("A")
	assert.True(t, change.Tools)

	target, ok := fi.ResolveTool("search")
	require.True(t, ok)
	assert.Equal(t, "B", target.ServerID)
	assert.Equal(t, []string{"search"}, toolNames(fi.Tools()))
}

func TestFeatureIndexRegisterNilCapabilitiesUnregisters(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("A", toolCaps("search"))
	change := fi.Register("A", nil)
	assert.True(t, change.Tools)
	assert.Empty(t, fi.Tools())
	assert.NotNil(t, fi.Tools(), "lists encode as [] rather than null")
}

func TestFeatureIndexChangeSet(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	change := fi.Register("A", toolCaps("search"))
	assert.Equal(t, CatalogChange{Tools: true}, change)

	change = fi.Register("A", toolCaps("search"))
	assert.False(t, change.Any(), "identical registration is not a change")

	change = fi.Register("A", &mcpmgr.Capabilities{
		Tools:     []*mcp.Tool{{Name: "search"}},
		Prompts:   []*mcp.Prompt{{Name: "summarize"}},
		Resources: []*mcp.Resource{{URI: "file:///a"}},
	})
	assert.Equal(t, CatalogChange{Prompts: true, Resources: true}, change)

	assert.False(t, fi.Unregister("missing").Any())
}

func TestFeatureIndexResources(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("A", &mcpmgr.Capabilities{Resources: []*mcp.Resource{{URI: "file:///notes"}}})
	fi.Register("B", &mcpmgr.Capabilities{Resources: []*mcp.Resource{{URI: "file:///notes"}, {URI: "file:///b-only"}}})

	target, ok := fi.ResolveResource("file:///notes")
	require.True(t, ok)
	assert.Equal(t, "A", target.ServerID)

	qualified := ServerPrefixNamespace{}.ResourceURI("B", "file:///notes")
	target, ok = fi.ResolveResource(qualified)
	require.True(t, ok)
	assert.Equal(t, "B", target.ServerID)
	assert.Equal(t, "file:///notes", target.NativeURI)

	assert.Equal(t, "file:///notes", fi.ResourceByNative("A", "file:///notes"))
	assert.Equal(t, qualified, fi.ResourceByNative("B", "file:///notes"))
	assert.Equal(t, "file:///b-only", fi.ResourceByNative("B", "file:///b-only"))

	// Unlisted URIs come back qualified so they stay readable.
	unlisted := fi.ResourceByNative("B", "file:///generated")
	target, ok = fi.ResolveResource(unlisted)
	require.True(t, ok)
	assert.Equal(t, "B", target.ServerID)
	assert.Equal(t, "file:///generated", target.NativeURI)

	_, ok = fi.ResolveResource("file:///nowhere")
	assert.False(t, ok)
}

func TestFeatureIndexResourceTemplates(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("A", &mcpmgr.Capabilities{ResourceTemplates: []*mcp.ResourceTemplate{{URITemplate: "note://{id}", Name: "note"}}})
	fi.Register("B", &mcpmgr.Capabilities{ResourceTemplates: []*mcp.ResourceTemplate{{URITemplate: "note://{id}", Name: "note"}}})

	templates := fi.ResourceTemplates()
	require.Len(t, templates, 2)

	target, ok := fi.ResolveResource("note://42")
	require.True(t, ok, "bare template expansion should resolve")
	assert.Equal(t, "A", target.ServerID)
	assert.Equal(t, "note://42", target.NativeURI)

	qualified := ServerPrefixNamespace{}.ResourceTemplateURI("B", "note://42")
	target, ok = fi.ResolveResource(qualified)
	require.True(t, ok)
	assert.Equal(t, "B", target.ServerID)
	assert.Equal(t, "note://42", target.NativeURI)
}

func TestFeatureIndexSnapshotIsStable(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.Register("A", toolCaps("one"))
	before := fi.Tools()
	fi.Register("A", toolCaps("one", "two"))
	assert.Equal(t, []string{"one"}, toolNames(before), "published lists are never mutated")
	assert.Equal(t, []string{"one", "two"}, toolNames(fi.Tools()))
}
