package mcpgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerPrefixNamespaceResourceRoundTrip(t *testing.T) {
	ns := ServerPrefixNamespace{}
	gateway := ns.ResourceTemplateURI("alpha", "file://{path}")
	require.NotEmpty(t, gateway)

	native, ok := ns.NativeResourceTemplateURI("alpha", gateway)
	require.True(t, ok)
	assert.Equal(t, "file://{path}", native)
}

func TestServerPrefixNamespaceResourceDecodeMismatch(t *testing.T) {
	ns := ServerPrefixNamespace{}
	_, ok := ns.NativeResourceURI("alpha", ns.ResourceURI("bravo", "file://foo"))
	assert.False(t, ok, "decode should fail when server ids differ")
}

func TestServerPrefixNamespaceSeparator(t *testing.T) {
	assert.Equal(t, "B.search", ServerPrefixNamespace{}.ToolName("B", "search"))
	assert.Equal(t, "B__search", ServerPrefixNamespace{Separator: "__"}.ToolName("B", "search"))
}

func TestAssignNamesLowestServerKeepsBareName(t *testing.T) {
	names := assignNames(map[string][]string{
		"B": {"search"},
		"A": {"search", "fetch"},
	}, ServerPrefixNamespace{}.ToolName)

	assert.Equal(t, "search", names[nativeRef{server: "A", name: "search"}])
	assert.Equal(t, "B.search", names[nativeRef{server: "B", name: "search"}])
	assert.Equal(t, "fetch", names[nativeRef{server: "A", name: "fetch"}])
}

func TestAssignNamesRequalifiesCollidingQualifiedName(t *testing.T) {
	// A natively owns "B.search", which is also B's qualified form of "search".
	names := assignNames(map[string][]string{
		"A": {"search", "B.search"},
		"B": {"search"},
	}, ServerPrefixNamespace{}.ToolName)

	assert.Equal(t, "search", names[nativeRef{server: "A", name: "search"}])
	assert.Equal(t, "B.search", names[nativeRef{server: "A", name: "B.search"}])
	assert.Equal(t, "B.B.search", names[nativeRef{server: "B", name: "search"}])
	assertBijection(t, names)
}

func TestAssignNamesIndependentOfInputOrder(t *testing.T) {
	qualify := ServerPrefixNamespace{}.ToolName
	first := assignNames(map[string][]string{
		"c": {"x", "y"},
		"a": {"y"},
		"b": {"x", "y", "z"},
	}, qualify)
	second := assignNames(map[string][]string{
		"b": {"z", "y", "x"},
		"c": {"y", "x"},
		"a": {"y"},
	}, qualify)
	assert.Equal(t, first, second)
	assertBijection(t, first)
	assert.Len(t, first, 6, "no entry may be dropped")
}

func TestAssignNamesIgnoresDuplicateNativeNames(t *testing.T) {
	names := assignNames(map[string][]string{"A": {"echo", "echo"}}, ServerPrefixNamespace{}.ToolName)
	assert.Equal(t, map[nativeRef]string{{server: "A", name: "echo"}: "echo"}, names)
}

func assertBijection(t *testing.T, names map[nativeRef]string) {
	t.Helper()
	seen := make(map[string]nativeRef, len(names))
	for ref, name := range names {
		if prev, dup := seen[name]; dup {
			t.Fatalf("name %q assigned to both %v and %v", name, prev, ref)
		}
		seen[name] = ref
	}
}

func TestServerSuffixNamespace(t *testing.T) {
	ns := ServerSuffixNamespace{ServerPrefixNamespace{Separator: "@"}}
	assert.Equal(t, "search@B", ns.ToolName("B", "search"))
	assert.Equal(t, "brief@B", ns.PromptName("B", "brief"))

	fi := newFeatureIndex(ns)
	fi.Register("B", toolCaps("search"))
	fi.Register("A", toolCaps("search"))
	target, ok := fi.ResolveTool("search@B")
	require.True(t, ok)
	assert.Equal(t, "B", target.ServerID)
	assert.Equal(t, "search", target.NativeName)
}
