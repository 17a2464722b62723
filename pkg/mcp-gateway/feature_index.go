package mcpgateway

import (
	"maps"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-aggregator-go/pkg/mcpmgr"
	"github.com/yosida95/uritemplate/v3"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
	metaKeyNativeURI  = "mcpgateway.native_uri"
)

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type promptTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type resourceTarget struct {
	GatewayURI string
	ServerID   string
	NativeURI  string
}

type resourceTemplateTarget struct {
	GatewayURI string
	ServerID   string
	NativeURI  string
	template   *uritemplate.Template
}

// catalog is an immutable view of the aggregated namespace. A new catalog
// is built on every registration and published atomically.
type catalog struct {
	servers []string

	tools      map[string]toolTarget
	toolList   []*mcp.Tool
	prompts    map[string]promptTarget
	promptList []*mcp.Prompt

	resources       map[string]resourceTarget
	resourceList    []*mcp.Resource
	resourceReverse map[nativeRef]string

	templates     map[string]resourceTemplateTarget
	templateList  []*mcp.ResourceTemplate
	// bareTemplates are templates exposed under their native URI, checked in
	// order when a read does not name a registered resource.
	bareTemplates []resourceTemplateTarget
}

func emptyCatalog() *catalog {
	return &catalog{
		tools:           map[string]toolTarget{},
		toolList:        []*mcp.Tool{},
		prompts:         map[string]promptTarget{},
		promptList:      []*mcp.Prompt{},
		resources:       map[string]resourceTarget{},
		resourceList:    []*mcp.Resource{},
		resourceReverse: map[nativeRef]string{},
		templates:       map[string]resourceTemplateTarget{},
		templateList:    []*mcp.ResourceTemplate{},
	}
}

// CatalogChange reports which list kinds differ after a registration.
type CatalogChange struct {
	Tools     bool
	Prompts   bool
	Resources bool
}

// Any reports whether anything changed.
func (c CatalogChange) Any() bool { return c.Tools || c.Prompts || c.Resources }

// featureIndex aggregates per-server capabilities into one namespace.
// Readers never block: they load the current catalog. Writers serialize on mu.
type featureIndex struct {
	ns NamespaceStrategy

	mu      sync.Mutex
	servers map[string]*mcpmgr.Capabilities
	current atomic.Pointer[catalog]
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	f := &featureIndex{ns: ns, servers: make(map[string]*mcpmgr.Capabilities)}
	f.current.Store(emptyCatalog())
	return f
}

func (f *featureIndex) snapshot() *catalog { return f.current.Load() }

// Register replaces serverID's entries with caps and recomputes the
// namespace.
func (f *featureIndex) Register(serverID string, caps *mcpmgr.Capabilities) CatalogChange {
	if caps == nil {
		return f.Unregister(serverID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[serverID] = caps
	return f.publishLocked()
}

// Unregister removes every entry owned by serverID.
func (f *featureIndex) Unregister(serverID string) CatalogChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[serverID]; !ok {
		return CatalogChange{}
	}
	delete(f.servers, serverID)
	return f.publishLocked()
}

func (f *featureIndex) publishLocked() CatalogChange {
	prev := f.current.Load()
	next := f.build()
	f.current.Store(next)
	return CatalogChange{
		Tools:     !reflect.DeepEqual(prev.toolList, next.toolList),
		Prompts:   !reflect.DeepEqual(prev.promptList, next.promptList),
		Resources: !reflect.DeepEqual(prev.resourceList, next.resourceList) || !reflect.DeepEqual(prev.templateList, next.templateList),
	}
}

func (f *featureIndex) build() *catalog {
	c := emptyCatalog()
	for id := range f.servers {
		c.servers = append(c.servers, id)
	}
	sort.Strings(c.servers)

	toolsBy := map[string][]string{}
	promptsBy := map[string][]string{}
	resourcesBy := map[string][]string{}
	templatesBy := map[string][]string{}
	for id, caps := range f.servers {
		for _, t := range caps.Tools {
			if t != nil {
				toolsBy[id] = append(toolsBy[id], t.Name)
			}
		}
		for _, p := range caps.Prompts {
			if p != nil {
				promptsBy[id] = append(promptsBy[id], p.Name)
			}
		}
		for _, r := range caps.Resources {
			if r != nil {
				resourcesBy[id] = append(resourcesBy[id], r.URI)
			}
		}
		for _, tpl := range caps.ResourceTemplates {
			if tpl != nil {
				templatesBy[id] = append(templatesBy[id], tpl.URITemplate)
			}
		}
	}
	toolNames := assignNames(toolsBy, f.ns.ToolName)
	promptNames := assignNames(promptsBy, f.ns.PromptName)
	resourceNames := assignNames(resourcesBy, f.ns.ResourceURI)
	templateNames := assignNames(templatesBy, f.ns.ResourceTemplateURI)

	for _, id := range c.servers {
		caps := f.servers[id]
		for _, tool := range caps.Tools {
			if tool == nil {
				continue
			}
			name := toolNames[nativeRef{server: id, name: tool.Name}]
			if _, dup := c.tools[name]; dup {
				continue
			}
			c.tools[name] = toolTarget{GatewayName: name, ServerID: id, NativeName: tool.Name}
			c.toolList = append(c.toolList, cloneTool(tool, name, id))
		}
		for _, prompt := range caps.Prompts {
			if prompt == nil {
				continue
			}
			name := promptNames[nativeRef{server: id, name: prompt.Name}]
			if _, dup := c.prompts[name]; dup {
				continue
			}
			c.prompts[name] = promptTarget{GatewayName: name, ServerID: id, NativeName: prompt.Name}
			c.promptList = append(c.promptList, clonePrompt(prompt, name, id))
		}
		for _, resource := range caps.Resources {
			if resource == nil {
				continue
			}
			uri := resourceNames[nativeRef{server: id, name: resource.URI}]
			if _, dup := c.resources[uri]; dup {
				continue
			}
			c.resources[uri] = resourceTarget{GatewayURI: uri, ServerID: id, NativeURI: resource.URI}
			c.resourceReverse[nativeRef{server: id, name: resource.URI}] = uri
			c.resourceList = append(c.resourceList, cloneResource(resource, uri, id))
		}
		for _, tpl := range caps.ResourceTemplates {
			if tpl == nil {
				continue
			}
			uri := templateNames[nativeRef{server: id, name: tpl.URITemplate}]
			if _, dup := c.templates[uri]; dup {
				continue
			}
			target := resourceTemplateTarget{GatewayURI: uri, ServerID: id, NativeURI: tpl.URITemplate}
			if compiled, err := uritemplate.New(tpl.URITemplate); err == nil {
				target.template = compiled
			}
			c.templates[uri] = target
			c.templateList = append(c.templateList, cloneResourceTemplate(tpl, uri, id))
			if uri == tpl.URITemplate && target.template != nil {
				c.bareTemplates = append(c.bareTemplates, target)
			}
		}
	}
	sort.Slice(c.toolList, func(i, j int) bool { return c.toolList[i].Name < c.toolList[j].Name })
	sort.Slice(c.promptList, func(i, j int) bool { return c.promptList[i].Name < c.promptList[j].Name })
	sort.Slice(c.resourceList, func(i, j int) bool { return c.resourceList[i].URI < c.resourceList[j].URI })
	sort.Slice(c.templateList, func(i, j int) bool { return c.templateList[i].URITemplate < c.templateList[j].URITemplate })
	return c
}

// ResolveTool maps an aggregated tool name to its owner.
func (f *featureIndex) ResolveTool(name string) (toolTarget, bool) {
	t, ok := f.snapshot().tools[name]
	return t, ok
}

// ResolvePrompt maps an aggregated prompt name to its owner.
func (f *featureIndex) ResolvePrompt(name string) (promptTarget, bool) {
	p, ok := f.snapshot().prompts[name]
	return p, ok
}

// ResolveResource maps an aggregated resource URI to its owner. Besides
// listed resources it accepts qualified URIs of any registered server and
// expansions of bare resource templates.
func (f *featureIndex) ResolveResource(uri string) (resourceTarget, bool) {
	c := f.snapshot()
	if r, ok := c.resources[uri]; ok {
		return r, true
	}
	for _, id := range c.servers {
		if native, ok := f.ns.NativeResourceURI(id, uri); ok {
			return resourceTarget{GatewayURI: uri, ServerID: id, NativeURI: native}, true
		}
		if native, ok := f.ns.NativeResourceTemplateURI(id, uri); ok {
			return resourceTarget{GatewayURI: uri, ServerID: id, NativeURI: native}, true
		}
	}
	for _, tpl := range c.bareTemplates {
		if tpl.template.Match(uri) != nil {
			return resourceTarget{GatewayURI: uri, ServerID: tpl.ServerID, NativeURI: uri}, true
		}
	}
	return resourceTarget{}, false
}

// ResourceByNative translates a URI returned by serverID into the form a
// client can read back through the gateway.
func (f *featureIndex) ResourceByNative(serverID, nativeURI string) string {
	c := f.snapshot()
	if uri, ok := c.resourceReverse[nativeRef{server: serverID, name: nativeURI}]; ok {
		return uri
	}
	if target, ok := f.ResolveResource(nativeURI); ok && target.ServerID == serverID && target.NativeURI == nativeURI {
		return nativeURI
	}
	return f.ns.ResourceURI(serverID, nativeURI)
}

func (f *featureIndex) Tools() []*mcp.Tool                         { return f.snapshot().toolList }
func (f *featureIndex) Prompts() []*mcp.Prompt                     { return f.snapshot().promptList }
func (f *featureIndex) Resources() []*mcp.Resource                 { return f.snapshot().resourceList }
func (f *featureIndex) ResourceTemplates() []*mcp.ResourceTemplate { return f.snapshot().templateList }

func cloneTool(tool *mcp.Tool, gatewayName, serverID string) *mcp.Tool {
	clone := *tool
	clone.Name = gatewayName
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

func clonePrompt(prompt *mcp.Prompt, gatewayName, serverID string) *mcp.Prompt {
	clone := *prompt
	clone.Name = gatewayName
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: prompt.Name,
	})
	return &clone
}

func cloneResource(resource *mcp.Resource, gatewayURI, serverID string) *mcp.Resource {
	clone := *resource
	clone.URI = gatewayURI
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaKeyServerID:  serverID,
		metaKeyNativeURI: resource.URI,
	})
	return &clone
}

func cloneResourceTemplate(tpl *mcp.ResourceTemplate, gatewayURI, serverID string) *mcp.ResourceTemplate {
	clone := *tpl
	clone.URITemplate = gatewayURI
	clone.Meta = withMeta(tpl.Meta, map[string]any{
		metaKeyServerID:  serverID,
		metaKeyNativeURI: tpl.URITemplate,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
