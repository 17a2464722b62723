package mcpgateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NamespaceStrategy produces the qualified identifiers handed to entries whose
// native name is already claimed by a lower-sorted server. Implementations
// must be deterministic.
type NamespaceStrategy interface {
	ToolName(serverID, toolName string) string
	PromptName(serverID, promptName string) string
	ResourceURI(serverID, resourceURI string) string
	ResourceTemplateURI(serverID, templateURI string) string
	NativeResourceURI(serverID, gatewayURI string) (string, bool)
	NativeResourceTemplateURI(serverID, gatewayURI string) (string, bool)
}

// ServerPrefixNamespace qualifies names as "<server><sep><name>" (separator
// defaults to ".") and resource URIs as "mcpgateway+<server>/resources::<uri>".
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "."
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(serverID, toolName string) string {
	return s.decorate(serverID, toolName)
}

func (s ServerPrefixNamespace) PromptName(serverID, promptName string) string {
	return s.decorate(serverID, promptName)
}

func (s ServerPrefixNamespace) ResourceURI(serverID, resourceURI string) string {
	return s.resource("resources", serverID, resourceURI)
}

func (s ServerPrefixNamespace) ResourceTemplateURI(serverID, templateURI string) string {
	return s.resource("templates", serverID, templateURI)
}

func (s ServerPrefixNamespace) NativeResourceURI(serverID, gatewayURI string) (string, bool) {
	return s.decodeResource("resources", serverID, gatewayURI)
}

func (s ServerPrefixNamespace) NativeResourceTemplateURI(serverID, gatewayURI string) (string, bool) {
	return s.decodeResource("templates", serverID, gatewayURI)
}

func (s ServerPrefixNamespace) decorate(serverID, value string) string {
	return serverID + s.separator() + value
}

func (s ServerPrefixNamespace) resource(category, serverID, raw string) string {
	return fmt.Sprintf("mcpgateway+%s/%s::%s", url.PathEscape(serverID), category, raw)
}

func (s ServerPrefixNamespace) decodeResource(category, serverID, gateway string) (string, bool) {
	prefix := fmt.Sprintf("mcpgateway+%s/%s::", url.PathEscape(serverID), category)
	if !strings.HasPrefix(gateway, prefix) {
		return "", false
	}
	return strings.TrimPrefix(gateway, prefix), true
}

type nativeRef struct {
	server string
	name   string
}

// assignNames maps every (server, native) pair onto a unique exposed name.
// For each native name the lowest-sorted owner keeps it bare; every other
// owner is qualified, repeatedly if the qualified form is itself taken. The
// outcome depends only on the set of pairs, never on registration order.
func assignNames(owned map[string][]string, qualify func(serverID, name string) string) map[nativeRef]string {
	servers := make([]string, 0, len(owned))
	for id := range owned {
		servers = append(servers, id)
	}
	sort.Strings(servers)

	owners := make(map[string][]string)
	var natives []string
	for _, id := range servers {
		seen := make(map[string]struct{}, len(owned[id]))
		for _, name := range owned[id] {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if _, ok := owners[name]; !ok {
				natives = append(natives, name)
			}
			owners[name] = append(owners[name], id)
		}
	}
	sort.Strings(natives)

	out := make(map[nativeRef]string)
	taken := make(map[string]struct{}, len(natives))
	for _, name := range natives {
		out[nativeRef{server: owners[name][0], name: name}] = name
		taken[name] = struct{}{}
	}

	var rest []nativeRef
	for _, name := range natives {
		for _, id := range owners[name][1:] {
			rest = append(rest, nativeRef{server: id, name: name})
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].server != rest[j].server {
			return rest[i].server < rest[j].server
		}
		return rest[i].name < rest[j].name
	})
	for _, ref := range rest {
		candidate := qualify(ref.server, ref.name)
		for {
			if _, clash := taken[candidate]; !clash {
				break
			}
			candidate = qualify(ref.server, candidate)
		}
		taken[candidate] = struct{}{}
		out[ref] = candidate
	}
	return out
}

// ServerSuffixNamespace qualifies names as "<name><sep><server>". Resource
// URIs are qualified as in ServerPrefixNamespace.
type ServerSuffixNamespace struct {
	ServerPrefixNamespace
}

func (s ServerSuffixNamespace) ToolName(serverID, toolName string) string {
	return toolName + s.separator() + serverID
}

func (s ServerSuffixNamespace) PromptName(serverID, promptName string) string {
	return promptName + s.separator() + serverID
}
