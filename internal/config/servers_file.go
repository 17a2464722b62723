package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"
)

// listedServer is one entry of an mcp-servers.json list.
type listedServer struct {
	Name     string   `json:"Name"`
	URL      string   `json:"Url"`
	APIKey   string   `json:"ApiKey"`
	Timeout  int      `json:"Timeout"` // milliseconds
	Disabled bool     `json:"Disabled"`
	Command  string   `json:"Command"`
	Args     []string `json:"args"`
}

// mergeServersFile adds the servers listed in path. Entries already present
// in the YAML servers map win. A missing file contributes nothing.
func mergeServersFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return configError(err, "read servers_file %s", path)
	}
	var listed []listedServer
	if err := json.Unmarshal(data, &listed); err != nil {
		return configError(err, "parse servers_file %s", path)
	}
	for i, l := range listed {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return configError(nil, "servers_file %s: entry %d has no Name", path, i)
		}
		if _, exists := cfg.Servers[name]; exists {
			continue
		}
		s := &ServerConfig{
			URL:      l.URL,
			APIKey:   l.APIKey,
			Disabled: l.Disabled,
			Command:  l.Command,
			Args:     l.Args,
		}
		if l.Timeout > 0 {
			s.Timeout = time.Duration(l.Timeout) * time.Millisecond
		}
		cfg.Servers[name] = s
	}
	return nil
}
