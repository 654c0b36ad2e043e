// Package config loads the YAML configuration file described in
// spec.md 6. Config loading is an explicit external collaborator in
// spec.md 1 ("out of scope: configuration file loading"), so this
// package is deliberately the only place in the repo that imports a
// YAML library, and internal/backend, internal/record, internal/tunnel,
// and internal/muxer never import it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig describes the "backend" mapping of spec.md 6.
type BackendConfig struct {
	Type      string `yaml:"type"`
	Server    string `yaml:"server"`
	Port      int    `yaml:"port"`
	Number    int    `yaml:"number"`
	BlockSize int    `yaml:"blocksize"`
}

// FrontendConfig describes the server-side "frontend" mapping.
type FrontendConfig struct {
	Type   string `yaml:"type"`
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
}

// ClientConfig is the "client" top-level section.
type ClientConfig struct {
	Backend BackendConfig `yaml:"backend"`
	Key     string        `yaml:"key"`
	Port    int           `yaml:"port"`
}

// ServerConfig is the "server" top-level section.
type ServerConfig struct {
	Backend  BackendConfig  `yaml:"backend"`
	Key      string         `yaml:"key"`
	Frontend FrontendConfig `yaml:"frontend"`
}

// File is the top-level mapping: exactly one of Client or Server is set.
type File struct {
	Client *ClientConfig `yaml:"client"`
	Server *ServerConfig `yaml:"server"`
}

// ErrMissingSection is returned when neither "client" nor "server" is
// present, or the one requested is absent. cmd/ translates this into
// exit code 1 per spec.md 6.
type ErrMissingSection struct {
	Section string
}

func (e *ErrMissingSection) Error() string {
	return fmt.Sprintf("config: missing %q section", e.Section)
}

// LoadClient reads and validates a client configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	if f.Client == nil {
		return nil, &ErrMissingSection{Section: "client"}
	}
	return f.Client, nil
}

// LoadServer reads and validates a server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	if f.Server == nil {
		return nil, &ErrMissingSection{Section: "server"}
	}
	return f.Server, nil
}

func load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// ApplyDefaults fills in the multi_tcp defaults from spec.md 6
// (number=5, blocksize=8192) and the shared plain_tcp default port
// (4194) when the config left them at zero.
func (b *BackendConfig) ApplyDefaults() {
	if b.Port == 0 {
		b.Port = 4194
	}
	if b.Type == "multi_tcp" {
		if b.Number == 0 {
			b.Number = 5
		}
		if b.BlockSize == 0 {
			b.BlockSize = 8192
		}
	}
}
