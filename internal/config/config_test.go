package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vtun.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadClientParsesBackendAndKey(t *testing.T) {
	path := writeTemp(t, `
client:
  key: sharedsecret
  port: 8000
  backend:
    type: plain_tcp
    server: 1.2.3.4
    port: 4194
`)
	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Key != "sharedsecret" || cfg.Port != 8000 {
		t.Fatalf("cfg = %+v, want key=sharedsecret port=8000", cfg)
	}
	if cfg.Backend.Server != "1.2.3.4" || cfg.Backend.Port != 4194 {
		t.Fatalf("cfg.Backend = %+v", cfg.Backend)
	}
}

func TestLoadClientMissingSectionFails(t *testing.T) {
	path := writeTemp(t, `
server:
  key: x
`)
	_, err := LoadClient(path)
	var missing *ErrMissingSection
	if !errors.As(err, &missing) || missing.Section != "client" {
		t.Fatalf("LoadClient error = %v, want ErrMissingSection{client}", err)
	}
}

func TestApplyDefaultsFillsMultiTCP(t *testing.T) {
	b := BackendConfig{Type: "multi_tcp"}
	b.ApplyDefaults()
	if b.Number != 5 || b.BlockSize != 8192 || b.Port != 4194 {
		t.Fatalf("ApplyDefaults() = %+v, want number=5 blocksize=8192 port=4194", b)
	}
}

func TestApplyDefaultsLeavesExplicitValues(t *testing.T) {
	b := BackendConfig{Type: "multi_tcp", Number: 3, BlockSize: 1024, Port: 9999}
	b.ApplyDefaults()
	if b.Number != 3 || b.BlockSize != 1024 || b.Port != 9999 {
		t.Fatalf("ApplyDefaults() overwrote explicit values: %+v", b)
	}
}
