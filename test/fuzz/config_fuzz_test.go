package fuzz

import (
	"os"
	"path/filepath"
	"testing"

	"weft/internal/config"
)

// FuzzConfigLoad checks that arbitrary YAML never panics the loader;
// it must either produce a validated config or an error.
func FuzzConfigLoad(f *testing.F) {
	f.Add("listen: \":1080\"\nhandlers:\n  socks5:\n    enabled: true\n")
	f.Add("listen: 12\n")
	f.Add("{}")
	f.Add(":::")

	f.Fuzz(func(t *testing.T, body string) {
		path := filepath.Join(t.TempDir(), "cfg.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := config.Load(path)
		if err == nil && cfg == nil {
			t.Fatal("nil config without error")
		}
	})
}
