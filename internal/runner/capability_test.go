package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCapability_Apply(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "refs"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"SKILL.md":        "# comprehend",
		"refs/example.md": "example",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink("SKILL.md", filepath.Join(src, "README.md")); err != nil {
		t.Fatal(err)
	}

	ws := t.TempDir()
	c := Capability{Source: src, Target: ".claude/skills/comprehend"}
	if err := c.Apply(ws, true); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(ws, c.Target, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if string(got) != body {
			t.Errorf("%s: got %q", name, got)
		}
	}
	if link, err := os.Readlink(filepath.Join(ws, c.Target, "README.md")); err != nil || link != "SKILL.md" {
		t.Errorf("symlink not preserved: %q %v", link, err)
	}

	// re-applying replaces stale files
	stale := filepath.Join(ws, c.Target, "stale.md")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Apply(ws, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file should be gone after reinstall")
	}

	if err := c.Apply(ws, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(ws, c.Target)); !os.IsNotExist(err) {
		t.Error("capability should be removed when disabled")
	}
}

func TestCapability_Errors(t *testing.T) {
	ws := t.TempDir()
	tests := []struct {
		name    string
		c       Capability
		enabled bool
		want    string
	}{
		{"missing source", Capability{Source: filepath.Join(ws, "nope"), Target: "skill"}, true, "capability source"},
		{"unset source", Capability{Target: "skill"}, true, "no capability source"},
		{"absolute target", Capability{Target: "/etc/skill"}, false, "relative path"},
		{"escaping target", Capability{Target: "../outside"}, false, "relative path"},
		{"empty target", Capability{}, false, "relative path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Apply(ws, tt.enabled)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCapability_DisabledWithoutSource(t *testing.T) {
	c := Capability{Target: ".claude/skills/comprehend"}
	if err := c.Apply(t.TempDir(), false); err != nil {
		t.Errorf("baseline arm needs no source: %v", err)
	}
}
