package runner

import (
	"strings"
	"testing"
)

func TestSanitizeEnv(t *testing.T) {
	input := []string{
		"HOME=/home/user",
		"PATH=/usr/bin",
		"ANTHROPIC_API_KEY=sk-ant-secret",
		"CLAUDECODE=1",
		"CLAUDE_CODE_ENTRYPOINT=cli",
		"CBENCH_SETTINGS=/tmp/x",
		"OPENAI_API_KEY=sk-secret456",
		"AWS_SECRET_ACCESS_KEY=wJalrXUtnFEMI",
		"GITHUB_TOKEN=ghp_abc123",
		"gh_token=lower",
		"NO_EQUALS_SIGN",
	}

	result := sanitizeEnv(input)

	want := map[string]bool{"HOME": true, "PATH": true, "ANTHROPIC_API_KEY": true, "NO_EQUALS_SIGN": true}
	if len(result) != len(want) {
		t.Fatalf("expected %d vars, got %d: %v", len(want), len(result), result)
	}
	for _, entry := range result {
		name, _, _ := strings.Cut(entry, "=")
		if !want[name] {
			t.Errorf("unexpected env var survived: %s", name)
		}
	}
}

func TestSanitizeEnvEmptyInput(t *testing.T) {
	if result := sanitizeEnv(nil); len(result) != 0 {
		t.Errorf("expected 0 vars for nil input, got %d", len(result))
	}
}

func TestMapToEnvSlice_Sorted(t *testing.T) {
	got := MapToEnvSlice(map[string]string{"B": "2", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("got %v", got)
	}
	if MapToEnvSlice(nil) != nil {
		t.Error("nil map should give nil slice")
	}
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("CBENCH_TEST_PROXY", "http://localhost:4000")

	got, err := ResolveEnv(map[string]string{
		"ANTHROPIC_BASE_URL": "env:CBENCH_TEST_PROXY",
		"DISABLE_TELEMETRY":  "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got["ANTHROPIC_BASE_URL"] != "http://localhost:4000" || got["DISABLE_TELEMETRY"] != "1" {
		t.Errorf("unexpected env %v", got)
	}

	_, err = ResolveEnv(map[string]string{"X": "env:CBENCH_TEST_UNSET_VAR"})
	if err == nil || !strings.Contains(err.Error(), "CBENCH_TEST_UNSET_VAR") {
		t.Errorf("expected unset var error, got %v", err)
	}
}
