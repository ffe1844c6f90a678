package runner

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// nestedSessionVars mark a process as already running inside an agent
// session. The CLI refuses to start when it sees them, which would turn
// every attempt into an empty-output failure.
var nestedSessionVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_ENTRYPOINT",
}

// sensitiveEnvPrefixes are stripped so agent tool calls that dump the
// environment cannot leak unrelated credentials. The agent's own API
// credentials are kept.
var sensitiveEnvPrefixes = []string{
	"CBENCH_",
	"OPENAI_API",
	"GROQ_API",
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
	"GH_TOKEN",
}

// SanitizedEnv returns os.Environ() with nested-session markers and
// sensitive variables removed.
func SanitizedEnv() []string {
	return sanitizeEnv(os.Environ())
}

func sanitizeEnv(environ []string) []string {
	clean := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			clean = append(clean, entry)
			continue
		}
		if !dropEnv(strings.ToUpper(name)) {
			clean = append(clean, entry)
		}
	}
	return clean
}

func dropEnv(upper string) bool {
	for _, v := range nestedSessionVars {
		if upper == v {
			return true
		}
	}
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// MapToEnvSlice converts an env map to sorted "K=V" strings.
func MapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	sort.Strings(s)
	return s
}

// ResolveEnv resolves "env:VAR_NAME" references to the named variable's
// value. A reference to an unset or empty variable is an error.
func ResolveEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resolved := make(map[string]string, len(env))
	for _, k := range keys {
		v := env[k]
		if ref, ok := strings.CutPrefix(v, "env:"); ok {
			val := os.Getenv(ref)
			if val == "" {
				return nil, fmt.Errorf("env var %q (referenced by %q) is not set", ref, k)
			}
			v = val
		}
		resolved[k] = v
	}
	return resolved, nil
}
