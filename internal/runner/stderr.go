package runner

import (
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const stderrTailSize = 2048

var connectivityPatterns = []struct {
	pattern string
	reason  string
}{
	{"ssl certificate problem", "TLS certificate expired"},
	{"certificate has expired", "TLS certificate expired"},
	{"connection refused", "connection refused"},
	{"could not resolve host", "DNS resolution failed"},
	{"getaddrinfo", "DNS resolution failed"},
	{"econnreset", "connection reset"},
	{"etimedout", "connection timed out"},
	{"tls handshake timeout", "TLS handshake timeout"},
}

var (
	rateLimitMarkers = [][]byte{
		[]byte("usage_limit_reached"),
		[]byte("rate_limit_error"),
		[]byte("usage limit reached"),
	}
	resetsAtPattern = regexp.MustCompile(`"resets_at"\s*:\s*(\d+)`)
)

// stderrMonitor passes the agent's stderr through to its log unchanged and
// watches it for connectivity failures and usage limits. It keeps the last
// few KB so a failed attempt can report what the agent said.
type stderrMonitor struct {
	w io.Writer

	mu           sync.Mutex
	tail         []byte
	connectivity string
	rateLimited  bool
	resetsAt     time.Time
}

func newStderrMonitor(w io.Writer) *stderrMonitor {
	return &stderrMonitor{w: w}
}

func (m *stderrMonitor) Write(p []byte) (int, error) {
	// a failing log file must not break the agent's stderr pipe
	_, _ = m.w.Write(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tail = append(m.tail, p...)
	if len(m.tail) > stderrTailSize {
		m.tail = append([]byte(nil), m.tail[len(m.tail)-stderrTailSize:]...)
	}

	if m.connectivity == "" {
		lower := strings.ToLower(string(p))
		for _, cp := range connectivityPatterns {
			if strings.Contains(lower, cp.pattern) {
				m.connectivity = cp.reason
				break
			}
		}
	}
	if !m.rateLimited {
		lower := bytes.ToLower(p)
		for _, marker := range rateLimitMarkers {
			if bytes.Contains(lower, marker) {
				m.rateLimited = true
				break
			}
		}
	}
	if m.rateLimited && m.resetsAt.IsZero() {
		if sub := resetsAtPattern.FindSubmatch(p); len(sub) == 2 {
			if ts, perr := strconv.ParseInt(string(sub[1]), 10, 64); perr == nil {
				m.resetsAt = time.Unix(ts, 0)
			}
		}
	}

	return len(p), nil
}

// Tail returns the trimmed end of stderr.
func (m *stderrMonitor) Tail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.TrimSpace(string(m.tail))
}

// Connectivity returns a connectivity failure reason, or "".
func (m *stderrMonitor) Connectivity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

// RateLimited reports whether a usage-limit signal was seen.
func (m *stderrMonitor) RateLimited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimited
}

// ResetsAt returns the reported limit reset time, or zero.
func (m *stderrMonitor) ResetsAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetsAt
}
