package runner

import (
	"io"
	"sync"
	"time"
)

// idleTimeoutReader wraps the agent's stdout and fires cancel when no bytes
// arrive for timeout. Every read that returns data re-arms the timer.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  func()

	mu    sync.Mutex
	timer *time.Timer
	idled bool
}

// newIdleTimeoutReader returns r unchanged in behavior when timeout <= 0.
func newIdleTimeoutReader(r io.Reader, timeout time.Duration, cancel func()) *idleTimeoutReader {
	itr := &idleTimeoutReader{r: r, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		itr.timer = time.AfterFunc(timeout, itr.fire)
	}
	return itr
}

func (itr *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := itr.r.Read(p)
	if n > 0 && itr.timer != nil {
		itr.mu.Lock()
		if !itr.idled {
			itr.timer.Reset(itr.timeout)
		}
		itr.mu.Unlock()
	}
	return n, err
}

func (itr *idleTimeoutReader) fire() {
	itr.mu.Lock()
	itr.idled = true
	itr.mu.Unlock()
	if itr.cancel != nil {
		itr.cancel()
	}
}

// Idled reports whether the timer fired.
func (itr *idleTimeoutReader) Idled() bool {
	itr.mu.Lock()
	defer itr.mu.Unlock()
	return itr.idled
}

// Stop disarms the timer.
func (itr *idleTimeoutReader) Stop() {
	if itr.timer != nil {
		itr.timer.Stop()
	}
}
