package tools

import (
	"fmt"
	"sync"
	"time"
)

// CallTimer measures how long a call has been connected.
type CallTimer struct {
	now func() time.Time

	mu      sync.Mutex
	started time.Time
	elapsed time.Duration
	running bool
}

func NewCallTimer() *CallTimer {
	return &CallTimer{now: time.Now}
}

// Start begins counting. A running timer is left alone.
func (t *CallTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.started = t.now()
	t.running = true
}

// Stop freezes the elapsed time.
func (t *CallTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.elapsed += t.now().Sub(t.started)
	t.running = false
}

func (t *CallTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = 0
	t.running = false
}

func (t *CallTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.elapsed + t.now().Sub(t.started)
	}
	return t.elapsed
}

// Format renders the elapsed time as mm:ss.
func (t *CallTimer) Format() string {
	return FormatElapsed(t.Elapsed())
}

func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
