package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle holds process readiness shared across handlers. While draining,
// new calls and operator connections are refused and long-lived connections
// are asked to finish.
type Lifecycle struct {
	draining atomic.Bool

	once sync.Once
	mu   sync.Mutex
	done chan struct{}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
	if draining {
		ch := l.drainCh()
		l.mu.Lock()
		select {
		case <-ch:
		default:
			close(ch)
		}
		l.mu.Unlock()
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Drained is closed the first time draining starts.
func (l *Lifecycle) Drained() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.drainCh()
}

func (l *Lifecycle) drainCh() chan struct{} {
	l.once.Do(func() { l.done = make(chan struct{}) })
	return l.done
}
