// Package shutdown runs the console's cleanup exactly once, whether the
// session ends normally or a termination signal arrives.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/awarmack/supalab/internal/logging"
)

// Func performs cleanup during shutdown. It receives the reason shutdown
// was triggered.
type Func func(reason string)

// Manager coordinates shutdown. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []Func

	// onTerminate stops the console's input loop after cleanup.
	onTerminate func()

	signals chan os.Signal
}

// NewManager creates a manager. Signal handling starts with Start.
func NewManager() *Manager {
	return &Manager{
		done: make(chan struct{}),
	}
}

// SetTerminate sets a callback run after all cleanups, used to stop the
// input loop when shutdown did not originate from it.
func (m *Manager) SetTerminate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminate = fn
}

// AddCleanup adds a cleanup function. Cleanups run in the order they were added.
func (m *Manager) AddCleanup(fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Start listens for SIGINT, SIGTERM and SIGHUP and shuts down on the first one.
func (m *Manager) Start() {
	logger := logging.Console()

	m.mu.Lock()
	m.signals = make(chan os.Signal, 1)
	sigs := m.signals
	m.mu.Unlock()
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		select {
		case sig := <-sigs:
			logger.Info("Signal received, shutting down", "signal", sig.String())
			m.Shutdown("signal:" + sig.String())
		case <-m.done:
		}
	}()
}

// Shutdown runs the cleanups with the given reason. Only the first call
// does anything; every call blocks until cleanup is complete.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.run(reason)
	})
	<-m.done
}

func (m *Manager) run(reason string) {
	logger := logging.Console()
	logger.Debug("Starting shutdown", "reason", reason)

	m.mu.Lock()
	m.reason = reason
	cleanups := make([]Func, len(m.cleanups))
	copy(cleanups, m.cleanups)
	terminate := m.onTerminate
	sigs := m.signals
	m.mu.Unlock()

	if sigs != nil {
		signal.Stop(sigs)
	}
	for i, fn := range cleanups {
		logger.Debug("Running cleanup", "index", i, "total", len(cleanups))
		fn(reason)
	}
	if terminate != nil {
		terminate()
	}

	logger.Debug("Shutdown complete", "reason", reason)
	close(m.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns the shutdown reason, or "" if not yet shut down.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
