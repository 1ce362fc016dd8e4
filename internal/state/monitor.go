package state

import (
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically demotes nodes whose last heartbeat exceeds the
// liveness threshold to unresponsive, excluding them from future selection.
// A demoted node is revived by its next successful heartbeat. The sweep is
// optional; without it a registered node is trusted forever.
type Monitor struct {
	state     *State
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewMonitor creates a liveness monitor for the given state.
func NewMonitor(s *State, threshold, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		state:     s,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the sweep loop. It is a no-op if the monitor is already
// running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	go m.run()
	m.logger.Info("liveness monitor started",
		"threshold", m.threshold.String(),
		"interval", m.interval.String(),
	)
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopChan:
			return
		}
	}
}

// Sweep performs one demotion pass and returns the demoted node ids.
func (m *Monitor) Sweep() []string {
	demoted := m.state.MarkUnresponsive(time.Now().Add(-m.threshold))
	if len(demoted) > 0 {
		m.logger.Warn("demoted unresponsive nodes",
			"nodes", demoted,
			"threshold", m.threshold.String(),
		)
	}
	return demoted
}
