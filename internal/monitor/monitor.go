// ABOUTME: Optional WebSocket diagnostics feed for the relay server
// ABOUTME: Pushes a JSON stats snapshot to each subscriber once a second
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StatsFunc supplies the snapshot sent to subscribers.
type StatsFunc func() interface{}

// Monitor serves live relay statistics over WebSocket.
type Monitor struct {
	port     int
	stats    StatsFunc
	log      *logrus.Entry
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a monitor on the given port.
func New(port int, stats StatsFunc) *Monitor {
	return &Monitor{
		port:  port,
		stats: stats,
		log:   logrus.WithField("component", "monitor"),
		upgrader: websocket.Upgrader{
			// Diagnostics on a trusted network; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the HTTP listener and serves /stats.
func (m *Monitor) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", m.handleStats)

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.port),
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("monitor: listen: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.log.Infof("stats feed on :%d/stats", m.port)
	return nil
}

// Stop shuts the listener down.
func (m *Monitor) Stop() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.server.Shutdown(ctx)
}

// handleStats upgrades the connection and streams snapshots until the
// subscriber goes away.
func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(m.stats()); err != nil {
			return
		}
	}
}
