package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection on each tick and drops those with no
// read activity within Interval + Timeout. It returns when the server stops.
func (s *Server) runHeartbeat() {
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(time.Now())
		}
	}
}

// checkConnections is one heartbeat pass. Browsers answer the ping frame with
// a pong automatically, which counts as read activity.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Info("ws: heartbeat timeout", "conn", c.ID, "user", c.Name,
				"idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(now.Add(s.config.WriteTimeout))
		}
		err := c.WritePing()
		_ = c.Conn.SetWriteDeadline(time.Time{})
		if err != nil {
			s.log.Info("ws: heartbeat ping failed", "conn", c.ID, "err", err)
			s.RemoveConnection(c)
		}
	}
}
