package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusResponse is the body of GET /.
type StatusResponse struct {
	ServerStatus     string           `json:"server_status"`
	Uptime           string           `json:"uptime"`
	PrimaryWorker    string           `json:"primary_worker"`
	ConnectedWorkers int              `json:"connected_workers"`
	Loads            map[string]int64 `json:"loads"`
	Version          string           `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	loads := make(map[string]int64, s.pool.Len())
	for _, wl := range s.pool.Loads() {
		loads[wl.ID] = wl.Load
	}

	s.jsonResponse(w, http.StatusOK, StatusResponse{
		ServerStatus:     "running",
		Uptime:           formatUptime(time.Since(s.startTime)),
		PrimaryWorker:    s.pool.Primary().ID(),
		ConnectedWorkers: s.pool.Len(),
		Loads:            loads,
		Version:          s.version,
	})
}

// formatUptime renders d as "1d:2h:3m:4s", dropping leading zero units.
func formatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	parts := []struct {
		n      int64
		suffix string
	}{
		{secs / 86400, "d"},
		{secs % 86400 / 3600, "h"},
		{secs % 3600 / 60, "m"},
		{secs % 60, "s"},
	}

	var out []string
	for i, p := range parts {
		if len(out) == 0 && p.n == 0 && i < len(parts)-1 {
			continue
		}
		out = append(out, fmt.Sprintf("%d%s", p.n, p.suffix))
	}
	return strings.Join(out, ":")
}
