package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aeolun/roomrelay/pkg/rooms"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	roomCounts := make(map[string]int, len(rooms.Kinds))
	for _, kind := range rooms.Kinds {
		roomCounts[kind.String()] = s.registry.Count(kind)
	}

	uptime := int64(0)
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}

	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  uptime,
		"active_sessions": s.sessions.CountOnlineUsers(),
		"rooms":           roomCounts,
		"live_invites":    s.registry.Invites().Len(),
		"ssh_enabled":     s.config.SSHPort > 0,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
