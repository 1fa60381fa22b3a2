package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

type healthResponse struct {
	Status string `json:"status"`
}

// RoomStats is returned for a plain GET on a room.
type RoomStats struct {
	Room        string `json:"room"`
	Connections int    `json:"connections"`
}

// Health reports whether the relay is accepting work.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Server.IsClosed() {
		WriteError(w, http.StatusServiceUnavailable, "relay is shutting down")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// RoomStats reports how many live connections a room has.
func (h *Handlers) RoomStats(w http.ResponseWriter, r *http.Request) {
	room, ok := roomVar(w, r)
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"room": room,
	}).Debugf("RoomStats")
	writeJSON(w, http.StatusOK, RoomStats{
		Room:        room,
		Connections: h.Server.Count(room),
	})
}
