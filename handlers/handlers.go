// Package handlers serves the relay's HTTP surface: live connection
// upgrades, HTTP push ingress, room stats and health.
package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/ConorRoberts/ticket-marketplace-sub000/auth"
	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/ConorRoberts/ticket-marketplace-sub000/relay"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RoomVar is the mux path variable naming the room.
const RoomVar = "room"

// TokenParam is the query parameter carrying a connection's bearer token.
const TokenParam = "token"

// DefaultMaxPushBytes caps an HTTP push body when Handlers.MaxPushBytes is zero.
const DefaultMaxPushBytes = 64 * 1024

// Upgrader is used for every live connection. Browsers on the marketplace
// origin and server-side tools both connect, so the origin is not checked.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handlers holds the collaborators shared by every handler.
type Handlers struct {
	Server  relay.Server
	Auth    auth.Authenticator
	Metrics *metrics.Metrics

	// Peer tunes every accepted connection.
	Peer relay.PeerOptions

	// MaxPushBytes caps the HTTP push body.
	MaxPushBytes int64
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debugf("handlers: response not written")
	}
}

// WriteError sends a JSON error body with status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// roomVar returns the decoded room id. The router matches on the escaped
// path, so a room id may contain "/" sent as %2F. A malformed escape gets a
// 400 and ok is false.
func roomVar(w http.ResponseWriter, r *http.Request) (room string, ok bool) {
	room, err := url.PathUnescape(mux.Vars(r)[RoomVar])
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid room id")
		return "", false
	}
	return room, true
}
