package handlers

import (
	"errors"
	"net/http"

	"github.com/ConorRoberts/ticket-marketplace-sub000/metrics"
	"github.com/ConorRoberts/ticket-marketplace-sub000/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Connect upgrades a GET on a room to a live connection. A GET without an
// upgrade request gets the room's stats instead.
//
// The connection is authenticated after the upgrade so that a rejected
// credential is reported with a policy-violation close frame. It is only
// registered, and so only receives broadcasts, once it is Active.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		h.RoomStats(w, r)
		return
	}
	if h.Server.IsClosed() {
		WriteError(w, http.StatusServiceUnavailable, relay.ErrServerClosed.Error())
		return
	}

	room, ok := roomVar(w, r)
	if !ok {
		return
	}
	token := r.URL.Query().Get(TokenParam)

	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		logrus.WithError(err).WithFields(logrus.Fields{
			"room": room,
		}).Warnf("Connect:Upgrade")
		return
	}

	conn := relay.NewConn(uuid.NewString(), room, ws, h.Peer)
	log := logrus.WithFields(logrus.Fields{
		"room":          room,
		"connection_id": conn.ID(),
	})

	identity, err := conn.Authenticate(r.Context(), h.Auth, token)
	if err != nil {
		h.Metrics.RecordAuthFailure(metrics.IngressRaw)
		log.WithError(err).Infof("Connect:Authenticate")
		return
	}

	if err := h.Server.Register(conn); err != nil {
		conn.Close(err)
		if !errors.Is(err, relay.ErrServerClosed) {
			log.WithError(err).Errorf("Connect:Register")
		}
		return
	}
	log.WithFields(logrus.Fields{
		"user_id":    identity.String(),
		"session_id": identity.SessionID,
	}).Debugf("Connect:Active")

	go conn.WritePump()
	conn.ReadPump(h.Server)
}
