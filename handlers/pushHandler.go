package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/ConorRoberts/ticket-marketplace-sub000/relay"
	"github.com/sirupsen/logrus"
)

// Push accepts a serialized envelope and broadcasts it to every connection in
// the room, the pushing party included. The body is either the envelope
// itself or a JSON string holding it.
func (h *Handlers) Push(w http.ResponseWriter, r *http.Request) {
	room, ok := roomVar(w, r)
	if !ok {
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"room": room,
	})

	limit := h.MaxPushBytes
	if limit <= 0 {
		limit = DefaultMaxPushBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.WithError(err).Warnf("Push:Read")
		WriteError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	env, err := h.Server.Push(r.Context(), room, unwrapString(body))
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrDecode):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, relay.ErrServerClosed):
			WriteError(w, http.StatusServiceUnavailable, err.Error())
		default:
			log.WithError(err).Errorf("Push:Broadcast")
			WriteError(w, http.StatusInternalServerError, "broadcast failed")
		}
		return
	}

	log.WithFields(logrus.Fields{
		"type":         env.Type(),
		"publisher_id": env.PublisherID,
	}).Infof("Push:Broadcast")
	w.WriteHeader(http.StatusOK)
}

// unwrapString returns the contents of body when body is a JSON string, and
// body unchanged otherwise.
func unwrapString(body []byte) []byte {
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return body
	}
	return []byte(s)
}
