package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/envelope"
	"github.com/sirupsen/logrus"
)

// PushError is returned by Emit when the relay answers with a non-2xx status.
type PushError struct {
	StatusCode int
	Body       string
}

func (e *PushError) Error() string {
	return fmt.Sprintf("client: push rejected with status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Emitter pushes envelopes into rooms over HTTP, for server-side code that
// holds no live connection.
type Emitter struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewEmitter returns an Emitter for the relay at baseURL. token, when set, is
// sent as a bearer credential. A nil httpClient gets a 10s timeout client.
func NewEmitter(baseURL, token string, httpClient *http.Client) *Emitter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Emitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Emit encodes env and pushes it to room.
func (e *Emitter) Emit(ctx context.Context, room string, env envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", env.Type(), err)
	}
	return e.EmitRaw(ctx, room, payload)
}

// EmitRaw pushes an already serialized envelope to room. The relay validates it.
func (e *Emitter) EmitRaw(ctx context.Context, room string, body []byte) error {
	target := e.baseURL + "/parties/main/" + url.PathEscape(room)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("client: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: push to %s: %w", room, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &PushError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	logrus.WithFields(logrus.Fields{
		"room":   room,
		"status": resp.StatusCode,
	}).Debugf("client: pushed")
	return nil
}
