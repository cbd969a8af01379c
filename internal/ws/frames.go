// SPDX-License-Identifier: MIT

// Package ws is the per-instance real-time delivery layer. It fans state
// snapshots out to attached websocket clients and answers the small client
// protocol (ping, resync).
package ws

import (
	"encoding/json"
	"time"

	"github.com/turnsync/turnsync/internal/domain/session/model"
)

// Server to client frame types.
const (
	FrameConnected      = "CONNECTED"
	FrameStateUpdate    = "STATE_UPDATE"
	FrameStateSync      = "STATE_SYNC"
	FrameSessionDeleted = "SESSION_DELETED"
	FramePong           = "PONG"
	FrameError          = "ERROR"
)

// Client to server frame types. RECONNECT is an alias for REQUEST_SYNC kept
// for older clients.
const (
	FramePing        = "PING"
	FrameRequestSync = "REQUEST_SYNC"
	FrameReconnect   = "RECONNECT"
)

// Error codes carried by ERROR frames.
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeInternal        = "INTERNAL"
)

// Frame is the JSON envelope for every message in either direction,
// discriminated by Type.
type Frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Version   int64          `json:"version,omitempty"`
	State     *model.Session `json:"state,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func marshalFrame(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frames are built from our own types; this cannot fail at runtime.
		panic(err)
	}
	return data
}

func connectedFrame(sessionID string, now time.Time) []byte {
	return marshalFrame(Frame{Type: FrameConnected, SessionID: sessionID, Timestamp: &now})
}

func stateUpdateFrame(sessionID string, version int64, state *model.Session, now time.Time) []byte {
	return marshalFrame(Frame{
		Type:      FrameStateUpdate,
		SessionID: sessionID,
		Timestamp: &now,
		Version:   version,
		State:     state,
	})
}

func stateSyncFrame(sessionID string, state *model.Session, now time.Time) []byte {
	return marshalFrame(Frame{
		Type:      FrameStateSync,
		SessionID: sessionID,
		Timestamp: &now,
		Version:   state.Version,
		State:     state,
	})
}

func sessionDeletedFrame(sessionID string, now time.Time) []byte {
	return marshalFrame(Frame{Type: FrameSessionDeleted, SessionID: sessionID, Timestamp: &now})
}

func pongFrame(now time.Time) []byte {
	return marshalFrame(Frame{Type: FramePong, Timestamp: &now})
}

func errorFrame(code, message string) []byte {
	return marshalFrame(Frame{Type: FrameError, Code: code, Message: message})
}
