// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/turnsync/turnsync/internal/domain/session/engine"
	"github.com/turnsync/turnsync/internal/domain/session/model"
)

type participantRequest struct {
	ParticipantID    string `json:"participant_id"`
	ParticipantIndex int    `json:"participant_index"`
	TotalTimeMS      int64  `json:"total_time_ms"`
	GroupID          string `json:"group_id,omitempty"`
}

type createSessionRequest struct {
	SessionID      string               `json:"session_id"`
	SyncMode       string               `json:"sync_mode"`
	Participants   []participantRequest `json:"participants"`
	TotalTimeMS    int64                `json:"total_time_ms,omitempty"`
	TimePerCycleMS *int64               `json:"time_per_cycle_ms,omitempty"`
	IncrementMS    int64                `json:"increment_ms,omitempty"`
	MaxTimeMS      *int64               `json:"max_time_ms,omitempty"`
	// Accepted for wire compatibility; has no effect until its semantics
	// are specified.
	AutoAdvance *bool `json:"auto_advance,omitempty"`
}

type switchRequest struct {
	Version              int64  `json:"version,omitempty"`
	CurrentParticipantID string `json:"current_participant_id,omitempty"`
	NextParticipantID    string `json:"next_participant_id,omitempty"`
}

type adjustTimeRequest struct {
	Version     int64  `json:"version,omitempty"`
	TotalTimeMS int64  `json:"total_time_ms"`
	Reason      string `json:"reason"`
}

type versionedRequest struct {
	Version int64 `json:"version,omitempty"`
}

// sessionResponse flattens the session record and appends the server clock
// reading the derived times were computed against.
type sessionResponse struct {
	*model.Session
	ServerTime *time.Time `json:"server_time,omitempty"`
}

// decodeBody parses an optional JSON body. An empty body yields the zero
// value; malformed JSON is a validation error.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.shedIfOverloaded(w, r) {
		return
	}

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}

	params := engine.CreateParams{
		SessionID:      req.SessionID,
		SyncMode:       model.SyncMode(req.SyncMode),
		TotalTimeMS:    req.TotalTimeMS,
		TimePerCycleMS: req.TimePerCycleMS,
		IncrementMS:    req.IncrementMS,
		MaxTimeMS:      req.MaxTimeMS,
	}
	for _, p := range req.Participants {
		params.Participants = append(params.Participants, engine.ParticipantParams{
			ParticipantID:    p.ParticipantID,
			ParticipantIndex: p.ParticipantIndex,
			TotalTimeMS:      p.TotalTimeMS,
			GroupID:          p.GroupID,
		})
	}

	sess, err := s.engine.Create(r.Context(), params)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, now, err := s.engine.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: view, ServerTime: &now})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.engine.Delete(r.Context(), sessionID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "deleted"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Start)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Resume)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Complete)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.engine.Cancel)
}

type transitionFunc func(ctx context.Context, sessionID string, expectedVersion int64) (*model.Session, error)

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op transitionFunc) {
	var req versionedRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}

	sess, err := op(r.Context(), chi.URLParam(r, "sessionID"), req.Version)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}

	res, err := s.engine.Switch(r.Context(), chi.URLParam(r, "sessionID"), engine.SwitchParams{
		ExpectedVersion:              req.Version,
		ExpectedCurrentParticipantID: req.CurrentParticipantID,
		ExpectedNextParticipantID:    req.NextParticipantID,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	if s.shedIfOverloaded(w, r) {
		return
	}

	var req struct {
		participantRequest
		Version int64 `json:"version,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}

	sess, err := s.engine.AddParticipant(r.Context(), chi.URLParam(r, "sessionID"), req.Version,
		engine.ParticipantParams{
			ParticipantID:    req.ParticipantID,
			ParticipantIndex: req.ParticipantIndex,
			TotalTimeMS:      req.TotalTimeMS,
			GroupID:          req.GroupID,
		})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *Server) handleAdjustTime(w http.ResponseWriter, r *http.Request) {
	if s.shedIfOverloaded(w, r) {
		return
	}

	var req adjustTimeRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, r, "malformed request body: "+err.Error())
		return
	}

	sess, err := s.engine.AdjustTime(r.Context(), chi.URLParam(r, "sessionID"), engine.AdjustTimeParams{
		ExpectedVersion: req.Version,
		ParticipantID:   chi.URLParam(r, "participantID"),
		TotalTimeMS:     req.TotalTimeMS,
		Reason:          req.Reason,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

// shedIfOverloaded rejects low-priority writes while the audit pipeline is
// above its high-water mark. Reads and switches are never shed.
func (s *Server) shedIfOverloaded(w http.ResponseWriter, r *http.Request) bool {
	if s.backlog != nil && s.backlog.Overloaded() {
		writeAuditBacklog(w, r)
		return true
	}
	return false
}
