package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"canvaschat/canvas"
	"canvaschat/chat"
	"canvaschat/core"
	"canvaschat/db"
)

type canvasResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PersistenceKey string `json:"persistence_key"`
	Active         bool   `json:"active"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- canvases ---

func (s *Server) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListCanvases(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	activeID := ""
	if active, ok := s.tabs.Active(); ok {
		activeID = active.ID
	}

	out := make([]canvasResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, canvasResponse{
			ID:             rec.ID,
			Name:           rec.Name,
			PersistenceKey: rec.PersistenceKey,
			Active:         rec.ID == activeID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Name == "" {
		body.Name = fmt.Sprintf("Canvas %d", s.tabs.Len()+1)
	}

	rec, err := s.store.CreateCanvas(r.Context(), db.CanvasRecord{Name: body.Name})
	if err != nil {
		s.writeError(w, err)
		return
	}
	// New canvases open as the active tab, matching editor behavior.
	if err := s.OpenCanvas(rec, true); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, canvasResponse{
		ID:             rec.ID,
		Name:           rec.Name,
		PersistenceKey: rec.PersistenceKey,
		Active:         true,
	})
}

func (s *Server) handleRenameCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.store.RenameCanvas(r.Context(), id, body.Name); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.tabs.Rename(id, body.Name)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "name": body.Name})
}

func (s *Server) handleDeleteCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wasActive := false
	if active, ok := s.tabs.Active(); ok && active.ID == id {
		wasActive = true
	}

	if err := s.store.DeleteCanvas(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.tabs.Remove(id)
	s.dropSurface(id)

	// Removal promotes another tab; rebind its surface and the syncer.
	if wasActive {
		if active, ok := s.tabs.Active(); ok {
			if surface, open := s.surfaceFor(active.ID); open {
				s.activateLocked(active.ID, active.PersistenceKey, surface)
			}
		} else if s.debounce != nil {
			s.debounce.Unbind()
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllCanvases(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAllCanvases(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	for _, tab := range s.tabs.Tabs() {
		s.tabs.Remove(tab.ID)
		s.dropSurface(tab.ID)
	}
	if s.debounce != nil {
		s.debounce.Unbind()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	surface, open := s.surfaceFor(id)
	if !open {
		// Canvas exists in the store but has no live surface yet.
		rec, err := s.store.GetCanvas(r.Context(), id)
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, "canvas not found")
			return
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.OpenCanvas(rec, true); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"active": id})
		return
	}

	tab, ok := s.tabFor(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "canvas not found")
		return
	}
	s.activateLocked(tab.ID, tab.PersistenceKey, surface)
	writeJSON(w, http.StatusOK, map[string]string{"active": id})
}

func (s *Server) tabFor(id string) (canvas.Tab, bool) {
	for _, tab := range s.tabs.Tabs() {
		if tab.ID == id {
			return tab, true
		}
	}
	return canvas.Tab{}, false
}

func (s *Server) handlePutShape(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	shapeID := r.PathValue("shapeID")

	surface, open := s.surfaceFor(id)
	if !open {
		writeJSONError(w, http.StatusNotFound, "canvas not open")
		return
	}

	var shape canvas.Shape
	if err := decodeJSON(r, &shape); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	shape.ID = shapeID
	surface.PutShape(shape)
	writeJSON(w, http.StatusOK, shape)
}

func (s *Server) handleDeleteShape(w http.ResponseWriter, r *http.Request) {
	surface, open := s.surfaceFor(r.PathValue("id"))
	if !open {
		writeJSONError(w, http.StatusNotFound, "canvas not open")
		return
	}
	surface.DeleteShape(r.PathValue("shapeID"))
	w.WriteHeader(http.StatusNoContent)
}

// --- chat sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sessionResponse{
			ID:        session.ID,
			Title:     session.Title,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.store.CreateSession(r.Context(), db.ChatSession{Title: body.Title})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:        session.ID,
		Title:     session.Title,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAllSessions(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse{
			ID:          msg.ID,
			Role:        msg.Role,
			Content:     msg.Content,
			Attachments: msg.Attachments,
			CreatedAt:   msg.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role        string   `json:"role"`
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.store.AppendMessage(r.Context(), db.ChatMessage{
		SessionID:   r.PathValue("id"),
		Role:        body.Role,
		Content:     body.Content,
		Attachments: body.Attachments,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{
		ID:          msg.ID,
		Role:        msg.Role,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		CreatedAt:   msg.CreatedAt,
	})
}

// --- provider settings ---

type providerSettingsResponse struct {
	UseCustom bool   `json:"use_custom"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	// The stored key is never echoed back; clients only learn whether
	// one is set.
	APIKeySet bool `json:"api_key_set"`
}

func (s *Server) handleGetProviderSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetProviderSettings(r.Context(), s.identity.UserID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providerSettingsResponse{
		UseCustom: settings.UseCustom,
		BaseURL:   settings.BaseURL,
		Model:     settings.Model,
		APIKeySet: settings.APIKey != "",
	})
}

func (s *Server) handlePutProviderSettings(w http.ResponseWriter, r *http.Request) {
	userID := s.identity.UserID(r)
	var body struct {
		UseCustom bool   `json:"use_custom"`
		BaseURL   string `json:"base_url"`
		APIKey    string `json:"api_key"`
		Model     string `json:"model"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// An omitted key keeps whatever is already stored so clients can
	// update the endpoint without re-entering credentials.
	if body.APIKey == "" {
		existing, err := s.store.GetProviderSettings(r.Context(), userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		body.APIKey = existing.APIKey
	}

	if err := s.store.SaveProviderSettings(r.Context(), db.ProviderSettings{
		UserID:    userID,
		UseCustom: body.UseCustom,
		BaseURL:   body.BaseURL,
		APIKey:    body.APIKey,
		Model:     body.Model,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, providerSettingsResponse{
		UseCustom: body.UseCustom,
		BaseURL:   body.BaseURL,
		Model:     body.Model,
		APIKeySet: body.APIKey != "",
	})
}

// --- export ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	result, err := s.exporter.ExportByName(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(result.PNG)
}

// --- chat ---

// handleChat streams assistant tokens over SSE. The request body carries
// the typed text; provider overrides arrive via x-provider-* headers.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.store.GetProviderSettings(r.Context(), s.identity.UserID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	provider := chat.ResolveProvider(chat.Override{
		BaseURL: r.Header.Get("x-provider-base-url"),
		APIKey:  r.Header.Get("x-provider-api-key"),
		Model:   r.Header.Get("x-provider-model"),
	}, saved, s.cfg)

	stream, err := s.chats.Submit(r.Context(), chat.Request{
		SessionID: body.SessionID,
		Text:      body.Text,
		Provider:  provider,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for token := range stream.Tokens() {
		writeSSE(w, "token", map[string]string{"token": token})
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		writeSSE(w, "error", map[string]string{
			"code":    core.ErrorCode(err),
			"message": err.Error(),
		})
	} else {
		writeSSE(w, "done", map[string]string{})
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// --- helpers ---

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps pipeline error codes onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.ErrorCode(err) {
	case core.ErrCodeExportNotFound:
		status = http.StatusNotFound
	case core.ErrCodeEmptyTurn:
		status = http.StatusBadRequest
	case core.ErrCodeProviderCallFailed:
		status = http.StatusBadGateway
	case core.ErrCodeExportFailed:
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSONError(w, status, err.Error())
}
