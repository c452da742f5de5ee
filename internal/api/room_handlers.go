// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/meetpoint/internal/middleware"
	"github.com/onnwee/meetpoint/internal/relay"
	"github.com/onnwee/meetpoint/internal/room"
)

// Room slug and name validation constraints.
const (
	MinSlugLength = 3
	MaxSlugLength = 64
	MaxNameLength = 64
)

// slugPattern allows lowercase letters, digits, and interior hyphens. Slugs
// are typed and pasted into URLs by hand, so the alphabet stays small.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// CreateRoomRequest represents the request body for creating a room.
type CreateRoomRequest struct {
	Slug      string         `json:"slug"`
	Name      string         `json:"name,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	Settings  *room.Settings `json:"settings,omitempty"`
}

// UpdateRoomRequest represents the request body for updating room metadata.
// Only mutable fields are included; slug, id, and creation data are fixed.
type UpdateRoomRequest struct {
	Name     *string        `json:"name,omitempty"`
	Settings *room.Settings `json:"settings,omitempty"`
}

// RoomHandlers holds dependencies for room HTTP handlers.
type RoomHandlers struct {
	hub      *relay.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRoomHandlers creates a new RoomHandlers instance. allowedOrigins feeds
// the WebSocket origin check; empty means any origin.
func NewRoomHandlers(hub *relay.Hub, logger *slog.Logger, allowedOrigins []string) *RoomHandlers {
	return &RoomHandlers{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.OriginChecker(allowedOrigins),
		},
	}
}

// Routes registers the room endpoints on mux under /v1.
func (h *RoomHandlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/rooms", h.handleCollection)
	mux.HandleFunc("/v1/rooms/", h.handleRoom)
}

func (h *RoomHandlers) handleCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	h.CreateRoom(w, r)
}

// handleRoom dispatches /v1/rooms/{slug} and /v1/rooms/{slug}/ws.
func (h *RoomHandlers) handleRoom(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/rooms/"), "/")
	slug := pathParts[0]
	if slug == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid URL path")
		return
	}

	switch {
	case len(pathParts) == 1 && r.Method == http.MethodGet:
		h.GetRoom(w, r, slug)
	case len(pathParts) == 1 && r.Method == http.MethodPatch:
		h.UpdateRoom(w, r, slug)
	case len(pathParts) == 2 && pathParts[1] == "ws" && r.Method == http.MethodGet:
		h.RoomWebSocket(w, r, slug)
	default:
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeBadRequest, "Invalid URL path")
	}
}

// validateSlug validates a room slug.
// Returns an error message if validation fails, empty string if valid.
func validateSlug(slug string) string {
	if len(slug) < MinSlugLength {
		return "slug must be at least 3 characters"
	}
	if len(slug) > MaxSlugLength {
		return "slug must not exceed 64 characters"
	}
	if !slugPattern.MatchString(slug) {
		return "slug may only contain lowercase letters, digits, and hyphens"
	}
	return ""
}

// CreateRoom handles POST /v1/rooms - creates a new room.
func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if errMsg := validateSlug(req.Slug); errMsg != "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidSlug)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSlug, errMsg)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Slug
	}
	if len(name) > MaxNameLength {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "name must not exceed 64 characters")
		return
	}
	name = html.EscapeString(name)

	settings := room.Settings{
		MaxParticipants:  room.DefaultMaxParticipants,
		DefaultPrecision: room.PrecisionExact,
	}
	if req.Settings != nil {
		settings = *req.Settings
		if settings.MaxParticipants <= 0 || settings.MaxParticipants > room.DefaultMaxParticipants {
			settings.MaxParticipants = room.DefaultMaxParticipants
		}
		if settings.DefaultPrecision == "" {
			settings.DefaultPrecision = room.PrecisionExact
		}
		if !room.ValidPrecision(settings.DefaultPrecision) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid default precision")
			return
		}
	}

	now := room.Now()
	meta := room.Meta{
		ID:        uuid.New().String(),
		Slug:      req.Slug,
		Name:      name,
		CreatedAt: now,
		CreatedBy: strings.TrimSpace(req.CreatedBy),
		ExpiresAt: now + room.InactivityWindow.Milliseconds(),
		Settings:  settings,
	}

	if err := h.hub.CreateRoom(r.Context(), meta); err != nil {
		if errors.Is(err, relay.ErrRoomExists) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeRoomExists)
			WriteError(w, ctx, http.StatusConflict, ErrCodeRoomExists, "A room with this slug already exists")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to create room", "error", err, "slug", req.Slug)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	WriteJSON(w, r.Context(), http.StatusCreated, meta)
}

// GetRoom handles GET /v1/rooms/{slug} - returns room metadata.
func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request, slug string) {
	meta, ok := h.hub.Meta(r.Context(), slug)
	if !ok {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeRoomNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeRoomNotFound, "Room not found")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, meta)
}

// UpdateRoom handles PATCH /v1/rooms/{slug} - updates mutable room metadata
// and bumps the metadata revision.
func (h *RoomHandlers) UpdateRoom(w http.ResponseWriter, r *http.Request, slug string) {
	var req UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" || len(trimmed) > MaxNameLength {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "name must be 1-64 characters")
			return
		}
		escaped := html.EscapeString(trimmed)
		req.Name = &escaped
	}
	if req.Settings != nil {
		if req.Settings.MaxParticipants <= 0 || req.Settings.MaxParticipants > room.DefaultMaxParticipants {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "maxParticipants must be between 1 and 10")
			return
		}
		if !room.ValidPrecision(req.Settings.DefaultPrecision) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "invalid default precision")
			return
		}
	}

	meta, err := h.hub.UpdateMeta(r.Context(), slug, func(m room.Meta) room.Meta {
		if req.Name != nil {
			m.Name = *req.Name
		}
		if req.Settings != nil {
			m.Settings = *req.Settings
		}
		return m
	})
	if err != nil {
		if errors.Is(err, relay.ErrRoomNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeRoomNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeRoomNotFound, "Room not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to update room", "error", err, "slug", slug)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, meta)
}

// RoomWebSocket handles GET /v1/rooms/{slug}/ws - upgrades and attaches the
// connection to the room's relay session. Unknown rooms are refused after the
// upgrade with a protocol close code so clients can tell refusal from a
// transport failure.
func (h *RoomHandlers) RoomWebSocket(w http.ResponseWriter, r *http.Request, slug string) {
	participantID := strings.TrimSpace(r.URL.Query().Get("participant"))
	if participantID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "participant query parameter is required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to upgrade websocket connection",
			"error", err,
			"slug", slug,
		)
		return
	}
	defer conn.Close()

	requestID := middleware.GetRequestID(r.Context())
	h.logger.InfoContext(r.Context(), "websocket session opened",
		"slug", slug,
		"participant", participantID,
		"request_id", requestID,
	)

	err = h.hub.Serve(r.Context(), slug, participantID, conn)

	h.logger.InfoContext(r.Context(), "websocket session closed",
		"slug", slug,
		"participant", participantID,
		"request_id", requestID,
		"error", err,
	)
}
