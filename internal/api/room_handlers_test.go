package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/meetpoint/internal/relay"
	"github.com/onnwee/meetpoint/internal/room"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	hub := relay.NewHub(relay.Config{Logger: slog.Default()})
	mux := http.NewServeMux()
	NewRoomHandlers(hub, slog.Default(), nil).Routes(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not the standard envelope: %v (%q)", err, rec.Body.String())
	}
	return resp.Error.Code
}

func TestCreateRoom(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew","name":"38c3 crew"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}

	var meta room.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatalf("response is not room metadata: %v", err)
	}
	if meta.Slug != "38c3-crew" {
		t.Errorf("slug = %q", meta.Slug)
	}
	if meta.ID == "" {
		t.Error("room id not assigned")
	}
	if meta.Settings.MaxParticipants != room.DefaultMaxParticipants {
		t.Errorf("MaxParticipants = %d, want the default %d", meta.Settings.MaxParticipants, room.DefaultMaxParticipants)
	}
	if meta.ExpiresAt <= meta.CreatedAt {
		t.Error("expiry not set past creation")
	}
}

func TestCreateRoomDuplicateSlug(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew"}`)

	rec := doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if code := decodeError(t, rec); code != ErrCodeRoomExists {
		t.Errorf("error code = %q, want %q", code, ErrCodeRoomExists)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"slug too short", `{"slug":"ab"}`, ErrCodeInvalidSlug},
		{"slug with spaces", `{"slug":"my room"}`, ErrCodeInvalidSlug},
		{"slug with uppercase", `{"slug":"MyRoom"}`, ErrCodeInvalidSlug},
		{"slug with leading hyphen", `{"slug":"-room"}`, ErrCodeInvalidSlug},
		{"missing slug", `{}`, ErrCodeInvalidSlug},
		{"invalid json", `{"slug":`, ErrCodeBadRequest},
		{"invalid precision", `{"slug":"ok-room","settings":{"maxParticipants":5,"defaultPrecision":"county"}}`, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t)
			rec := doJSON(t, mux, http.MethodPost, "/v1/rooms", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := decodeError(t, rec); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestCreateRoomCapsParticipants(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/v1/rooms",
		`{"slug":"big-room","settings":{"maxParticipants":500,"defaultPrecision":"exact"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var meta room.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Settings.MaxParticipants != room.DefaultMaxParticipants {
		t.Errorf("MaxParticipants = %d, want clamped to %d", meta.Settings.MaxParticipants, room.DefaultMaxParticipants)
	}
}

func TestGetRoom(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew","name":"38c3 crew"}`)

	rec := doJSON(t, mux, http.MethodGet, "/v1/rooms/38c3-crew", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var meta room.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Name != "38c3 crew" {
		t.Errorf("name = %q", meta.Name)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/v1/rooms/no-such-room", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := decodeError(t, rec); code != ErrCodeRoomNotFound {
		t.Errorf("error code = %q, want %q", code, ErrCodeRoomNotFound)
	}
}

func TestUpdateRoomBumpsRevision(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew","name":"old name"}`)

	rec := doJSON(t, mux, http.MethodPatch, "/v1/rooms/38c3-crew", `{"name":"new name"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	var meta room.Meta
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Name != "new name" {
		t.Errorf("name = %q, want the update", meta.Name)
	}
	if meta.Revision != 1 {
		t.Errorf("revision = %d, want 1 after the first edit", meta.Revision)
	}

	rec = doJSON(t, mux, http.MethodPatch, "/v1/rooms/38c3-crew", `{"settings":{"maxParticipants":5,"defaultPrecision":"area"}}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Revision != 2 {
		t.Errorf("revision = %d, want 2 after the second edit", meta.Revision)
	}
	if meta.Settings.MaxParticipants != 5 {
		t.Errorf("MaxParticipants = %d, want 5", meta.Settings.MaxParticipants)
	}
}

func TestUpdateRoomNotFound(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPatch, "/v1/rooms/no-such-room", `{"name":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRoomCollectionMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodDelete, "/v1/rooms", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRoomWebSocketRequiresParticipant(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/v1/rooms", `{"slug":"38c3-crew"}`)

	rec := doJSON(t, mux, http.MethodGet, "/v1/rooms/38c3-crew/ws", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a participant id", rec.Code)
	}
}
