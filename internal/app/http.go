package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"lookboard/api/internal/authpw"
	"lookboard/api/internal/ingest"
	"lookboard/api/internal/share"
	"lookboard/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.URL.Path == "/data" {
		s.handleData(w, r)
		return
	}

	if r.URL.Path == "/board" {
		s.handleBoard(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "board" && parts[1] == "public" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		payload, err := s.service.ResolvePublicBoard(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 3 && parts[0] == "board" && parts[1] == "instance" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		payload, err := s.service.ResolveInstance(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/auth" {
		s.handleAuth(w, r)
		return
	}

	if r.URL.Path == "/admin" {
		s.handleAdmin(w, r)
		return
	}

	if r.URL.Path == "/logo" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		logo, err := s.service.Logo(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logo": logo})
		return
	}

	writeError(w, http.StatusNotFound, "Not found")
}

func (s *HTTPServer) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		email := strings.TrimSpace(r.URL.Query().Get("email"))
		if email == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}
		payload, err := s.service.Data(r.Context(), email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Action      string             `json:"action"`
		Email       string             `json:"email"`
		ImportID    string             `json:"importId"`
		ChunkIndex  int                `json:"chunkIndex"`
		ChunkType   string             `json:"chunkType"`
		Data        json.RawMessage    `json:"data"`
		ChunkCounts ingest.ChunkCounts `json:"chunkCounts"`
		Overrides   store.Overrides    `json:"overrides"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch body.Action {
	case "save-chunk":
		if err := s.service.SaveChunk(r.Context(), body.Email, body.ImportID, body.ChunkIndex, body.ChunkType, body.Data); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "commit-chunks":
		if err := s.service.CommitChunks(r.Context(), body.Email, body.ImportID, body.ChunkCounts, body.Overrides); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "save-overrides":
		if err := s.service.SaveOverrides(r.Context(), body.Email, body.Overrides); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
	}
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Action           string                     `json:"action"`
		Email            string                     `json:"email"`
		PublicID         string                     `json:"publicId"`
		InstanceID       string                     `json:"instanceId"`
		SharedByUsername string                     `json:"sharedByUsername"`
		ClientName       string                     `json:"clientName"`
		Title            string                     `json:"title"`
		Note             string                     `json:"note"`
		Feedbacks        map[string]string          `json:"feedbacks"`
		Comments         map[string][]store.Comment `json:"comments"`
		Board            *store.Lookboard           `json:"board"`
		LookID           int64                      `json:"lookId"`
		Variation        string                     `json:"variation"`
		FinalImage       string                     `json:"finalImage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch body.Action {
	case "share-board":
		instance, err := s.service.ShareBoard(r.Context(), share.CreateInput{
			PublicID:         body.PublicID,
			SharedBy:         body.Email,
			SharedByUsername: body.SharedByUsername,
			ClientName:       body.ClientName,
			Title:            body.Title,
			Note:             body.Note,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"instance": instance})
	case "update-instance":
		instance, err := s.service.UpdateInstance(r.Context(), body.InstanceID, share.UpdateInput{
			Feedbacks: body.Feedbacks,
			Comments:  body.Comments,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"instance": instance})
	case "duplicate-board":
		board, err := s.service.DuplicateBoard(r.Context(), body.Email, body.PublicID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"board": board})
	case "update-board":
		if body.Board == nil {
			writeError(w, http.StatusBadRequest, "board is required")
			return
		}
		board, err := s.service.UpdateBoard(r.Context(), body.Email, *body.Board)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"board": board})
	case "add-variation-to-look":
		look, err := s.service.AddVariationToLook(r.Context(), body.Email, body.LookID, body.Variation)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"look": look})
	case "accept-main-image-proposal":
		overrides, err := s.service.AcceptMainImageProposal(r.Context(), body.Email, body.LookID, body.FinalImage)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var body struct {
		Action   string `json:"action"`
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch body.Action {
	case "register":
		user, err := s.service.Register(r.Context(), authpw.RegisterRequest{
			Email:    body.Email,
			Username: body.Username,
			Password: body.Password,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	case "login":
		result, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"email":    result.Email,
			"username": result.Username,
			"role":     result.Role,
			"status":   result.Status,
		})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
	}
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	token := strings.TrimSpace(r.Header.Get("x-lookboard-admin-token"))
	if token == "" || token != s.service.AdminToken() {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var body struct {
		Action string `json:"action"`
		Email  string `json:"email"`
		Logo   string `json:"logo"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch body.Action {
	case "approve-user":
		user, err := s.service.ApproveUser(r.Context(), body.Email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	case "migrate-looks":
		migrated, err := s.service.MigrateLooks(r.Context(), body.Email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"migrated": migrated})
	case "reindex-boards":
		indexed, err := s.service.ReindexBoards(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": indexed})
	case "update-logo":
		if err := s.service.UpdateLogo(r.Context(), body.Logo); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, x-lookboard-admin-token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, message := mapError(err)
	writeError(w, status, message)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (int, string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "Not found"
	}
	log.Printf("request failed: %v", err)
	return http.StatusInternalServerError, "Server error"
}
