package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/audiolibrelab/rehearse/internal/service"
	"github.com/audiolibrelab/rehearse/internal/session"
	"github.com/audiolibrelab/rehearse/internal/store"
	"golang.org/x/sync/errgroup"
)

// Server exposes the practice service as a small JSON API
type Server struct {
	service service.Service
	port    string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	service.Status
	Message string `json:"message,omitempty"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// TextCreateRequest represents a request to add a practice text
type TextCreateRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// New creates a new web server instance
func New(svc service.Service, port string) *Server {
	return &Server{
		service: svc,
		port:    port,
	}
}

// Handler returns the routes of the API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/record", s.handleRecord)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/play", s.handlePlay)
	mux.HandleFunc("/play/stop", s.handleStopPlay)
	mux.HandleFunc("/api/texts", s.handleTexts)
	mux.HandleFunc("/api/texts/", s.handleText)
	mux.HandleFunc("/api/takes", s.handleTakes)
	mux.HandleFunc("/api/takes/", s.handleTake)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting Rehearse Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleIndex lists the available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.sendErrorResponse(w, http.StatusNotFound, "Not found", "path", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Rehearse</title></head>
<body>
    <h1>Rehearse</h1>
    <ul>
        <li>GET /status</li>
        <li>GET, POST /api/texts</li>
        <li>DELETE /api/texts/{id}</li>
        <li>GET /api/takes?text={id}&amp;order=asc|desc</li>
        <li>DELETE /api/takes/{id}</li>
        <li>POST /record (text_id), POST /stop</li>
        <li>POST /play (text_id), POST /play/stop</li>
    </ul>
</body>
</html>`

// handleStatus returns the coordinator state and the take being recorded
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.Status()
	s.sendJSON(w, http.StatusOK, StatusResponse{
		Status:  status,
		Message: generateStatusMessage(status),
	})
}

// handleRecord starts recording a take of the posted text_id
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	textID := r.FormValue("text_id")
	if textID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "text_id is required", "operation", "record")
		return
	}

	if err := s.service.StartTake(r.Context(), textID); err != nil {
		s.sendServiceError(w, err, "operation", "record", "text_id", textID)
		return
	}

	slog.Info("Server: recording started", "text_id", textID)
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording started"})
}

// handleStop stops the recording and saves the take
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	take, err := s.service.StopTake(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "stop")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Take saved (%.1fs)", take.DurationSeconds),
		"take":    take,
	})
}

// handlePlay starts playing the latest take of the posted text_id
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	textID := r.FormValue("text_id")
	if textID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "text_id is required", "operation", "play")
		return
	}

	take, err := s.service.StartPlayback(r.Context(), textID)
	if err != nil {
		s.sendServiceError(w, err, "operation", "play", "text_id", textID)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Playback started",
		"take":    take,
	})
}

// handleStopPlay stops the playback
func (s *Server) handleStopPlay(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	s.service.StopPlayback()
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Playback stopped"})
}

// handleTexts lists or creates practice texts
func (s *Server) handleTexts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		texts, err := s.service.ListTexts(r.Context())
		if err != nil {
			s.sendServiceError(w, err, "operation", "list_texts")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]interface{}{
			"texts":       texts,
			"total_count": len(texts),
		})

	case http.MethodPost:
		var req TextCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid JSON request", "operation", "create_text")
			return
		}
		text, err := s.service.AddText(r.Context(), req.Title, req.Content)
		if err != nil {
			s.sendServiceError(w, err, "operation", "create_text")
			return
		}
		s.sendJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"message": "Text created",
			"text":    text,
		})

	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleText deletes one practice text and its takes
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodDelete) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/texts/")
	if id == "" || strings.Contains(id, "/") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid text id", "path", r.URL.Path)
		return
	}

	if err := s.service.DeleteText(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "operation", "delete_text", "text_id", id)
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Text deleted"})
}

// handleTakes lists takes, optionally for one text
func (s *Server) handleTakes(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	q := store.TakeQuery{TextID: r.URL.Query().Get("text")}
	switch strings.ToLower(r.URL.Query().Get("order")) {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		s.sendErrorResponse(w, http.StatusBadRequest, "order must be asc or desc", "operation", "list_takes")
		return
	}

	takes, err := s.service.ListTakes(r.Context(), q)
	if err != nil {
		s.sendServiceError(w, err, "operation", "list_takes")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"takes":       takes,
		"total_count": len(takes),
	})
}

// handleTake deletes one take and its audio file
func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodDelete) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/takes/")
	if id == "" || strings.Contains(id, "/") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid take id", "path", r.URL.Path)
		return
	}

	if err := s.service.DeleteTake(r.Context(), id); err != nil {
		s.sendServiceError(w, err, "operation", "delete_take", "take_id", id)
		return
	}
	s.sendJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Take deleted"})
}

// generateStatusMessage creates appropriate status messages based on current state
func generateStatusMessage(status service.Status) string {
	switch {
	case status.Recording != session.StateIdle:
		if status.TextID != "" {
			return fmt.Sprintf("Recording in progress - %.0fs", status.ElapsedSeconds)
		}
		return "Recording in progress"
	case status.Playback != session.StateIdle:
		return "Playing back"
	case status.LastError != "":
		return status.LastError
	default:
		return ""
	}
}

// statusCode maps service errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrResourceBusy),
		errors.Is(err, session.ErrHolderArmed),
		errors.Is(err, service.ErrNotRecording),
		errors.Is(err, store.ErrTextInUse):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrOwnerNotFound),
		errors.Is(err, session.ErrFileMissing):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "method", r.Method, "path", r.URL.Path)
	return false
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusCode(err), err.Error(), logContext...)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	s.sendJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
