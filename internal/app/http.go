package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseflow/api/internal/schema"
	"caseflow/api/internal/search"
	"caseflow/api/internal/stage"
	"caseflow/api/internal/store"
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

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		if err := s.service.PingCaches(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["cache"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		} else if s.service.caches != nil {
			checks["cache"] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/summary" {
		total, outstanding, complete, err := s.service.SummaryCounts(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":       total,
			"outstanding": outstanding,
			"complete":    complete,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := search.Query{
			Text:         r.URL.Query().Get("q"),
			FilterTenant: r.URL.Query().Get("tenant"),
			FilterType:   search.ResultType(r.URL.Query().Get("type")),
			Limit:        intParam(r, "limit"),
			Offset:       intParam(r, "offset"),
		}
		writeJSON(w, http.StatusOK, s.service.Search(query))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tenants" {
		writeJSON(w, http.StatusOK, map[string]any{"tenants": s.service.registry.Tenants()})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/matters" {
		var body struct {
			Tenant     string `json:"tenant"`
			Reference  string `json:"reference"`
			ClientName string `json:"clientName"`
			ClientType string `json:"clientType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		matter, err := s.service.CreateMatter(r.Context(), schema.Tenant(body.Tenant), body.Reference, body.ClientName, body.ClientType)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, matter)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/matters" {
		summaries, err := s.service.ListMatters(r.Context(), r.URL.Query().Get("tenant"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matters": summaries})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/matters/{id}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "matters" {
		summary, err := s.service.GetMatter(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	// /api/matters/{id}/history
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "matters" && parts[3] == "history" {
		limit := intParam(r, "limit")
		items, err := s.service.StageHistory(parts[2], limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saves": items})
		return
	}

	// /api/matters/{id}/stages/{n}[/...]
	if len(parts) >= 5 && parts[0] == "api" && parts[1] == "matters" && parts[3] == "stages" {
		matterID := parts[2]
		stageNumber, err := strconv.Atoi(parts[4])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_STAGE", "stage must be a number", nil)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 6 && parts[5] == "open" {
			view, err := s.service.OpenStage(r.Context(), matterID, stageNumber, r.Header.Get("X-Role"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}

		if r.Method == http.MethodGet && len(parts) == 5 {
			view, err := s.service.StageState(r.Context(), matterID, stageNumber)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 6 && parts[5] == "change" {
			var body struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			view, err := s.service.ChangeField(r.Context(), matterID, stageNumber, body.Key, body.Value)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}

		if r.Method == http.MethodPost && len(parts) == 6 && parts[5] == "save" {
			view, err := s.service.SaveStage(r.Context(), matterID, stageNumber, r.Header.Get("X-Actor"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Role, X-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
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

func intParam(r *http.Request, name string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var unknownStage *schema.UnknownStageError
	if errors.As(err, &unknownStage) {
		return http.StatusNotFound, "UNKNOWN_STAGE", unknownStage.Error(), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, stage.ErrNoChanges) {
		return http.StatusConflict, "NO_CHANGES", "No changes to save", nil
	}
	if errors.Is(err, stage.ErrSaveInFlight) {
		return http.StatusConflict, "SAVE_IN_FLIGHT", "A save is already in flight", nil
	}
	if errors.Is(err, stage.ErrNotLoaded) {
		return http.StatusBadRequest, "NOT_LOADED", "Stage session not loaded", nil
	}
	if errors.Is(err, stage.ErrUnknownField) {
		return http.StatusBadRequest, "UNKNOWN_FIELD", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
