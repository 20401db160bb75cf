package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Ernest01982/tuktukadmin/internal/audit"
	"github.com/Ernest01982/tuktukadmin/internal/backend"
	"github.com/Ernest01982/tuktukadmin/internal/console"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseNonNegativeInt(raw, name string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return val, nil
}

// handleServiceError maps console and backend failures onto responses.
func (a *API) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var fetchErr *backend.FetchError
	switch {
	case console.IsInvalidInput(err):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: invalid input: "))
	case errors.Is(err, backend.ErrNoSession):
		writeError(w, r, http.StatusUnauthorized, "no active session")
	case errors.Is(err, backend.ErrConflict):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrUnknownFunction):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &fetchErr):
		a.logger.Warn("fetch failed", zap.String("table", fetchErr.Table), zap.Error(fetchErr.Err))
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		a.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, map[string]any{"error": msg})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
