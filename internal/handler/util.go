package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps a service error to its HTTP status. Internal
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := statusFor(service.CodeOf(err))
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context(), log).Error("request failed", zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	body := map[string]any{
		"success": false,
		"error":   service.ReasonOf(err),
		"code":    service.CodeOf(err),
	}
	writeJSON(w, status, body)
}

func statusFor(code service.ErrorCode) int {
	switch code {
	case service.ErrorInvalidInput:
		return http.StatusBadRequest
	case service.ErrorNotFound:
		return http.StatusNotFound
	case service.ErrorForbidden:
		return http.StatusForbidden
	case service.ErrorConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid request body")
	}
	return nil
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
