package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
)

var validate = validator.New()

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps engine errors onto status codes.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attempt.ErrSubmitFailed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, exam.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exam.ErrAttemptInProgress),
		errors.Is(err, exam.ErrNoAttemptsLeft),
		errors.Is(err, exam.ErrAttemptClosed),
		errors.Is(err, exam.ErrNotFinished):
		status = http.StatusConflict
	case errors.Is(err, exam.ErrUnknownQuestion), errors.Is(err, attempt.ErrInvalidGrade):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Printf("[http] %v", err)
	}
	respondError(w, status, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "bad json")
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}
