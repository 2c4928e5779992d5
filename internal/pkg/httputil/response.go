// Package httputil holds the JSON envelope, error mapping and middleware
// shared by every HTTP handler in notifyd.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// FieldError is implemented by errors that blame a single input field.
type FieldError interface {
	FieldError() (field, message string)
}

type errorBody struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type fieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "status", status, "error", err)
	}
}

// JSON writes v without the data envelope.
func JSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

// Text writes a plain text body.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("write response", "status", status, "error", err)
	}
}

// Success writes {"data": v}.
func Success(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

// Error writes {"error": {"message": message}}.
func Error(w http.ResponseWriter, status int, message string) {
	ErrorWithDetails(w, status, message, nil)
}

// ErrorWithDetails writes an error envelope carrying extra details.
func ErrorWithDetails(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, map[string]any{
		"error": errorBody{Message: message, Details: details},
	})
}

// ValidationError answers 400 for a rejected request body. Struct tag
// failures become a list of field details; anything else is reported as text.
func ValidationError(w http.ResponseWriter, err error) {
	ErrorWithDetails(w, http.StatusBadRequest, "validation error", validationDetails(err))
}

func validationDetails(err error) any {
	if ves, ok := err.(validator.ValidationErrors); ok {
		out := make([]fieldDetail, 0, len(ves))
		for _, fe := range ves {
			out = append(out, fieldDetail{Field: fe.Field(), Message: fe.Tag()})
		}
		return out
	}
	if fe, ok := err.(FieldError); ok {
		field, msg := fe.FieldError()
		return []fieldDetail{{Field: field, Message: msg}}
	}
	return err.Error()
}
