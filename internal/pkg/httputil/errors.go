package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/salon-notify/internal/pkg/ctxlog"
)

// ErrorMapping binds a sentinel error to the status it is answered with.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // err.Error() when empty
}

// HandleError answers err with the first mapping it matches. Errors that
// name a field carry it in details. Unmapped errors are logged and become 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		var fe FieldError
		if errors.As(err, &fe) {
			field, fmsg := fe.FieldError()
			ErrorWithDetails(w, m.Status, msg, []fieldDetail{{Field: field, Message: fmsg}})
			return
		}
		Error(w, m.Status, msg)
		return
	}

	logger := ctxlog.FromContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("request timed out", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
		return
	}
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
