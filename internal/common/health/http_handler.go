package health

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const checkTimeout = 5 * time.Second

type HttpHandler struct {
	checker Checker
}

func NewHttpHandler(checker Checker) *HttpHandler {
	return &HttpHandler{
		checker: checker,
	}
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	err := h.checker.Check(ctx)
	if err == nil {
		log.Debug("Health check passed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewHttpHandler(checker))
}
