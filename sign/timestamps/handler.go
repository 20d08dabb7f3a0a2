package timestamps

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/digitorus/timestamp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxRequestSize bounds accepted TimeStampReq bodies.
const maxRequestSize = 64 << 10

// Handler serves a TimestampSigner over HTTP as described in RFC 3161
// section 3.4.
type Handler struct {
	Signer TimestampSigner
	Logger *slog.Logger
}

// Routes returns the router: POST / and POST /tsa accept requests, GET
// /health reports liveness.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", h.serveTimestamp)
	r.Post("/tsa", h.serveTimestamp)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (h *Handler) serveTimestamp(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != ContentTypeQuery {
		http.Error(w, "expected "+ContentTypeQuery, http.StatusUnsupportedMediaType)
		return
	}
	der, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		http.Error(w, "read request", http.StatusBadRequest)
		return
	}
	if len(der) > maxRequestSize {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp, err := h.Signer.Timestamp(r.Context(), &Request{DER: der})
	if err != nil {
		h.logger().Warn("timestamp failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		if resp, err = RejectionResponse(timestamp.SystemFailure, "timestamp could not be issued"); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	h.logger().Info("timestamp served", slog.String("remote", r.RemoteAddr), slog.Int("bytes", len(resp)))
	w.Header().Set("Content-Type", ContentTypeReply)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
