// Package throttle serves origin segments at a capped byte rate.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"stream-corruptor/internal/corruption"
	"stream-corruptor/internal/origin"
	"stream-corruptor/internal/platform/apperror"

	"golang.org/x/time/rate"
)

// maxChunk is the largest read handed to the limiter at once.
const maxChunk = 32 << 10

// passThroughHeaders are copied from the origin response.
var passThroughHeaders = []string{"Content-Type", "Content-Length", "Cache-Control", "Last-Modified", "ETag"}

// Handler streams ?url= to the client at ?rate= bytes per second.
type Handler struct {
	client *origin.Client
	log    *slog.Logger
}

// NewHandler returns a Handler that fetches through client.
func NewHandler(client *origin.Client, log *slog.Logger) *Handler {
	return &Handler{client: client, log: log}
}

// ServeHTTP handles GET /api/v2/throttle?url=&rate=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := origin.ValidateURL(q.Get(corruption.ParamURL))
	if err != nil {
		apperror.Write(w, err)
		return
	}
	bps, err := strconv.ParseInt(q.Get(corruption.FieldRate), 10, 64)
	if err != nil || bps <= 0 {
		apperror.Write(w, apperror.Validation(fmt.Sprintf("invalid rate parameter %q", q.Get(corruption.FieldRate))))
		return
	}

	resp, err := h.client.Open(r.Context(), target.String())
	if err != nil {
		apperror.Write(w, err)
		return
	}
	defer resp.Body.Close()

	for _, name := range passThroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := Copy(r.Context(), w, resp.Body, bps)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("throttled copy aborted",
			slog.String("url", target.String()),
			slog.Int64("rate", bps),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
		return
	}
	h.log.Debug("throttled copy finished", slog.String("url", target.String()), slog.Int64("bytes", n))
}

// Copy copies src to dst at no more than bps bytes per second, flushing
// after every chunk when dst supports it. It returns the bytes written.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, bps int64) (int64, error) {
	burst := int(min(bps, maxChunk))
	limiter := rate.NewLimiter(rate.Limit(bps), burst)
	flusher, _ := dst.(http.Flusher)

	buf := make([]byte, burst)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := limiter.WaitN(ctx, n); err != nil {
				return written, err
			}
			m, err := dst.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
