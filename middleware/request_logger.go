package middleware

import (
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/llm-gateway/internal/observability"
	"go.uber.org/zap"
)

// Response headers set on every request
const (
	RequestIDHeader      = "X-Request-ID"
	ProcessingTimeHeader = "X-Processing-Time"
)

// RequestLogger assigns a request id, logs the request and its outcome, and
// reports the processing time in a response header.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = chimw.GetReqID(r.Context())
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			logger.Info("request started",
				observability.RequestField(requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)))

			ww := &timingWriter{WrapResponseWriter: chimw.NewWrapResponseWriter(w, r.ProtoMajor), start: start}
			next.ServeHTTP(ww, r.WithContext(WithRequestID(r.Context(), requestID)))

			logger.Info("request completed",
				observability.RequestField(requestID),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// timingWriter stamps the processing time header just before the status line
type timingWriter struct {
	chimw.WrapResponseWriter
	start       time.Time
	wroteHeader bool
}

func (w *timingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set(ProcessingTimeHeader, formatMillis(time.Since(w.start)))
	}
	w.WrapResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.WrapResponseWriter.Write(b)
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}
