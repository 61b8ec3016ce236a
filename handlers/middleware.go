package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"followup-mailer/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const loggerKey ctxKey = iota

const requestIDHeader = "X-Request-ID"

// loggerFrom returns the request-scoped logger set by requestLogger.
func loggerFrom(r *http.Request) logrus.FieldLogger {
	if log, ok := r.Context().Value(loggerKey).(logrus.FieldLogger); ok {
		return log
	}
	return logrus.StandardLogger()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// requestLogger tags each request with an id, logs it when done and records
// its metrics.
func requestLogger(base logrus.FieldLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			log := base.WithField("request_id", id)
			r = r.WithContext(context.WithValue(r.Context(), loggerKey, logrus.FieldLogger(log)))
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			path := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.status,
				"duration": elapsed.String(),
			}).Info("[HTTP] request")
		})
	}
}
