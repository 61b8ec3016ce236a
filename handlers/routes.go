package handlers

import (
	"net/http"
	"time"

	"followup-mailer/database"
	"followup-mailer/services"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Deps are the components the API is served from.
type Deps struct {
	Store      *database.Store
	Scheduler  *services.Scheduler
	Calendar   *services.Calendar
	Resolver   *services.ColumnResolver
	Mailer     *services.MailService
	Location   *time.Location
	DailyLimit int
	Clock      func() time.Time
	Log        logrus.FieldLogger
	// StaticDir, when set, is served at /.
	StaticDir string
}

// NewRouter registers the API, metrics and health routes.
func NewRouter(d Deps) *mux.Router {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	clock := func() time.Time { return d.Clock().In(d.Location) }

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.DB().PingContext(r.Context()); err != nil {
			errorResponse(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requestLogger(d.Log))

	api.HandleFunc("/emails", RecordEmailHandler(d.Scheduler)).Methods(http.MethodPost)
	api.HandleFunc("/emails", ListEmailsHandler(d.Store, d.Location)).Methods(http.MethodGet)
	api.HandleFunc("/emails/{id:[0-9]+}", GetEmailHandler(d.Store)).Methods(http.MethodGet)
	api.HandleFunc("/emails/{id:[0-9]+}/external-follow-ups", ImportExternalFollowUpsHandler(d.Scheduler)).Methods(http.MethodPut)

	api.HandleFunc("/send-email", SendEmailHandler(d.Mailer, d.Scheduler, d.Store, d.DailyLimit, clock)).Methods(http.MethodPost)
	api.HandleFunc("/open-outlook", OpenOutlookHandler()).Methods(http.MethodPost)

	api.HandleFunc("/follow-ups", FollowUpsHandler(d.Calendar, d.Location)).Methods(http.MethodGet)
	api.HandleFunc("/follow-ups/complete", CompleteFollowUpHandler(d.Scheduler)).Methods(http.MethodPost)

	api.HandleFunc("/calendar", CalendarHandler(d.Calendar)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/companies", CompaniesHandler(d.Store)).Methods(http.MethodGet)
	api.HandleFunc("/column-mapping/resolve", ResolveColumnsHandler(d.Resolver)).Methods(http.MethodPost)

	api.HandleFunc("/limit", GetDailyLimitHandler(d.Store, d.DailyLimit, clock)).Methods(http.MethodGet)
	api.HandleFunc("/stats/daily-sends", GetDailySendsHandler(d.Store, clock)).Methods(http.MethodGet)
	api.HandleFunc("/stats/follow-ups", GetFollowUpStatsHandler(d.Store)).Methods(http.MethodGet)

	if d.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(d.StaticDir)))
	}
	return r
}
