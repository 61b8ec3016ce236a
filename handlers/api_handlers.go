package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"followup-mailer/apperror"
	"followup-mailer/database"
	"followup-mailer/services"
	"followup-mailer/utils"

	"github.com/gorilla/mux"
)

// EmailReader is the read side of the store used by the listing endpoints.
type EmailReader interface {
	GetEmail(ctx context.Context, id int64) (database.SentEmail, error)
	QueryEmails(ctx context.Context, f database.EmailFilter) ([]database.SentEmail, error)
	ListDistinctCompanies(ctx context.Context) ([]string, error)
}

// RecordEmailRequest is the payload of POST /api/emails.
type RecordEmailRequest struct {
	Recipient   string                `json:"recipient" validate:"required"`
	Subject     string                `json:"subject" validate:"required"`
	Content     string                `json:"content" validate:"required"`
	ContactData *services.ContactData `json:"contactData,omitempty"`
}

// SendEmailRequest is the payload of POST /api/send-email.
type SendEmailRequest struct {
	To          string                `json:"to" validate:"required,email"`
	CC          []string              `json:"cc,omitempty" validate:"omitempty,dive,email"`
	BCC         []string              `json:"bcc,omitempty" validate:"omitempty,dive,email"`
	Subject     string                `json:"subject" validate:"required"`
	Content     string                `json:"content" validate:"required"`
	ContactData *services.ContactData `json:"contactData,omitempty"`
}

// OpenOutlookRequest is the payload of POST /api/open-outlook.
type OpenOutlookRequest struct {
	To      string `json:"to" validate:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// CompleteFollowUpRequest is the payload of POST /api/follow-ups/complete.
type CompleteFollowUpRequest struct {
	FollowUpID int64  `json:"followUpId" validate:"required,min=1"`
	Notes      string `json:"notes"`
}

// ImportExternalRequest is the payload of PUT /api/emails/{id}/external-follow-ups.
type ImportExternalRequest struct {
	ContactData services.ContactData `json:"contactData"`
}

// CalendarRequest is the payload of POST /api/calendar.
type CalendarRequest struct {
	Year          int                     `json:"year" validate:"required"`
	Month         int                     `json:"month" validate:"required"`
	Company       string                  `json:"company"`
	ColumnMapping *services.ColumnMapping `json:"columnMapping,omitempty"`
	SeedAllDays   bool                    `json:"seedAllDays"`
}

// ResolveColumnsRequest is the payload of POST /api/column-mapping/resolve.
type ResolveColumnsRequest struct {
	Headers    []string         `json:"headers"`
	SampleRows []map[string]any `json:"sampleRows"`
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("id", "invalid id %q", raw)
	}
	return id, nil
}

// scheduleError answers a failed record-and-schedule. When the email row was
// already written its id is returned so the client can retry the import.
func scheduleError(w http.ResponseWriter, r *http.Request, err error) {
	var stepErr *services.StepError
	if errors.As(err, &stepErr) {
		respondError(w, r, err, map[string]any{"emailId": stepErr.EmailID, "failedStep": stepErr.Step})
		return
	}
	respondError(w, r, err, nil)
}

// RecordEmailHandler stores an email sent outside the service and schedules
// its follow-ups.
func RecordEmailHandler(scheduler *services.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecordEmailRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}

		res, err := scheduler.RecordAndSchedule(r.Context(), services.SendRequest{
			Recipient: req.Recipient,
			Subject:   req.Subject,
			Content:   req.Content,
			Contact:   req.ContactData,
		})
		if err != nil {
			scheduleError(w, r, err)
			return
		}
		successResponse(w, "Email recorded successfully", res)
	}
}

// SendEmailHandler sends through SMTP within the daily limit and then records
// the email and its follow-ups.
func SendEmailHandler(mailer *services.MailService, scheduler *services.Scheduler, counter utils.SendCounter, dailyLimit int, clock func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendEmailRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}
		if !mailer.Configured() {
			errorResponse(w, "Email sending is not configured on this server.", http.StatusServiceUnavailable)
			return
		}

		limit, err := utils.CheckDailyLimit(r.Context(), counter, clock(), dailyLimit)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		if limit.Exceeded() {
			errorResponse(w, "Daily mail limit exceeded.", http.StatusForbidden)
			return
		}

		err = mailer.Send(services.OutgoingMail{
			To:      req.To,
			CC:      req.CC,
			BCC:     req.BCC,
			Subject: req.Subject,
			Body:    req.Content,
		})
		if err != nil {
			errorResponse(w, "Failed to send email: "+err.Error(), http.StatusBadGateway)
			return
		}

		res, err := scheduler.RecordAndSchedule(r.Context(), services.SendRequest{
			Recipient: req.To,
			Subject:   req.Subject,
			Content:   req.Content,
			Contact:   req.ContactData,
		})
		if err != nil {
			loggerFrom(r).Errorf("[HTTP] Email to %s was sent but could not be recorded: %v", req.To, err)
			scheduleError(w, r, err)
			return
		}
		successResponse(w, "Email sent successfully", res)
	}
}

// OpenOutlookHandler returns a mailto: link for composing the email locally.
func OpenOutlookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenOutlookRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Mail client link created", map[string]string{
			"mailtoUrl": services.BuildMailtoURL(req.To, req.Subject, req.Body),
		})
	}
}

// ListEmailsHandler lists emails, optionally for one local day, a recipient
// substring or a company.
func ListEmailsHandler(store EmailReader, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := database.EmailFilter{
			RecipientContains: strings.TrimSpace(q.Get("recipient")),
			Company:           strings.TrimSpace(q.Get("company")),
		}
		if date := q.Get("date"); date != "" {
			day, err := parseDay(date, loc)
			if err != nil {
				respondError(w, r, err, nil)
				return
			}
			next := day.AddDate(0, 0, 1)
			filter.SentFrom, filter.SentBefore = &day, &next
		}
		if limitStr := q.Get("limit"); limitStr != "" {
			if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
				filter.Limit = parsed
			}
		}

		emails, err := store.QueryEmails(r.Context(), filter)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		if emails == nil {
			emails = []database.SentEmail{}
		}
		successResponse(w, "Emails retrieved successfully", emails)
	}
}

// GetEmailHandler returns one email by id.
func GetEmailHandler(store EmailReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		email, err := store.GetEmail(r.Context(), id)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Email retrieved successfully", email)
	}
}

// ImportExternalFollowUpsHandler copies follow-up dates from a spreadsheet row
// onto an existing email.
func ImportExternalFollowUpsHandler(scheduler *services.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		var req ImportExternalRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}
		email, err := scheduler.ImportExternalFollowUps(r.Context(), id, req.ContactData)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "External follow-up data imported", email)
	}
}

// FollowUpsHandler lists pending follow-ups, soonest first, or those due on ?date=.
func FollowUpsHandler(calendar *services.Calendar, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if date := r.URL.Query().Get("date"); date != "" {
			day, err := parseDay(date, loc)
			if err != nil {
				respondError(w, r, err, nil)
				return
			}
			view, err := calendar.Day(r.Context(), day)
			if err != nil {
				respondError(w, r, err, nil)
				return
			}
			successResponse(w, "Follow-ups retrieved successfully", view.FollowUps)
			return
		}

		items, err := calendar.Pending(r.Context())
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Pending follow-ups retrieved successfully", items)
	}
}

// CompleteFollowUpHandler completes a follow-up and schedules the next one.
func CompleteFollowUpHandler(scheduler *services.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompleteFollowUpRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}
		result, err := scheduler.CompleteFollowUp(r.Context(), req.FollowUpID, req.Notes)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		msg := "Follow-up completed"
		if result.Warning != "" {
			msg = "Follow-up completed with warnings"
		}
		successResponse(w, msg, result)
	}
}

func atoiParam(q map[string][]string, key string) (int, error) {
	values := q[key]
	if len(values) == 0 || values[0] == "" {
		return 0, apperror.Validation(key, "is required")
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, apperror.Validation(key, "must be a number, got %q", values[0])
	}
	return n, nil
}

func calendarQueryFromURL(r *http.Request) (services.CalendarQuery, error) {
	q := r.URL.Query()
	year, err := atoiParam(q, "year")
	if err != nil {
		return services.CalendarQuery{}, err
	}
	month, err := atoiParam(q, "month")
	if err != nil {
		return services.CalendarQuery{}, err
	}

	query := services.CalendarQuery{
		Year:        year,
		Month:       month,
		Company:     strings.TrimSpace(q.Get("company")),
		SeedAllDays: q.Get("seed") == "true" || q.Get("seed") == "1",
	}
	mapping := services.ColumnMapping{
		FirstEmailColumn:  q.Get("firstEmailColumn"),
		SecondEmailColumn: q.Get("secondEmailColumn"),
		ThirdEmailColumn:  q.Get("thirdEmailColumn"),
	}
	if !mapping.IsEmpty() {
		query.Mapping = &mapping
	}
	return query, nil
}

// CalendarHandler serves GET (query string) and POST (JSON body) month views.
func CalendarHandler(calendar *services.Calendar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			query services.CalendarQuery
			err   error
		)
		if r.Method == http.MethodPost {
			var req CalendarRequest
			if err = decodeJSON(r, &req); err == nil {
				query = services.CalendarQuery{
					Year:        req.Year,
					Month:       req.Month,
					Company:     strings.TrimSpace(req.Company),
					Mapping:     req.ColumnMapping,
					SeedAllDays: req.SeedAllDays,
				}
			}
		} else {
			query, err = calendarQueryFromURL(r)
		}
		if err != nil {
			respondError(w, r, err, nil)
			return
		}

		month, err := calendar.Month(r.Context(), query)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Calendar data retrieved successfully", map[string]any{"calendarData": month})
	}
}

// CompaniesHandler lists the distinct companies, sorted.
func CompaniesHandler(store EmailReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		companies, err := store.ListDistinctCompanies(r.Context())
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Companies retrieved successfully", companies)
	}
}

// ResolveColumnsHandler guesses the follow-up and contact columns of a spreadsheet.
func ResolveColumnsHandler(resolver *services.ColumnResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveColumnsRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Column mapping resolved", map[string]any{
			"columnMapping":  resolver.Resolve(req.Headers, req.SampleRows),
			"contactColumns": services.ResolveContactColumns(req.Headers),
		})
	}
}

// GetDailyLimitHandler returns the current daily mail count and limit
func GetDailyLimitHandler(counter utils.SendCounter, dailyLimit int, clock func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := utils.CheckDailyLimit(r.Context(), counter, clock(), dailyLimit)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Daily mail limit status retrieved", limit)
	}
}

// GetDailySendsHandler returns sends per day for the last ?days= days (default 7).
func GetDailySendsHandler(counter utils.SendCounter, clock func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 7
		if daysStr := r.URL.Query().Get("days"); daysStr != "" {
			if parsed, err := strconv.Atoi(daysStr); err == nil && parsed > 0 && parsed <= 366 {
				days = parsed
			}
		}
		dailySends, err := utils.GetDailySendsOverPeriod(r.Context(), counter, clock(), days)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Daily sends over period retrieved", dailySends)
	}
}

// GetFollowUpStatsHandler returns follow-up counts by status.
func GetFollowUpStatsHandler(counter utils.StatusCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dist, err := utils.GetFollowUpStatusDistribution(r.Context(), counter)
		if err != nil {
			respondError(w, r, err, nil)
			return
		}
		successResponse(w, "Follow-up status distribution retrieved", dist)
	}
}
