package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"followup-mailer/apperror"
	"followup-mailer/database"
	"followup-mailer/metrics"

	"github.com/sirupsen/logrus"
)

// FollowUpIntervalDays is the gap between an email (or a completed follow-up)
// and the next reminder.
const FollowUpIntervalDays = 7

// RecordStore is the part of database.Store the scheduler writes through.
type RecordStore interface {
	InsertEmail(ctx context.Context, e database.NewEmail) (database.SentEmail, error)
	GetEmail(ctx context.Context, id int64) (database.SentEmail, error)
	InsertFollowUp(ctx context.Context, emailID int64, date time.Time, sequenceNumber int) (database.FollowUp, error)
	GetFollowUp(ctx context.Context, id int64) (database.FollowUp, error)
	CompleteFollowUp(ctx context.Context, id int64, notes string) (time.Time, error)
	UpdateEmailExternalFollowUps(ctx context.Context, emailID int64, data *database.ExternalFollowUps) error
}

// ContactData is one spreadsheet row as handed over by the importer.
type ContactData struct {
	ID            string         `json:"id,omitempty"`
	SourceFile    string         `json:"excelFile,omitempty"`
	SourceSheet   string         `json:"sheetName,omitempty"`
	LineNumber    int            `json:"lineNumber,omitempty"`
	Company       string         `json:"company,omitempty"`
	ContactName   string         `json:"name,omitempty"`
	Headers       []string       `json:"headers,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	ColumnMapping *ColumnMapping `json:"columnMapping,omitempty"`
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// SendRequest describes an email that was just sent.
type SendRequest struct {
	Recipient string
	Subject   string
	Content   string
	Contact   *ContactData
}

func (r SendRequest) newEmail() database.NewEmail {
	e := database.NewEmail{
		Recipient: r.Recipient,
		Subject:   r.Subject,
		Content:   r.Content,
	}
	c := r.Contact
	if c == nil {
		return e
	}

	company, name := c.Company, c.ContactName
	if (company == "" || name == "") && len(c.Headers) > 0 {
		cols := ResolveContactColumns(c.Headers)
		if company == "" && cols.Company != "" {
			company = cellString(c.Fields[cols.Company])
		}
		if name == "" && cols.ContactName != "" {
			name = cellString(c.Fields[cols.ContactName])
		}
	}

	e.ContactID = optional(c.ID)
	e.SourceFile = optional(c.SourceFile)
	e.SourceSheet = optional(c.SourceSheet)
	e.Company = optional(company)
	e.ContactName = optional(name)
	if c.LineNumber > 0 {
		line := c.LineNumber
		e.SourceLine = &line
	}
	return e
}

// Workflow steps reported by StepError.
const (
	StepInitialFollowUp  = "initial_follow_up"
	StepExternalFollowUp = "external_follow_up"
	StepExternalImport   = "external_import"
)

// StepError reports a failure after the email was already stored.
type StepError struct {
	Step    string
	EmailID int64
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("email %d recorded but step %s failed: %v", e.EmailID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ScheduleResult is returned by RecordAndSchedule.
type ScheduleResult struct {
	EmailID     int64     `json:"emailId"`
	SentDate    time.Time `json:"sentDate"`
	FollowUpIDs []int64   `json:"followUpIds"`
}

// CompletionResult is returned by CompleteFollowUp.
type CompletionResult struct {
	Completed        bool       `json:"completed"`
	NextFollowUp     bool       `json:"nextFollowUp"`
	NextFollowUpID   *int64     `json:"nextFollowUpId,omitempty"`
	NextFollowUpDate *time.Time `json:"nextFollowUpDate,omitempty"`
	Warning          string     `json:"warning,omitempty"`
}

// Scheduler creates and advances follow-up chains.
type Scheduler struct {
	store    RecordStore
	resolver *ColumnResolver
	loc      *time.Location
	log      logrus.FieldLogger
}

// NewScheduler creates a Scheduler. Follow-up dates are computed in loc.
func NewScheduler(store RecordStore, resolver *ColumnResolver, loc *time.Location, log logrus.FieldLogger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if resolver == nil {
		resolver = NewColumnResolver(loc)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{store: store, resolver: resolver, loc: loc, log: log}
}

func (s *Scheduler) followUpAfter(t time.Time) time.Time {
	return t.In(s.loc).AddDate(0, 0, FollowUpIntervalDays)
}

func (s *Scheduler) extract(c *ContactData) ExternalExtraction {
	if c == nil || len(c.Fields) == 0 {
		return ExternalExtraction{}
	}
	mapping := c.ColumnMapping
	if mapping == nil && len(c.Headers) > 0 {
		resolved := s.resolver.Resolve(c.Headers, []map[string]any{c.Fields})
		mapping = &resolved
	}
	return s.resolver.ExtractExternalFollowUps(c.Fields, c.Headers, mapping)
}

// RecordAndSchedule stores a sent email, creates follow-up #1 a week after the
// send, creates one follow-up per imported external date (a week after that
// date, numbered by its slot) and stores the imported slots on the email.
// Imported follow-ups coexist with the internal one, so an email can end up with
// two sequence-1 rows.
func (s *Scheduler) RecordAndSchedule(ctx context.Context, req SendRequest) (ScheduleResult, error) {
	email, err := s.store.InsertEmail(ctx, req.newEmail())
	if err != nil {
		return ScheduleResult{}, err
	}
	metrics.EmailsRecorded.Inc()

	result := ScheduleResult{EmailID: email.ID, SentDate: email.SentDate}
	log := s.log.WithField("email_id", email.ID)

	first, err := s.store.InsertFollowUp(ctx, email.ID, s.followUpAfter(email.SentDate), 1)
	if err != nil {
		log.Errorf("[SCHEDULER] Error creating follow-up: %v", err)
		return result, &StepError{Step: StepInitialFollowUp, EmailID: email.ID, Err: err}
	}
	metrics.FollowUpsCreated.WithLabelValues("initial").Inc()
	result.FollowUpIDs = append(result.FollowUpIDs, first.ID)

	ext := s.extract(req.Contact)
	for slot, data := range ext.Slots {
		if data.Date == nil {
			continue
		}
		fu, err := s.store.InsertFollowUp(ctx, email.ID, s.followUpAfter(*data.Date), slot+1)
		if err != nil {
			log.Errorf("[SCHEDULER] Error creating %s external follow-up: %v", slotNames[slot], err)
			return result, &StepError{Step: StepExternalFollowUp, EmailID: email.ID, Err: err}
		}
		metrics.FollowUpsCreated.WithLabelValues("external").Inc()
		result.FollowUpIDs = append(result.FollowUpIDs, fu.ID)
	}

	if hasAnySlot(ext.Slots) {
		if !ext.Slots.HasDates() {
			log.Info("[SCHEDULER] Spreadsheet row has follow-up statuses but no dates")
		}
		if err := s.store.UpdateEmailExternalFollowUps(ctx, email.ID, &ext.Slots); err != nil {
			log.Errorf("[SCHEDULER] Error storing external follow-up data: %v", err)
			return result, &StepError{Step: StepExternalImport, EmailID: email.ID, Err: err}
		}
	}

	log.Infof("[SCHEDULER] Recorded email to %s with %d follow-up(s)", email.Recipient, len(result.FollowUpIDs))
	return result, nil
}

func hasAnySlot(slots database.ExternalFollowUps) bool {
	for _, slot := range slots {
		if !slot.IsZero() {
			return true
		}
	}
	return false
}

// CompleteFollowUp marks a follow-up completed and, below the third step, creates
// the next one a week from now. A completion whose successor cannot be created
// still counts; the result carries a warning instead of an error.
func (s *Scheduler) CompleteFollowUp(ctx context.Context, id int64, notes string) (CompletionResult, error) {
	fu, err := s.store.GetFollowUp(ctx, id)
	if err != nil {
		return CompletionResult{}, err
	}
	if fu.Status == database.FollowUpCompleted {
		return CompletionResult{}, apperror.Conflict("follow-up %d is already completed", id)
	}

	completedAt, err := s.store.CompleteFollowUp(ctx, id, notes)
	if err != nil {
		return CompletionResult{}, err
	}

	log := s.log.WithFields(logrus.Fields{"follow_up_id": id, "email_id": fu.EmailID, "sequence": fu.SequenceNumber})
	result := CompletionResult{Completed: true}

	if fu.SequenceNumber >= database.MaxSequenceNumber {
		metrics.FollowUpsCompleted.WithLabelValues("exhausted").Inc()
		log.Info("[SCHEDULER] Final follow-up completed, chain exhausted")
		return result, nil
	}

	next, err := s.store.InsertFollowUp(ctx, fu.EmailID, s.followUpAfter(completedAt), fu.SequenceNumber+1)
	if err != nil {
		metrics.FollowUpsCompleted.WithLabelValues("broken_chain").Inc()
		log.Warnf("[SCHEDULER] Follow-up completed but next one could not be created: %v", err)
		result.Warning = fmt.Sprintf("follow-up %d was completed but follow-up #%d could not be created; the chain may be broken: %v",
			id, fu.SequenceNumber+1, err)
		return result, nil
	}

	metrics.FollowUpsCompleted.WithLabelValues("advanced").Inc()
	metrics.FollowUpsCreated.WithLabelValues("chain").Inc()
	log.Infof("[SCHEDULER] Follow-up completed, #%d due %s", next.SequenceNumber, next.FollowUpDate.Format(time.RFC3339))

	result.NextFollowUp = true
	result.NextFollowUpID = &next.ID
	result.NextFollowUpDate = &next.FollowUpDate
	return result, nil
}

// ImportExternalFollowUps reads the external follow-up columns from a spreadsheet
// row and stores them on the email. Slots without a mapped column keep their
// current values; a row without any mapped column leaves the email untouched.
func (s *Scheduler) ImportExternalFollowUps(ctx context.Context, emailID int64, contact ContactData) (database.SentEmail, error) {
	email, err := s.store.GetEmail(ctx, emailID)
	if err != nil {
		return database.SentEmail{}, err
	}

	ext := s.extract(&contact)
	merged := email.ExternalFollowUps
	touched := false
	for slot, mapped := range ext.Mapped {
		if mapped {
			merged[slot] = ext.Slots[slot]
			touched = true
		}
	}
	if !touched {
		s.log.WithField("email_id", emailID).Info("[SCHEDULER] No external follow-up columns in row, nothing imported")
		return email, nil
	}

	if err := s.store.UpdateEmailExternalFollowUps(ctx, emailID, &merged); err != nil {
		return database.SentEmail{}, err
	}
	email.ExternalFollowUps = merged
	return email, nil
}
