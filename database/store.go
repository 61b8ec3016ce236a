package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"followup-mailer/apperror"

	"github.com/sirupsen/logrus"
)

// Store owns persistence of sent emails and their follow-ups.
type Store struct {
	db      *sql.DB
	dialect Dialect
	dsn     string
	now     func() time.Time
	log     logrus.FieldLogger

	// externalReady is false when the optional external columns could not be added.
	externalReady atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for sentDate and completedDate.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore wraps an already opened connection.
func NewStore(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	s.externalReady.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database named by dataSourceName. CreateSchema must be
// called before the store is used against a fresh database.
func Open(dialect Dialect, dataSourceName string, opts ...Option) (*Store, error) {
	db, err := InitDB(dialect, dataSourceName)
	if err != nil {
		return nil, err
	}
	s := NewStore(db, dialect, opts...)
	s.dsn = dataSourceName
	return s, nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema applies the base migrations and then adds optional columns.
// Only a failure of the base migrations is returned as an error.
func (s *Store) CreateSchema(ctx context.Context) ([]apperror.SchemaWarning, error) {
	if s.dsn == "" {
		return nil, apperror.Storage("create schema", errors.New("no data source configured"))
	}
	if err := ApplyMigrations(s.dialect, s.dsn); err != nil {
		return nil, apperror.Storage("create schema", err)
	}

	warnings := s.ensureOptionalColumns(ctx)

	existing, err := s.existingColumns(ctx, "emails")
	ready := err == nil
	for _, col := range externalColumns {
		ready = ready && existing[col.name]
	}
	s.externalReady.Store(ready)
	if !ready {
		s.log.Warn("[SCHEMA] External follow-up columns unavailable; import and calendar slots are disabled until the next start")
	}
	return warnings, nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func normalizeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Truncate(time.Microsecond)
}

func validateNewEmail(e NewEmail) error {
	switch {
	case strings.TrimSpace(e.Recipient) == "":
		return apperror.Validation("recipient", "is required")
	case strings.TrimSpace(e.Subject) == "":
		return apperror.Validation("subject", "is required")
	case strings.TrimSpace(e.Content) == "":
		return apperror.Validation("content", "is required")
	}
	return nil
}

// InsertEmail stores a sent email with a server-assigned id and sentDate=now.
func (s *Store) InsertEmail(ctx context.Context, e NewEmail) (SentEmail, error) {
	if err := validateNewEmail(e); err != nil {
		return SentEmail{}, err
	}

	sentDate := s.timestamp()
	query := `INSERT INTO emails (recipient, subject, content, sent_date, contact_id, source_file, source_sheet, source_line, company, contact_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query),
		e.Recipient, e.Subject, e.Content, sentDate,
		e.ContactID, e.SourceFile, e.SourceSheet, e.SourceLine, e.Company, e.ContactName,
	).Scan(&id)
	if err != nil {
		return SentEmail{}, apperror.Storage("insert email", err)
	}

	return SentEmail{
		ID:          id,
		Recipient:   e.Recipient,
		Subject:     e.Subject,
		Content:     e.Content,
		SentDate:    sentDate,
		ContactID:   e.ContactID,
		SourceFile:  e.SourceFile,
		SourceSheet: e.SourceSheet,
		SourceLine:  e.SourceLine,
		Company:     e.Company,
		ContactName: e.ContactName,
	}, nil
}

func (s *Store) emailExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM emails WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertFollowUp stores a pending follow-up for emailID.
func (s *Store) InsertFollowUp(ctx context.Context, emailID int64, date time.Time, sequenceNumber int) (FollowUp, error) {
	if sequenceNumber < 1 || sequenceNumber > MaxSequenceNumber {
		return FollowUp{}, apperror.Validation("sequenceNumber", "must be between 1 and %d, got %d", MaxSequenceNumber, sequenceNumber)
	}

	ok, err := s.emailExists(ctx, emailID)
	if err != nil {
		return FollowUp{}, apperror.Storage("insert follow-up", err)
	}
	if !ok {
		return FollowUp{}, apperror.NotFound("email", emailID)
	}

	date = date.UTC().Truncate(time.Microsecond)
	query := `INSERT INTO follow_ups (email_id, follow_up_date, status, sequence_number) VALUES (?, ?, ?, ?) RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), emailID, date, FollowUpPending, sequenceNumber).Scan(&id); err != nil {
		return FollowUp{}, apperror.Storage("insert follow-up", err)
	}

	return FollowUp{
		ID:             id,
		EmailID:        emailID,
		FollowUpDate:   date,
		Status:         FollowUpPending,
		SequenceNumber: sequenceNumber,
	}, nil
}

const followUpColumns = `f.id, f.email_id, f.follow_up_date, f.status, f.sequence_number, f.completed_date, f.notes`

type scanner interface {
	Scan(dest ...any) error
}

func scanFollowUp(row scanner, extra ...any) (FollowUp, error) {
	var (
		fu        FollowUp
		status    string
		completed sql.NullTime
		notes     sql.NullString
	)
	dest := append([]any{&fu.ID, &fu.EmailID, &fu.FollowUpDate, &status, &fu.SequenceNumber, &completed, &notes}, extra...)
	if err := row.Scan(dest...); err != nil {
		return FollowUp{}, err
	}
	fu.Status = FollowUpStatus(status)
	fu.FollowUpDate = fu.FollowUpDate.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		fu.CompletedDate = &t
	}
	if notes.Valid {
		fu.Notes = &notes.String
	}
	return fu, nil
}

// GetFollowUp returns the follow-up with id or a NotFoundError.
func (s *Store) GetFollowUp(ctx context.Context, id int64) (FollowUp, error) {
	query := `SELECT ` + followUpColumns + ` FROM follow_ups f WHERE f.id = ?`
	fu, err := scanFollowUp(s.db.QueryRowContext(ctx, s.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return FollowUp{}, apperror.NotFound("follow-up", id)
	}
	if err != nil {
		return FollowUp{}, apperror.Storage("get follow-up", err)
	}
	return fu, nil
}

// CompleteFollowUp marks a pending follow-up completed and returns the completion
// time. The update is conditional on the row still being pending, so of two
// concurrent callers exactly one succeeds; the other gets a ConflictError.
func (s *Store) CompleteFollowUp(ctx context.Context, id int64, notes string) (time.Time, error) {
	completedAt := s.timestamp()

	var notesArg any
	if notes != "" {
		notesArg = notes
	}

	query := `UPDATE follow_ups SET status = ?, completed_date = ?, notes = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), FollowUpCompleted, completedAt, notesArg, id, FollowUpPending)
	if err != nil {
		return time.Time{}, apperror.Storage("complete follow-up", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, apperror.Storage("complete follow-up", err)
	}
	if n == 0 {
		if _, err := s.GetFollowUp(ctx, id); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, apperror.Conflict("follow-up %d is already completed", id)
	}
	return completedAt, nil
}

func (s *Store) emailColumns() string {
	cols := []string{
		"e.id", "e.recipient", "e.subject", "e.content", "e.sent_date",
		"e.contact_id", "e.source_file", "e.source_sheet", "e.source_line", "e.company", "e.contact_name",
	}
	for _, col := range externalColumns {
		if s.externalReady.Load() {
			cols = append(cols, "e."+col.name)
		} else {
			cols = append(cols, "NULL AS "+col.name)
		}
	}
	return strings.Join(cols, ", ")
}

func scanEmail(row scanner) (SentEmail, error) {
	var (
		e                                        SentEmail
		contactID, file, sheet, company, contact sql.NullString
		line                                     sql.NullInt64
		dates                                    [MaxSequenceNumber]sql.NullTime
		statuses                                 [MaxSequenceNumber]sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Recipient, &e.Subject, &e.Content, &e.SentDate,
		&contactID, &file, &sheet, &line, &company, &contact,
		&dates[0], &statuses[0], &dates[1], &statuses[1], &dates[2], &statuses[2],
	)
	if err != nil {
		return SentEmail{}, err
	}

	e.SentDate = e.SentDate.UTC()
	e.ContactID = nullString(contactID)
	e.SourceFile = nullString(file)
	e.SourceSheet = nullString(sheet)
	e.Company = nullString(company)
	e.ContactName = nullString(contact)
	if line.Valid {
		n := int(line.Int64)
		e.SourceLine = &n
	}
	for i := range e.ExternalFollowUps {
		if dates[i].Valid {
			t := dates[i].Time.UTC()
			e.ExternalFollowUps[i].Date = &t
		}
		e.ExternalFollowUps[i].Status = nullString(statuses[i])
	}
	return e, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// GetEmail returns the email with id or a NotFoundError.
func (s *Store) GetEmail(ctx context.Context, id int64) (SentEmail, error) {
	query := `SELECT ` + s.emailColumns() + ` FROM emails e WHERE e.id = ?`
	e, err := scanEmail(s.db.QueryRowContext(ctx, s.dialect.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return SentEmail{}, apperror.NotFound("email", id)
	}
	if err != nil {
		return SentEmail{}, apperror.Storage("get email", err)
	}
	return e, nil
}

// UpdateEmailExternalFollowUps overwrites all three external slots of an email.
// A nil data pointer is a no-op.
func (s *Store) UpdateEmailExternalFollowUps(ctx context.Context, emailID int64, data *ExternalFollowUps) error {
	if data == nil {
		return nil
	}
	if !s.externalReady.Load() {
		return apperror.Storage("update external follow-ups", errors.New("external follow-up columns are not available"))
	}

	query := `UPDATE emails SET
		external_first_email_date = ?, external_first_email_status = ?,
		external_second_email_date = ?, external_second_email_status = ?,
		external_third_email_date = ?, external_third_email_status = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		normalizeTime(data[0].Date), data[0].Status,
		normalizeTime(data[1].Date), data[1].Status,
		normalizeTime(data[2].Date), data[2].Status,
		emailID,
	)
	if err != nil {
		return apperror.Storage("update external follow-ups", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.Storage("update external follow-ups", err)
	}
	if n == 0 {
		return apperror.NotFound("email", emailID)
	}
	return nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func likeContains(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func (s *Store) queryEmails(ctx context.Context, op, query string, args ...any) ([]SentEmail, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, apperror.Storage(op, err)
	}
	defer rows.Close()

	var emails []SentEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, apperror.Storage(op, err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage(op, err)
	}
	return emails, nil
}

// QueryEmails returns matching emails, most recent first.
func (s *Store) QueryEmails(ctx context.Context, f EmailFilter) ([]SentEmail, error) {
	var (
		conds []string
		args  []any
	)
	if f.SentFrom != nil {
		conds = append(conds, "e.sent_date >= ?")
		args = append(args, normalizeTime(f.SentFrom))
	}
	if f.SentBefore != nil {
		conds = append(conds, "e.sent_date < ?")
		args = append(args, normalizeTime(f.SentBefore))
	}
	if f.RecipientContains != "" {
		conds = append(conds, `LOWER(e.recipient) LIKE ? ESCAPE '\'`)
		args = append(args, likeContains(f.RecipientContains))
	}
	if f.Company != "" {
		conds = append(conds, "e.company = ?")
		args = append(args, f.Company)
	}

	query := `SELECT ` + s.emailColumns() + ` FROM emails e` + whereClause(conds) + ` ORDER BY e.sent_date DESC, e.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryEmails(ctx, "query emails", query, args...)
}

// QueryEmailsWithExternalIn returns emails having at least one external slot dated
// in [from, before), regardless of when the email itself was sent.
func (s *Store) QueryEmailsWithExternalIn(ctx context.Context, from, before time.Time, company string) ([]SentEmail, error) {
	if !s.externalReady.Load() {
		return nil, nil
	}

	var (
		slots []string
		args  []any
	)
	for _, col := range externalColumns {
		if !col.isDate {
			continue
		}
		slots = append(slots, fmt.Sprintf("(e.%[1]s >= ? AND e.%[1]s < ?)", col.name))
		args = append(args, normalizeTime(&from), normalizeTime(&before))
	}
	conds := []string{"(" + strings.Join(slots, " OR ") + ")"}
	if company != "" {
		conds = append(conds, "e.company = ?")
		args = append(args, company)
	}

	query := `SELECT ` + s.emailColumns() + ` FROM emails e` + whereClause(conds) + ` ORDER BY e.sent_date DESC, e.id DESC`
	return s.queryEmails(ctx, "query external follow-ups", query, args...)
}

// QueryFollowUps returns matching follow-ups joined with their email, soonest due first.
func (s *Store) QueryFollowUps(ctx context.Context, f FollowUpFilter) ([]FollowUpWithEmail, error) {
	var (
		conds []string
		args  []any
	)
	if f.DueFrom != nil {
		conds = append(conds, "f.follow_up_date >= ?")
		args = append(args, normalizeTime(f.DueFrom))
	}
	if f.DueBefore != nil {
		conds = append(conds, "f.follow_up_date < ?")
		args = append(args, normalizeTime(f.DueBefore))
	}
	if f.Status != "" {
		conds = append(conds, "f.status = ?")
		args = append(args, f.Status)
	}
	if f.Company != "" {
		conds = append(conds, "e.company = ?")
		args = append(args, f.Company)
	}
	if f.EmailID != 0 {
		conds = append(conds, "f.email_id = ?")
		args = append(args, f.EmailID)
	}

	query := `SELECT ` + followUpColumns + `, e.recipient, e.subject, e.company, e.contact_name
		FROM follow_ups f
		JOIN emails e ON f.email_id = e.id` + whereClause(conds) + `
		ORDER BY f.follow_up_date ASC, f.id ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, apperror.Storage("query follow-ups", err)
	}
	defer rows.Close()

	var result []FollowUpWithEmail
	for rows.Next() {
		var (
			item             FollowUpWithEmail
			company, contact sql.NullString
		)
		fu, err := scanFollowUp(rows, &item.Recipient, &item.Subject, &company, &contact)
		if err != nil {
			return nil, apperror.Storage("query follow-ups", err)
		}
		item.FollowUp = fu
		item.Company = nullString(company)
		item.ContactName = nullString(contact)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("query follow-ups", err)
	}
	return result, nil
}

// ListDistinctCompanies returns every non-empty company, sorted.
func (s *Store) ListDistinctCompanies(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT company FROM emails WHERE company IS NOT NULL AND company <> ''`)
	if err != nil {
		return nil, apperror.Storage("list companies", err)
	}
	defer rows.Close()

	companies := []string{}
	for rows.Next() {
		var company string
		if err := rows.Scan(&company); err != nil {
			return nil, apperror.Storage("list companies", err)
		}
		if strings.TrimSpace(company) == "" {
			continue
		}
		companies = append(companies, company)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("list companies", err)
	}
	sort.Strings(companies)
	return companies, nil
}

// CountEmailsSent counts emails sent in [from, before).
func (s *Store) CountEmailsSent(ctx context.Context, from, before time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM emails WHERE sent_date >= ? AND sent_date < ?`
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), normalizeTime(&from), normalizeTime(&before)).Scan(&count); err != nil {
		return 0, apperror.Storage("count emails", err)
	}
	return count, nil
}

// CountFollowUpsByStatus returns the number of follow-ups per status.
func (s *Store) CountFollowUpsByStatus(ctx context.Context) (map[FollowUpStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM follow_ups GROUP BY status`)
	if err != nil {
		return nil, apperror.Storage("count follow-ups", err)
	}
	defer rows.Close()

	counts := make(map[FollowUpStatus]int)
	for rows.Next() {
		var (
			status FollowUpStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperror.Storage("count follow-ups", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Storage("count follow-ups", err)
	}
	return counts, nil
}
