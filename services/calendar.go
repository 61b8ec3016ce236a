package services

import (
	"context"
	"time"

	"followup-mailer/apperror"
	"followup-mailer/database"
	"followup-mailer/metrics"

	"github.com/jinzhu/now"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CalendarStore is the read side of database.Store used by the calendar.
type CalendarStore interface {
	QueryEmails(ctx context.Context, f database.EmailFilter) ([]database.SentEmail, error)
	QueryEmailsWithExternalIn(ctx context.Context, from, before time.Time, company string) ([]database.SentEmail, error)
	QueryFollowUps(ctx context.Context, f database.FollowUpFilter) ([]database.FollowUpWithEmail, error)
}

// CalendarQuery selects one month of the calendar.
type CalendarQuery struct {
	Year    int
	Month   int
	Company string
	// Mapping, when set, names the spreadsheet column of each external slot.
	// Unnamed slots keep the default column.
	Mapping *ColumnMapping
	// SeedAllDays adds an empty entry for every day of the month.
	SeedAllDays bool
}

// ExternalFollowUpEntry is an imported follow-up date shown on the calendar.
type ExternalFollowUpEntry struct {
	ID             int64     `json:"id"`
	ContactName    *string   `json:"contactName"`
	Company        *string   `json:"company"`
	Recipient      string    `json:"recipient"`
	FollowUpDate   time.Time `json:"followUpDate"`
	Status         *string   `json:"status"`
	SequenceNumber int       `json:"sequenceNumber"`
	SourceColumn   string    `json:"sourceColumn"`
}

// CalendarDay groups everything that happens on one local day.
type CalendarDay struct {
	Emails            []database.SentEmail         `json:"emails"`
	FollowUps         []database.FollowUpWithEmail `json:"followUps"`
	ExternalFollowUps []ExternalFollowUpEntry      `json:"externalFollowUps"`
}

func newCalendarDay() *CalendarDay {
	return &CalendarDay{
		Emails:            []database.SentEmail{},
		FollowUps:         []database.FollowUpWithEmail{},
		ExternalFollowUps: []ExternalFollowUpEntry{},
	}
}

// CalendarMonth maps day of month to that day's activity. Missing days had none.
type CalendarMonth map[int]*CalendarDay

func (m CalendarMonth) day(d int) *CalendarDay {
	cd, ok := m[d]
	if !ok {
		cd = newCalendarDay()
		m[d] = cd
	}
	return cd
}

// Calendar builds month and day views from stored emails and follow-ups.
// Nothing is cached; every call reads the store.
type Calendar struct {
	store CalendarStore
	loc   *time.Location
	log   logrus.FieldLogger
}

// NewCalendar creates a Calendar that buckets days in loc.
func NewCalendar(store CalendarStore, loc *time.Location, log logrus.FieldLogger) *Calendar {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Calendar{store: store, loc: loc, log: log}
}

func validateMonth(year, month int) error {
	if year < 1000 || year > 9999 {
		return apperror.Validation("year", "year must have four digits, got %d", year)
	}
	if month < 1 || month > 12 {
		return apperror.Validation("month", "month must be between 1 and 12, got %d", month)
	}
	return nil
}

// monthWindow returns [first day 00:00, first day of next month 00:00) in loc.
func (c *Calendar) monthWindow(year, month int) (time.Time, time.Time) {
	first := now.With(time.Date(year, time.Month(month), 1, 12, 0, 0, 0, c.loc)).BeginningOfMonth()
	return first, first.AddDate(0, 1, 0)
}

// Month returns the activity of one month bucketed by local day. Emails sent,
// follow-ups due (any status) and imported external follow-up dates inside the
// window are included; with a company only rows whose email belongs to it.
func (c *Calendar) Month(ctx context.Context, q CalendarQuery) (CalendarMonth, error) {
	if err := validateMonth(q.Year, q.Month); err != nil {
		return nil, err
	}
	from, before := c.monthWindow(q.Year, q.Month)

	scope := "all"
	if q.Company != "" {
		scope = "company"
	}
	metrics.CalendarQueries.WithLabelValues(scope).Inc()

	var (
		emails    []database.SentEmail
		followUps []database.FollowUpWithEmail
		external  []database.SentEmail
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		emails, err = c.store.QueryEmails(gctx, database.EmailFilter{SentFrom: &from, SentBefore: &before, Company: q.Company})
		return err
	})
	g.Go(func() error {
		var err error
		followUps, err = c.store.QueryFollowUps(gctx, database.FollowUpFilter{DueFrom: &from, DueBefore: &before, Company: q.Company})
		return err
	})
	g.Go(func() error {
		var err error
		external, err = c.store.QueryEmailsWithExternalIn(gctx, from, before, q.Company)
		return err
	})
	if err := g.Wait(); err != nil {
		c.log.Errorf("[CALENDAR] Error building %04d-%02d: %v", q.Year, q.Month, err)
		return nil, err
	}

	result := CalendarMonth{}
	if q.SeedAllDays {
		for d := from; d.Before(before); d = d.AddDate(0, 0, 1) {
			result.day(d.Day())
		}
	}

	for _, e := range emails {
		day := result.day(e.SentDate.In(c.loc).Day())
		day.Emails = append(day.Emails, e)
	}
	for _, fu := range followUps {
		day := result.day(fu.FollowUpDate.In(c.loc).Day())
		day.FollowUps = append(day.FollowUps, fu)
	}

	columns := slotColumns(q.Mapping)
	for _, e := range external {
		for slot, data := range e.ExternalFollowUps {
			if data.Date == nil {
				continue
			}
			local := data.Date.In(c.loc)
			if local.Before(from) || !local.Before(before) {
				continue
			}
			day := result.day(local.Day())
			day.ExternalFollowUps = append(day.ExternalFollowUps, ExternalFollowUpEntry{
				ID:             e.ID,
				ContactName:    e.ContactName,
				Company:        e.Company,
				Recipient:      e.Recipient,
				FollowUpDate:   *data.Date,
				Status:         data.Status,
				SequenceNumber: slot + 1,
				SourceColumn:   columns[slot],
			})
		}
	}

	c.log.Debugf("[CALENDAR] %04d-%02d company=%q: %d emails, %d follow-ups, %d with external dates",
		q.Year, q.Month, q.Company, len(emails), len(followUps), len(external))
	return result, nil
}

// slotColumns returns the column label of each external slot: the override
// when it names one, else the default layout. Stored slots are never hidden.
func slotColumns(m *ColumnMapping) [database.MaxSequenceNumber]string {
	cols := DefaultColumnMapping().DateColumns()
	if m == nil {
		return cols
	}
	for slot, col := range m.DateColumns() {
		if col != "" {
			cols[slot] = col
		}
	}
	return cols
}

// Pending lists every pending follow-up, soonest due first.
func (c *Calendar) Pending(ctx context.Context) ([]database.FollowUpWithEmail, error) {
	items, err := c.store.QueryFollowUps(ctx, database.FollowUpFilter{Status: database.FollowUpPending})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []database.FollowUpWithEmail{}
	}
	return items, nil
}

// DayView is the activity of a single local day.
type DayView struct {
	Date      string                       `json:"date"`
	Emails    []database.SentEmail         `json:"emails"`
	FollowUps []database.FollowUpWithEmail `json:"followUps"`
}

// Day returns the emails sent and pending follow-ups due on the local day of date.
func (c *Calendar) Day(ctx context.Context, date time.Time) (DayView, error) {
	start := now.With(date.In(c.loc)).BeginningOfDay()
	end := start.AddDate(0, 0, 1)

	view := DayView{Date: start.Format("2006-01-02")}
	emails, err := c.store.QueryEmails(ctx, database.EmailFilter{SentFrom: &start, SentBefore: &end})
	if err != nil {
		return DayView{}, err
	}
	followUps, err := c.store.QueryFollowUps(ctx, database.FollowUpFilter{
		DueFrom:   &start,
		DueBefore: &end,
		Status:    database.FollowUpPending,
	})
	if err != nil {
		return DayView{}, err
	}

	view.Emails = append([]database.SentEmail{}, emails...)
	view.FollowUps = append([]database.FollowUpWithEmail{}, followUps...)
	return view, nil
}
