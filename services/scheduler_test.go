package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"followup-mailer/apperror"
	"followup-mailer/database"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestStore(t *testing.T, clock *fakeClock) *database.Store {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	dsn := filepath.Join(t.TempDir(), "services.db")
	store, err := database.Open(database.SQLite, dsn, database.WithClock(clock.Now), database.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	warnings, err := store.CreateSchema(context.Background())
	require.NoError(t, err)
	require.Empty(t, warnings)
	return store
}

func newTestScheduler(store RecordStore, loc *time.Location) (*Scheduler, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	return NewScheduler(store, NewColumnResolver(loc), loc, log), hook
}

func followUpsOf(t *testing.T, store *database.Store, emailID int64) []database.FollowUpWithEmail {
	t.Helper()
	items, err := store.QueryFollowUps(context.Background(), database.FollowUpFilter{EmailID: emailID})
	require.NoError(t, err)
	return items
}

func TestScheduler_FollowUpChain(t *testing.T) {
	ctx := context.Background()
	sent := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: sent}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.NoError(t, err)
	require.Len(t, res.FollowUpIDs, 1)

	items := followUpsOf(t, store, res.EmailID)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].SequenceNumber)
	assert.Equal(t, database.FollowUpPending, items[0].Status)
	assert.True(t, sent.AddDate(0, 0, 7).Equal(items[0].FollowUpDate))

	// #1 -> #2
	done1 := sent.AddDate(0, 0, 8)
	clock.Set(done1)
	result, err := scheduler.CompleteFollowUp(ctx, items[0].ID, "ok")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.True(t, result.NextFollowUp)
	require.NotNil(t, result.NextFollowUpID)
	assert.Empty(t, result.Warning)

	first, err := store.GetFollowUp(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, database.FollowUpCompleted, first.Status)
	require.NotNil(t, first.CompletedDate)
	assert.True(t, done1.Equal(*first.CompletedDate))
	require.NotNil(t, first.Notes)
	assert.Equal(t, "ok", *first.Notes)

	second, err := store.GetFollowUp(ctx, *result.NextFollowUpID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.SequenceNumber)
	assert.Equal(t, database.FollowUpPending, second.Status)
	assert.True(t, done1.AddDate(0, 0, 7).Equal(second.FollowUpDate))

	// #2 -> #3
	clock.Set(done1.AddDate(0, 0, 7))
	result, err = scheduler.CompleteFollowUp(ctx, second.ID, "")
	require.NoError(t, err)
	require.True(t, result.NextFollowUp)
	third, err := store.GetFollowUp(ctx, *result.NextFollowUpID)
	require.NoError(t, err)
	assert.Equal(t, 3, third.SequenceNumber)

	// #3 ends the chain
	result, err = scheduler.CompleteFollowUp(ctx, third.ID, "no answer")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.False(t, result.NextFollowUp)
	assert.Nil(t, result.NextFollowUpID)

	items = followUpsOf(t, store, res.EmailID)
	require.Len(t, items, 3)
	for _, fu := range items {
		assert.Equal(t, database.FollowUpCompleted, fu.Status)
		assert.LessOrEqual(t, fu.SequenceNumber, database.MaxSequenceNumber)
	}
}

func TestScheduler_CompleteRejectsCompletedAndMissing(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.NoError(t, err)

	_, err = scheduler.CompleteFollowUp(ctx, res.FollowUpIDs[0], "")
	require.NoError(t, err)

	_, err = scheduler.CompleteFollowUp(ctx, res.FollowUpIDs[0], "")
	assert.True(t, apperror.IsConflict(err), "got %v", err)

	_, err = scheduler.CompleteFollowUp(ctx, 9999, "")
	assert.True(t, apperror.IsNotFound(err), "got %v", err)

	assert.Len(t, followUpsOf(t, store, res.EmailID), 2)
}

func TestScheduler_ConcurrentCompletionAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.NoError(t, err)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := scheduler.CompleteFollowUp(ctx, res.FollowUpIDs[0], "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperror.IsConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
	assert.Len(t, followUpsOf(t, store, res.EmailID), 2)
}

// failingSuccessor breaks creation of any follow-up after the first step.
type failingSuccessor struct {
	*database.Store
}

func (f failingSuccessor) InsertFollowUp(ctx context.Context, emailID int64, date time.Time, seq int) (database.FollowUp, error) {
	if seq > 1 {
		return database.FollowUp{}, apperror.Storage("insert follow-up", errors.New("disk full"))
	}
	return f.Store.InsertFollowUp(ctx, emailID, date, seq)
}

func TestScheduler_SuccessorFailureKeepsCompletion(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, hook := newTestScheduler(failingSuccessor{store}, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.NoError(t, err)

	result, err := scheduler.CompleteFollowUp(ctx, res.FollowUpIDs[0], "")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.False(t, result.NextFollowUp)
	assert.Contains(t, result.Warning, "chain may be broken")

	fu, err := store.GetFollowUp(ctx, res.FollowUpIDs[0])
	require.NoError(t, err)
	assert.Equal(t, database.FollowUpCompleted, fu.Status)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

// failingFirst rejects every follow-up insert.
type failingFirst struct {
	*database.Store
}

func (f failingFirst) InsertFollowUp(context.Context, int64, time.Time, int) (database.FollowUp, error) {
	return database.FollowUp{}, apperror.Storage("insert follow-up", errors.New("locked"))
}

func TestScheduler_RecordReportsFailedStep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(failingFirst{store}, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepInitialFollowUp, stepErr.Step)
	assert.Equal(t, res.EmailID, stepErr.EmailID)
	assert.True(t, apperror.IsStorage(err))

	email, err := store.GetEmail(ctx, res.EmailID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", email.Recipient)
}

func TestScheduler_RecordValidation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	_, err := scheduler.RecordAndSchedule(context.Background(), SendRequest{Recipient: "a@x.com", Subject: "", Content: "Body"})
	assert.True(t, apperror.IsValidation(err))

	emails, err := store.QueryEmails(context.Background(), database.EmailFilter{})
	require.NoError(t, err)
	assert.Empty(t, emails)
}

var spreadsheetHeaders = []string{
	"Company", "Name", "Email",
	"1st Email Date", "1st Status",
	"2nd Email Date", "2nd Status",
	"3rd Email Date", "3rd Status",
}

func TestScheduler_RecordWithSpreadsheetRow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	contact := &ContactData{
		ID:          "row-7",
		SourceFile:  "leads.xlsx",
		SourceSheet: "March",
		LineNumber:  7,
		Headers:     spreadsheetHeaders,
		Fields: map[string]any{
			"Company":        "Acme",
			"Name":           "Dana",
			"Email":          "dana@acme.test",
			"1st Email Date": "2024-02-20",
			"1st Status":     "sent",
			"2nd Email Date": "2024-02-27",
			"2nd Status":     "waiting",
			"3rd Email Date": "",
		},
	}

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "dana@acme.test", Subject: "Hi", Content: "Body", Contact: contact})
	require.NoError(t, err)
	assert.Len(t, res.FollowUpIDs, 3)

	email, err := store.GetEmail(ctx, res.EmailID)
	require.NoError(t, err)
	require.NotNil(t, email.Company)
	assert.Equal(t, "Acme", *email.Company)
	require.NotNil(t, email.ContactName)
	assert.Equal(t, "Dana", *email.ContactName)
	require.NotNil(t, email.SourceLine)
	assert.Equal(t, 7, *email.SourceLine)

	ext := email.ExternalFollowUps
	require.NotNil(t, ext[0].Date)
	assert.True(t, time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC).Equal(*ext[0].Date))
	require.NotNil(t, ext[0].Status)
	assert.Equal(t, "sent", *ext[0].Status)
	require.NotNil(t, ext[1].Status)
	assert.Equal(t, "waiting", *ext[1].Status)
	assert.True(t, ext[2].IsZero())

	// internal #1 and the imported #1 coexist
	items := followUpsOf(t, store, res.EmailID)
	require.Len(t, items, 3)
	assert.True(t, time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC).Equal(items[0].FollowUpDate))
	assert.Equal(t, 1, items[0].SequenceNumber)
	assert.True(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC).Equal(items[1].FollowUpDate))
	assert.Equal(t, 2, items[1].SequenceNumber)
	assert.True(t, time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC).Equal(items[2].FollowUpDate))
	assert.Equal(t, 1, items[2].SequenceNumber)
}

func TestScheduler_RecordIgnoresNumericAndAddressColumns(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	contact := &ContactData{
		Headers: []string{"Email", "Name", "Zip", "Employees"},
		Fields: map[string]any{
			"Email":     "dana@acme.test",
			"Name":      "Dana",
			"Zip":       30301.0,
			"Employees": "45000",
		},
	}

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "dana@acme.test", Subject: "Hi", Content: "Body", Contact: contact})
	require.NoError(t, err)
	assert.Len(t, res.FollowUpIDs, 1)

	email, err := store.GetEmail(ctx, res.EmailID)
	require.NoError(t, err)
	assert.Nil(t, email.Company)
	require.NotNil(t, email.ContactName)
	assert.Equal(t, "Dana", *email.ContactName)
	for _, slot := range email.ExternalFollowUps {
		assert.True(t, slot.IsZero())
	}

	items := followUpsOf(t, store, res.EmailID)
	require.Len(t, items, 1)
	assert.True(t, time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC).Equal(items[0].FollowUpDate))
}

func TestScheduler_ImportKeepsUnmappedSlots(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := newTestStore(t, clock)
	scheduler, _ := newTestScheduler(store, time.UTC)

	res, err := scheduler.RecordAndSchedule(ctx, SendRequest{Recipient: "a@x.com", Subject: "Hello", Content: "Body"})
	require.NoError(t, err)

	firstDate := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	firstStatus := "sent"
	require.NoError(t, store.UpdateEmailExternalFollowUps(ctx, res.EmailID, &database.ExternalFollowUps{
		{Date: &firstDate, Status: &firstStatus},
	}))

	email, err := scheduler.ImportExternalFollowUps(ctx, res.EmailID, ContactData{
		Headers:       []string{"Name", "Second", "Second Result"},
		Fields:        map[string]any{"Name": "Avi", "Second": "2024-01-12", "Second Result": "replied"},
		ColumnMapping: &ColumnMapping{SecondEmailColumn: "Second", SecondStatusColumn: "Second Result"},
	})
	require.NoError(t, err)
	require.NotNil(t, email.ExternalFollowUps[1].Date)

	stored, err := store.GetEmail(ctx, res.EmailID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalFollowUps[0].Date)
	assert.True(t, firstDate.Equal(*stored.ExternalFollowUps[0].Date))
	assert.Equal(t, "sent", *stored.ExternalFollowUps[0].Status)
	require.NotNil(t, stored.ExternalFollowUps[1].Date)
	assert.True(t, time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC).Equal(*stored.ExternalFollowUps[1].Date))
	require.NotNil(t, stored.ExternalFollowUps[1].Status)
	assert.Equal(t, "replied", *stored.ExternalFollowUps[1].Status)
	assert.True(t, stored.ExternalFollowUps[2].IsZero())

	// a row without follow-up columns changes nothing
	_, err = scheduler.ImportExternalFollowUps(ctx, res.EmailID, ContactData{
		Headers: []string{"Name", "Phone"},
		Fields:  map[string]any{"Name": "Avi", "Phone": "050-1234567"},
	})
	require.NoError(t, err)
	again, err := store.GetEmail(ctx, res.EmailID)
	require.NoError(t, err)
	assert.Equal(t, stored.ExternalFollowUps[1].Status, again.ExternalFollowUps[1].Status)

	_, err = scheduler.ImportExternalFollowUps(ctx, 4242, ContactData{})
	assert.True(t, apperror.IsNotFound(err))
}
