package database

import "time"

// FollowUpStatus is the state of a follow-up: pending or completed.
type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpCompleted FollowUpStatus = "completed"
)

// MaxSequenceNumber is the last step of a follow-up chain.
const MaxSequenceNumber = 3

// ExternalFollowUp is one follow-up date/status pair imported from a spreadsheet.
type ExternalFollowUp struct {
	Date   *time.Time `json:"date"`
	Status *string    `json:"status"`
}

// IsZero reports an empty slot.
func (e ExternalFollowUp) IsZero() bool {
	return e.Date == nil && e.Status == nil
}

// ExternalFollowUps holds the first, second and third imported slots in order.
type ExternalFollowUps [MaxSequenceNumber]ExternalFollowUp

// HasDates reports whether any slot carries a date.
func (e ExternalFollowUps) HasDates() bool {
	for _, slot := range e {
		if slot.Date != nil {
			return true
		}
	}
	return false
}

// SentEmail represents a row in the emails table
type SentEmail struct {
	ID                int64             `json:"id"`
	Recipient         string            `json:"recipient"`
	Subject           string            `json:"subject"`
	Content           string            `json:"content,omitempty"`
	SentDate          time.Time         `json:"sentDate"`
	ContactID         *string           `json:"contactId"`
	SourceFile        *string           `json:"sourceFile"`
	SourceSheet       *string           `json:"sourceSheet"`
	SourceLine        *int              `json:"sourceLine"`
	Company           *string           `json:"company"`
	ContactName       *string           `json:"contactName"`
	ExternalFollowUps ExternalFollowUps `json:"externalFollowUps"`
}

// NewEmail carries the caller-supplied fields of a SentEmail.
type NewEmail struct {
	Recipient   string
	Subject     string
	Content     string
	ContactID   *string
	SourceFile  *string
	SourceSheet *string
	SourceLine  *int
	Company     *string
	ContactName *string
}

// FollowUp represents a row in the follow_ups table
type FollowUp struct {
	ID             int64          `json:"id"`
	EmailID        int64          `json:"emailId"`
	FollowUpDate   time.Time      `json:"followUpDate"`
	Status         FollowUpStatus `json:"status"`
	SequenceNumber int            `json:"sequenceNumber"`
	CompletedDate  *time.Time     `json:"completedDate"`
	Notes          *string        `json:"notes"`
}

// FollowUpWithEmail is a follow-up joined with the display fields of its email.
type FollowUpWithEmail struct {
	FollowUp
	Recipient   string  `json:"recipient"`
	Subject     string  `json:"subject"`
	Company     *string `json:"company"`
	ContactName *string `json:"contactName"`
}

// EmailFilter selects emails. Zero fields are ignored; the sent window is half-open.
type EmailFilter struct {
	SentFrom          *time.Time
	SentBefore        *time.Time
	RecipientContains string
	Company           string
	Limit             int
}

// FollowUpFilter selects follow-ups. Zero fields are ignored; the due window is half-open.
type FollowUpFilter struct {
	DueFrom   *time.Time
	DueBefore *time.Time
	Status    FollowUpStatus
	Company   string
	EmailID   int64
}
