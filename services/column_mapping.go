package services

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"followup-mailer/database"

	"github.com/jinzhu/now"
)

// Confidence grades how sure the resolver is about a mapping.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ColumnMapping names the spreadsheet columns holding the first, second and third
// follow-up email dates. Status columns are optional; when empty the column right
// after the date column is used.
type ColumnMapping struct {
	FirstEmailColumn   string     `json:"firstEmailColumn,omitempty"`
	SecondEmailColumn  string     `json:"secondEmailColumn,omitempty"`
	ThirdEmailColumn   string     `json:"thirdEmailColumn,omitempty"`
	FirstStatusColumn  string     `json:"firstStatusColumn,omitempty"`
	SecondStatusColumn string     `json:"secondStatusColumn,omitempty"`
	ThirdStatusColumn  string     `json:"thirdStatusColumn,omitempty"`
	Confidence         Confidence `json:"confidence,omitempty"`
	Explanation        string     `json:"explanation,omitempty"`
}

// DefaultColumnMapping is the layout of the original spreadsheets: dates in M, O
// and Q with their statuses in N, P and R.
func DefaultColumnMapping() ColumnMapping {
	return ColumnMapping{
		FirstEmailColumn:  "M",
		SecondEmailColumn: "O",
		ThirdEmailColumn:  "Q",
		Confidence:        ConfidenceLow,
		Explanation:       "no headers supplied, using the legacy layout M/O/Q",
	}
}

// DateColumns returns the first, second and third date columns in order.
func (m ColumnMapping) DateColumns() [database.MaxSequenceNumber]string {
	return [database.MaxSequenceNumber]string{m.FirstEmailColumn, m.SecondEmailColumn, m.ThirdEmailColumn}
}

func (m ColumnMapping) statusColumns() [database.MaxSequenceNumber]string {
	return [database.MaxSequenceNumber]string{m.FirstStatusColumn, m.SecondStatusColumn, m.ThirdStatusColumn}
}

// IsEmpty reports that no date column is mapped, i.e. there is no external data.
func (m ColumnMapping) IsEmpty() bool {
	return m.FirstEmailColumn == "" && m.SecondEmailColumn == "" && m.ThirdEmailColumn == ""
}

// StatusColumnFor returns the status column paired with the date column of slot
// (0-based). Empty when the slot has no date column.
func (m ColumnMapping) StatusColumnFor(slot int, headers []string) string {
	date := m.DateColumns()[slot]
	if date == "" {
		return ""
	}
	if explicit := m.statusColumns()[slot]; explicit != "" {
		return explicit
	}
	return NextColumn(date, headers)
}

var columnLetters = regexp.MustCompile(`^[A-Z]{1,3}$`)

// NextColumn returns the column right after col: the next spreadsheet letter for
// letter identifiers (Z -> AA), else the next header, else col + "_status".
func NextColumn(col string, headers []string) string {
	if columnLetters.MatchString(col) {
		b := []byte(col)
		i := len(b) - 1
		for ; i >= 0; i-- {
			if b[i] < 'Z' {
				b[i]++
				return string(b)
			}
			b[i] = 'A'
		}
		return "A" + string(b)
	}
	for i, h := range headers {
		if h == col && i+1 < len(headers) {
			return headers[i+1]
		}
	}
	return col + "_status"
}

// ColumnResolver guesses the follow-up columns of a spreadsheet and parses the
// values it finds there.
type ColumnResolver struct {
	dates *now.Config
}

var spreadsheetDateFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"2.1.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// NewColumnResolver creates a resolver that reads dates in loc.
func NewColumnResolver(loc *time.Location) *ColumnResolver {
	if loc == nil {
		loc = time.Local
	}
	return &ColumnResolver{
		dates: &now.Config{
			WeekStartDay: time.Sunday,
			TimeLocation: loc,
			TimeFormats:  spreadsheetDateFormats,
		},
	}
}

// Excel stores dates as days since 1899-12-30; the range keeps plain numbers
// (ids, phone fragments) from being read as dates.
const (
	minExcelSerial = 20000 // 1954-10-03
	maxExcelSerial = 80000 // 2119-01-10
)

func (r *ColumnResolver) fromExcelSerial(serial float64) (time.Time, bool) {
	if serial < minExcelSerial || serial > maxExcelSerial {
		return time.Time{}, false
	}
	days, frac := math.Modf(serial)
	epoch := time.Date(1899, 12, 30, 0, 0, 0, 0, r.dates.TimeLocation)
	t := epoch.AddDate(0, 0, int(days)).Add(time.Duration(math.Round(frac*86400)) * time.Second)
	return t, true
}

// ParseDate reads a spreadsheet cell as a date.
func (r *ColumnResolver) ParseDate(v any) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return val, !val.IsZero()
	case float64:
		return r.fromExcelSerial(val)
	case int:
		return r.fromExcelSerial(float64(val))
	case int64:
		return r.fromExcelSerial(float64(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return r.fromExcelSerial(f)
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return r.fromExcelSerial(f)
		}
		t, err := r.dates.Parse(s)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

var (
	ordinalPatterns = [database.MaxSequenceNumber]*regexp.Regexp{
		regexp.MustCompile(`\b(1st|first)\b|(^|\D)1(\D|$)|ראשון`),
		regexp.MustCompile(`\b(2nd|second)\b|(^|\D)2(\D|$)|שני`),
		regexp.MustCompile(`\b(3rd|third)\b|(^|\D)3(\D|$)|שלישי`),
	}
	dateWords   = []string{"date", "תאריך", "when"}
	mailWords   = []string{"email", "e-mail", "mail", "מייל", "follow", "פולו", "sent", "reminder"}
	statusWords = []string{"status", "סטטוס", "state"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

type headerInfo struct {
	name     string
	ordinal  int
	dateWord bool
	mailWord bool
	status   bool
	samples  int
	parsed   int
}

func (h headerInfo) candidate() bool {
	if h.status {
		return false
	}
	// sample values only confirm a header that already reads like a follow-up column
	if h.samples > 0 {
		return (h.dateWord || h.mailWord) && h.parsed*2 >= h.samples
	}
	return h.dateWord || (h.ordinal > 0 && h.mailWord)
}

func detectOrdinal(lower string) int {
	for i, re := range ordinalPatterns {
		if re.MatchString(lower) {
			return i + 1
		}
	}
	return 0
}

var slotNames = [database.MaxSequenceNumber]string{"first", "second", "third"}

// Resolve maps headers (and optionally a sample of rows keyed by header) to the
// follow-up columns. With no headers the legacy default mapping is returned; with
// headers but nothing date-like, an empty mapping with low confidence.
func (r *ColumnResolver) Resolve(headers []string, sampleRows []map[string]any) ColumnMapping {
	if len(headers) == 0 {
		return DefaultColumnMapping()
	}

	infos := make([]headerInfo, len(headers))
	for i, h := range headers {
		lower := strings.ToLower(strings.TrimSpace(h))
		info := headerInfo{
			name:     h,
			ordinal:  detectOrdinal(lower),
			dateWord: containsAny(lower, dateWords),
			mailWord: containsAny(lower, mailWords),
			status:   containsAny(lower, statusWords),
		}
		for _, row := range sampleRows {
			if cellString(row[h]) == "" {
				continue
			}
			info.samples++
			if _, ok := r.ParseDate(row[h]); ok {
				info.parsed++
			}
		}
		infos[i] = info
	}

	var (
		slots     [database.MaxSequenceNumber]string
		byOrdinal [database.MaxSequenceNumber]bool
		used      = make(map[string]bool)
		reasons   []string
	)
	describe := func(slot int, h headerInfo, why string) {
		msg := fmt.Sprintf("%s: %q (%s", slotNames[slot], h.name, why)
		if h.samples > 0 {
			msg += fmt.Sprintf(", %d/%d sample values are dates", h.parsed, h.samples)
		}
		reasons = append(reasons, msg+")")
	}

	for _, h := range infos {
		if !h.candidate() || h.ordinal == 0 || slots[h.ordinal-1] != "" {
			continue
		}
		slots[h.ordinal-1] = h.name
		byOrdinal[h.ordinal-1] = true
		used[h.name] = true
		describe(h.ordinal-1, h, "ordinal in header")
	}
	for _, h := range infos {
		if !h.candidate() || used[h.name] {
			continue
		}
		for slot := range slots {
			if slots[slot] == "" {
				slots[slot] = h.name
				used[h.name] = true
				describe(slot, h, "next date-like column")
				break
			}
		}
	}

	mapping := ColumnMapping{
		FirstEmailColumn:  slots[0],
		SecondEmailColumn: slots[1],
		ThirdEmailColumn:  slots[2],
	}

	assigned, ordinals := 0, 0
	for slot := range slots {
		if slots[slot] != "" {
			assigned++
		}
		if byOrdinal[slot] {
			ordinals++
		}
	}
	switch {
	case assigned == 0:
		mapping.Confidence = ConfidenceLow
		mapping.Explanation = "no date-like columns found"
		return mapping
	case ordinals == database.MaxSequenceNumber:
		mapping.Confidence = ConfidenceHigh
	default:
		mapping.Confidence = ConfidenceMedium
	}

	// prefer a status header carrying the same ordinal over the positional guess
	statuses := [database.MaxSequenceNumber]*string{&mapping.FirstStatusColumn, &mapping.SecondStatusColumn, &mapping.ThirdStatusColumn}
	for slot := range slots {
		if slots[slot] == "" {
			continue
		}
		for _, h := range infos {
			if h.status && h.ordinal == slot+1 {
				*statuses[slot] = h.name
				break
			}
		}
		if *statuses[slot] == "" {
			*statuses[slot] = NextColumn(slots[slot], headers)
		}
	}

	mapping.Explanation = strings.Join(reasons, "; ")
	return mapping
}

// ExternalExtraction is the result of reading the follow-up slots out of one row.
// Mapped marks the slots whose column was known; unmapped slots must be left as they are.
type ExternalExtraction struct {
	Slots  database.ExternalFollowUps
	Mapped [database.MaxSequenceNumber]bool
}

// ExtractExternalFollowUps reads the three follow-up date/status pairs from fields.
// A nil mapping means the legacy default layout.
func (r *ColumnResolver) ExtractExternalFollowUps(fields map[string]any, headers []string, mapping *ColumnMapping) ExternalExtraction {
	m := DefaultColumnMapping()
	if mapping != nil {
		m = *mapping
	}

	var x ExternalExtraction
	for slot, col := range m.DateColumns() {
		if col == "" {
			continue
		}
		x.Mapped[slot] = true
		if t, ok := r.ParseDate(fields[col]); ok {
			t := t
			x.Slots[slot].Date = &t
		}
		if status := cellString(fields[m.StatusColumnFor(slot, headers)]); status != "" {
			x.Slots[slot].Status = &status
		}
	}
	return x
}

// ContactColumns names the columns carrying the company and contact name.
type ContactColumns struct {
	Company         string `json:"company,omitempty"`
	ContactName     string `json:"contactName,omitempty"`
	CompanyFallback bool   `json:"companyFallback,omitempty"`
}

var (
	companyWords = []string{"company", "organization", "organisation", "firm", "employer", "חברה"}
	nameWords    = []string{"name", "שם", "contact"}
	notNameWords = []string{"file", "sheet", "mail", "מייל"}
)

// ResolveContactColumns finds the company and name columns by keyword. When no
// header names a company, the first column is used, matching the layout where
// rows are grouped by company in column A, unless it reads like an e-mail column.
func ResolveContactColumns(headers []string) ContactColumns {
	var cols ContactColumns
	for _, h := range headers {
		lower := strings.ToLower(strings.TrimSpace(h))
		if cols.Company == "" && containsAny(lower, companyWords) {
			cols.Company = h
			continue
		}
		if cols.ContactName == "" && containsAny(lower, nameWords) && !containsAny(lower, notNameWords) {
			cols.ContactName = h
		}
	}
	if cols.Company == "" && len(headers) > 0 && headers[0] != cols.ContactName &&
		!containsAny(strings.ToLower(headers[0]), mailWords) {
		cols.Company = headers[0]
		cols.CompanyFallback = true
	}
	return cols
}
