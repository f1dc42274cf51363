package student

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is a student enrolled for cafeteria access.
type Record struct {
	ID          string          `json:"id"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	ImagePath   string          `json:"image_path"`
	Balance     decimal.Decimal `json:"balance"`
	CreatedAt   time.Time       `json:"created_at"`
	LastAccess  *time.Time      `json:"last_access"`
	AccessCount int             `json:"access_count"`
}

// FullName joins first and last name.
func (r Record) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

func (r Record) clone() Record {
	if r.LastAccess != nil {
		t := *r.LastAccess
		r.LastAccess = &t
	}
	return r
}

// NewRecord carries the fields supplied at enrollment.
type NewRecord struct {
	ID        string
	FirstName string
	LastName  string
	ImagePath string
	Balance   decimal.Decimal
}

// storedRecord is the on-disk shape of a record. The student ID is the
// key of the enclosing JSON object.
type storedRecord struct {
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	ImagePath   string      `json:"image_path"`
	Balance     json.Number `json:"balance"`
	CreatedDate *timestamp  `json:"created_date"`
	LastAccess  *timestamp  `json:"last_access"`
	AccessCount int         `json:"access_count"`
}

// encodeDocument renders records as the persisted JSON object keyed by ID.
func encodeDocument(records map[string]Record) ([]byte, error) {
	doc := make(map[string]storedRecord, len(records))
	for id, r := range records {
		created := timestamp(r.CreatedAt)
		sr := storedRecord{
			FirstName:   r.FirstName,
			LastName:    r.LastName,
			ImagePath:   r.ImagePath,
			Balance:     json.Number(r.Balance.String()),
			CreatedDate: &created,
			AccessCount: r.AccessCount,
		}
		if r.LastAccess != nil {
			la := timestamp(*r.LastAccess)
			sr.LastAccess = &la
		}
		doc[id] = sr
	}
	return json.MarshalIndent(doc, "", "    ")
}

// decodeDocument parses a persisted document. Missing balances decode as
// zero and missing creation dates as now; unknown fields are dropped.
func decodeDocument(data []byte, now time.Time) (map[string]Record, error) {
	var doc map[string]storedRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode store document: %w", err)
	}
	out := make(map[string]Record, len(doc))
	for id, sr := range doc {
		if id == "" {
			return nil, fmt.Errorf("decode store document: empty student id")
		}
		bal := decimal.Zero
		if sr.Balance != "" {
			parsed, err := decimal.NewFromString(string(sr.Balance))
			if err != nil {
				return nil, fmt.Errorf("decode store document: student %s: balance: %w", id, err)
			}
			bal = parsed
		}
		if bal.IsNegative() {
			return nil, fmt.Errorf("decode store document: student %s: negative balance %s", id, bal)
		}
		if sr.AccessCount < 0 {
			return nil, fmt.Errorf("decode store document: student %s: negative access count", id)
		}
		r := Record{
			ID:          id,
			FirstName:   sr.FirstName,
			LastName:    sr.LastName,
			ImagePath:   sr.ImagePath,
			Balance:     bal,
			CreatedAt:   now,
			AccessCount: sr.AccessCount,
		}
		if sr.CreatedDate != nil {
			r.CreatedAt = time.Time(*sr.CreatedDate)
		}
		if sr.LastAccess != nil {
			la := time.Time(*sr.LastAccess)
			r.LastAccess = &la
		}
		out[id] = r
	}
	return out, nil
}

func sortedRecords(records map[string]Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// timestamp writes RFC 3339 in UTC and also reads the naive ISO-8601 form
// (no zone, microseconds) found in stores written by older tooling.
type timestamp time.Time

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = timestamp(parsed)
		return nil
	}
	for _, layout := range naiveLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*t = timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}
