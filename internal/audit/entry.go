// Package audit records every balance event as an append-only, line-oriented
// log and can replay that log back into balances.
package audit

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the event an entry records.
type Kind string

const (
	DeductSuccess    Kind = "DEDUCT_SUCCESS"
	DeductFail       Kind = "DEDUCT_FAIL"
	AddSuccess       Kind = "ADD_SUCCESS"
	AddFail          Kind = "ADD_FAIL"
	BalanceCheck     Kind = "BALANCE_CHECK"
	BalanceCheckFail Kind = "BALANCE_CHECK_FAIL"
	Enroll           Kind = "ENROLL"
	Remove           Kind = "REMOVE"
)

const sep = " - "

// Field is one key=value pair of an entry.
type Field struct {
	Key   string
	Value string
}

// F builds a Field, formatting the value with %v.
func F(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Entry is a single audit record.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Subject string
	Fields  []Field
}

// Get returns the value of the first field named key.
func (e Entry) Get(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Decimal parses the named field as a decimal.
func (e Entry) Decimal(key string) (decimal.Decimal, error) {
	v, ok := e.Get(key)
	if !ok {
		return decimal.Zero, fmt.Errorf("audit %s %s: missing %s", e.Kind, e.Subject, key)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("audit %s %s: %s: %w", e.Kind, e.Subject, key, err)
	}
	return d, nil
}

// String renders the entry as one log line without the trailing newline:
//
//	2026-10-15T12:00:00Z - DEDUCT_SUCCESS - S001 - amount=5 - remaining=45
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format(time.RFC3339Nano))
	b.WriteString(sep)
	b.WriteString(string(e.Kind))
	b.WriteString(sep)
	b.WriteString(clean(e.Subject))
	for _, f := range e.Fields {
		b.WriteString(sep)
		b.WriteString(clean(f.Key))
		b.WriteByte('=')
		b.WriteString(clean(f.Value))
	}
	return b.String()
}

// clean keeps user-controlled text from breaking the line format.
func clean(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return strings.ReplaceAll(s, sep, " _ ")
}

// ParseLine is the inverse of Entry.String.
func ParseLine(line string) (Entry, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), sep)
	if len(parts) < 3 {
		return Entry{}, fmt.Errorf("audit line %q: want at least 3 parts", line)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("audit line %q: timestamp: %w", line, err)
	}
	e := Entry{Time: ts, Kind: Kind(parts[1]), Subject: parts[2]}
	for _, p := range parts[3:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return Entry{}, fmt.Errorf("audit line %q: field %q is not key=value", line, p)
		}
		e.Fields = append(e.Fields, Field{Key: k, Value: v})
	}
	return e, nil
}

// ReadAll parses every non-blank line of r.
func ReadAll(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}

// Replay folds entries into per-student balances: ENROLL sets the opening
// balance, ADD_SUCCESS credits, DEDUCT_SUCCESS debits and REMOVE drops the
// student. Failed and read-only events do not change balances.
func Replay(entries []Entry) (map[string]decimal.Decimal, error) {
	balances := map[string]decimal.Decimal{}
	for _, e := range entries {
		switch e.Kind {
		case Enroll:
			bal, err := e.Decimal("balance")
			if err != nil {
				return nil, err
			}
			balances[e.Subject] = bal
		case AddSuccess:
			amt, err := e.Decimal("amount")
			if err != nil {
				return nil, err
			}
			balances[e.Subject] = balances[e.Subject].Add(amt)
		case DeductSuccess:
			amt, err := e.Decimal("amount")
			if err != nil {
				return nil, err
			}
			balances[e.Subject] = balances[e.Subject].Sub(amt)
		case Remove:
			delete(balances, e.Subject)
		}
	}
	return balances, nil
}
