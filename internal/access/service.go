// Package access debits and credits student balances. Every call leaves
// exactly one entry in the audit log.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"canteen/internal/audit"
	"canteen/internal/logging"
	"canteen/internal/student"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Reason explains a denial.
type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonInsufficient Reason = "insufficient"
	ReasonInvalid      Reason = "invalid"
	ReasonStorage      Reason = "storage"
)

// Denied is returned when a request is refused because of its input or the
// student's state. It matches student.ErrNotFound, ErrInsufficientBalance or
// student.ErrInvalidInput with errors.Is.
type Denied struct {
	StudentID string
	Reason    Reason
	Balance   decimal.Decimal
	Amount    decimal.Decimal
}

func (d *Denied) Error() string {
	switch d.Reason {
	case ReasonInsufficient:
		return fmt.Sprintf("student %s: insufficient balance (have %s, need %s)", d.StudentID, d.Balance, d.Amount)
	case ReasonInvalid:
		return fmt.Sprintf("student %s: invalid amount %s", d.StudentID, d.Amount)
	default:
		return fmt.Sprintf("student %s: not found", d.StudentID)
	}
}

func (d *Denied) Is(target error) bool {
	switch d.Reason {
	case ReasonNotFound:
		return target == student.ErrNotFound
	case ReasonInsufficient:
		return target == ErrInsufficientBalance
	case ReasonInvalid:
		return target == student.ErrInvalidInput
	}
	return false
}

// Grant is the outcome of a successful debit.
type Grant struct {
	StudentID   string          `json:"student_id"`
	Name        string          `json:"name"`
	Cost        decimal.Decimal `json:"cost"`
	Remaining   decimal.Decimal `json:"remaining"`
	LowBalance  bool            `json:"low_balance"`
	AccessCount int             `json:"access_count"`
	At          time.Time       `json:"at"`
}

// Observer is told about every decision. The metrics package implements it.
type Observer interface {
	ObserveAccess(granted bool, reason Reason)
	ObserveCredit(amount decimal.Decimal)
}

type nopObserver struct{}

func (nopObserver) ObserveAccess(bool, Reason)    {}
func (nopObserver) ObserveCredit(decimal.Decimal) {}

// Service serializes balance changes and their audit entries so that the
// audit log lists them in the order they were applied.
type Service struct {
	mu        sync.Mutex
	store     *student.Store
	audit     audit.Sink
	log       logging.Logger
	obs       Observer
	warnBelow decimal.Decimal
}

type Option func(*Service)

// WithLowBalanceWarning flags grants whose remaining balance is below d.
func WithLowBalanceWarning(d decimal.Decimal) Option {
	return func(s *Service) { s.warnBelow = d }
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

func NewService(store *student.Store, sink audit.Sink, log logging.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		audit:     sink,
		log:       log,
		obs:       nopObserver{},
		warnBelow: decimal.NewFromInt(10),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying identity store.
func (s *Service) Store() *student.Store { return s.store }

// AttemptAccess debits cost from the student's balance. The debit is
// persisted before a Grant is returned; a storage failure leaves the balance
// unchanged and returns an error wrapping student.ErrStorage.
func (s *Service) AttemptAccess(ctx context.Context, id string, cost decimal.Decimal) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cost.IsPositive() {
		d := &Denied{StudentID: id, Reason: ReasonInvalid, Amount: cost}
		s.record(ctx, audit.DeductFail, id, audit.F("reason", d.Reason), audit.F("amount", cost))
		s.obs.ObserveAccess(false, d.Reason)
		return Grant{}, d
	}

	now := s.store.Now()
	rec, err := s.store.Update(ctx, id, func(r *student.Record) error {
		if r.Balance.LessThan(cost) {
			return &Denied{StudentID: id, Reason: ReasonInsufficient, Balance: r.Balance, Amount: cost}
		}
		r.Balance = r.Balance.Sub(cost)
		r.LastAccess = &now
		r.AccessCount++
		return nil
	})
	if err != nil {
		var d *Denied
		switch {
		case errors.As(err, &d):
			s.record(ctx, audit.DeductFail, id, audit.F("reason", d.Reason), audit.F("amount", cost), audit.F("current", d.Balance))
		case errors.Is(err, student.ErrNotFound):
			d = &Denied{StudentID: id, Reason: ReasonNotFound, Amount: cost}
			s.record(ctx, audit.DeductFail, id, audit.F("reason", d.Reason), audit.F("amount", cost))
		default:
			s.log.Error(ctx, "debit not persisted", "student_id", id, "error", err)
			s.record(ctx, audit.DeductFail, id, audit.F("reason", ReasonStorage), audit.F("amount", cost))
			s.obs.ObserveAccess(false, ReasonStorage)
			return Grant{}, err
		}
		s.obs.ObserveAccess(false, d.Reason)
		return Grant{}, d
	}

	s.record(ctx, audit.DeductSuccess, id, audit.F("amount", cost), audit.F("remaining", rec.Balance))
	s.obs.ObserveAccess(true, "")

	g := Grant{
		StudentID:   rec.ID,
		Name:        rec.FullName(),
		Cost:        cost,
		Remaining:   rec.Balance,
		LowBalance:  rec.Balance.LessThan(s.warnBelow),
		AccessCount: rec.AccessCount,
		At:          now,
	}
	if g.LowBalance {
		s.log.Warn(ctx, "low balance", "student_id", id, "remaining", rec.Balance.String())
	}
	return g, nil
}

// AddBalance credits amount and returns the new balance.
func (s *Service) AddBalance(ctx context.Context, id string, amount decimal.Decimal, actor string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !amount.IsPositive() {
		s.record(ctx, audit.AddFail, id, audit.F("reason", ReasonInvalid), audit.F("amount", amount), audit.F("actor", actor))
		return decimal.Zero, &Denied{StudentID: id, Reason: ReasonInvalid, Amount: amount}
	}

	rec, err := s.store.Update(ctx, id, func(r *student.Record) error {
		r.Balance = r.Balance.Add(amount)
		return nil
	})
	if err != nil {
		if errors.Is(err, student.ErrNotFound) {
			s.record(ctx, audit.AddFail, id, audit.F("reason", ReasonNotFound), audit.F("amount", amount), audit.F("actor", actor))
			return decimal.Zero, &Denied{StudentID: id, Reason: ReasonNotFound, Amount: amount}
		}
		s.log.Error(ctx, "credit not persisted", "student_id", id, "error", err)
		s.record(ctx, audit.AddFail, id, audit.F("reason", ReasonStorage), audit.F("amount", amount), audit.F("actor", actor))
		return decimal.Zero, err
	}

	s.record(ctx, audit.AddSuccess, id, audit.F("amount", amount), audit.F("new_balance", rec.Balance), audit.F("actor", actor))
	s.obs.ObserveCredit(amount)
	return rec.Balance, nil
}

// CheckBalance reads a balance without changing it.
func (s *Service) CheckBalance(ctx context.Context, id, actor string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.store.Lookup(id)
	if !ok {
		s.record(ctx, audit.BalanceCheckFail, id, audit.F("reason", ReasonNotFound), audit.F("actor", actor))
		return decimal.Zero, false
	}
	s.record(ctx, audit.BalanceCheck, id, audit.F("balance", rec.Balance), audit.F("actor", actor))
	return rec.Balance, true
}

// Enroll adds a student and records the opening balance.
func (s *Service) Enroll(ctx context.Context, nr student.NewRecord, actor string) (student.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Enroll(ctx, nr)
	if err != nil {
		return student.Record{}, err
	}
	s.record(ctx, audit.Enroll, rec.ID, audit.F("balance", rec.Balance), audit.F("actor", actor))
	return rec, nil
}

// Remove deletes a student.
func (s *Service) Remove(ctx context.Context, id, actor string) (student.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.Remove(ctx, id)
	if err != nil {
		return student.Record{}, err
	}
	s.record(ctx, audit.Remove, rec.ID, audit.F("balance", rec.Balance), audit.F("actor", actor))
	return rec, nil
}

// record appends to the audit log. The state change it describes is already
// durable, so a failed append is logged and not returned.
func (s *Service) record(ctx context.Context, kind audit.Kind, id string, fields ...audit.Field) {
	e := audit.Entry{Time: s.store.Now(), Kind: kind, Subject: id, Fields: fields}
	if err := s.audit.Append(ctx, e); err != nil {
		s.log.Error(ctx, "audit append failed", "entry", e.String(), "error", err)
	}
}
