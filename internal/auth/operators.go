package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Roles an operator can hold.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrLockedOut      = errors.New("too many failed attempts")
)

// Operator is a person allowed to use the API.
type Operator struct {
	Name string
	Role string
	hash []byte
}

// ParseOperators reads "name:bcrypt-hash:role" entries separated by commas.
func ParseOperators(s string) (map[string]Operator, error) {
	ops := make(map[string]Operator)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		first := strings.Index(entry, ":")
		last := strings.LastIndex(entry, ":")
		if first <= 0 || last == first {
			return nil, fmt.Errorf("operator entry %q: want name:hash:role", entry)
		}
		name, hash, role := entry[:first], entry[first+1:last], entry[last+1:]
		if role != RoleAdmin && role != RoleStaff {
			return nil, fmt.Errorf("operator %s: unknown role %q", name, role)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("operator %s: %w", name, err)
		}
		if _, dup := ops[name]; dup {
			return nil, fmt.Errorf("operator %s listed twice", name)
		}
		ops[name] = Operator{Name: name, Role: role, hash: []byte(hash)}
	}
	return ops, nil
}

// HashPassword returns a bcrypt hash suitable for OPERATORS.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Authenticator checks operator passwords and locks a configured name out
// after too many consecutive failures.
type Authenticator struct {
	operators   map[string]Operator
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]*failureState
}

type failureState struct {
	count       int
	lockedUntil time.Time
}

func NewAuthenticator(ops map[string]Operator, maxAttempts int, lockout time.Duration) *Authenticator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Authenticator{
		operators:   ops,
		maxAttempts: maxAttempts,
		lockout:     lockout,
		now:         time.Now,
		failures:    make(map[string]*failureState),
	}
}

// Login verifies name and password.
func (a *Authenticator) Login(name, password string) (Operator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	st := a.failures[name]
	if st != nil && now.Before(st.lockedUntil) {
		return Operator{}, ErrLockedOut
	}

	op, ok := a.operators[name]
	if !ok {
		// Only configured names are tracked.
		return Operator{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(op.hash, []byte(password)) != nil {
		if st == nil || !st.lockedUntil.IsZero() {
			st = &failureState{}
			a.failures[name] = st
		}
		st.count++
		if st.count >= a.maxAttempts {
			st.lockedUntil = now.Add(a.lockout)
			return Operator{}, ErrLockedOut
		}
		return Operator{}, ErrBadCredentials
	}

	delete(a.failures, name)
	return op, nil
}
