// Package validate checks and normalizes operator input before it reaches the
// store: student IDs are upper-cased, names title-cased and amounts rounded
// to cents.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"canteen/internal/student"
)

var (
	MaxBalance = decimal.NewFromInt(1000)
	nameChars  = regexp.MustCompile(`^[\p{L} '\-.]+$`)
)

// Enrollment is a normalized enrollment request.
type Enrollment struct {
	ID        string          `validate:"required,min=3,max=20,alphanum"`
	FirstName string          `validate:"required,personname"`
	LastName  string          `validate:"required,personname"`
	Balance   decimal.Decimal `validate:"-"`
}

// Validator wraps a configured go-playground validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return validName(fl.Field().String())
	})
	return &Validator{v: v}
}

func validName(s string) bool {
	n := utf8.RuneCountInString(s)
	return n >= 2 && n <= 50 && nameChars.MatchString(s)
}

// Enrollment normalizes and validates the fields of a new student.
func (v *Validator) Enrollment(id, firstName, lastName string, balance decimal.Decimal) (Enrollment, error) {
	e := Enrollment{
		ID:        NormalizeID(id),
		FirstName: TitleName(firstName),
		LastName:  TitleName(lastName),
	}
	if err := v.v.Struct(e); err != nil {
		return Enrollment{}, invalid(err)
	}
	bal, err := Balance(balance)
	if err != nil {
		return Enrollment{}, err
	}
	e.Balance = bal
	return e, nil
}

// StudentID normalizes and validates a single ID.
func (v *Validator) StudentID(id string) (string, error) {
	id = NormalizeID(id)
	if err := v.v.Var(id, "required,min=3,max=20,alphanum"); err != nil {
		return "", invalid(fmt.Errorf("student id: %w", err))
	}
	return id, nil
}

// NormalizeID trims and upper-cases a student ID.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// TitleName trims, collapses inner whitespace and capitalizes each word,
// including the parts after hyphens, apostrophes and dots.
func TitleName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	var b strings.Builder
	upper := true
	for _, r := range s {
		if upper {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune(unicode.ToLower(r))
		}
		upper = !unicode.IsLetter(r)
	}
	return b.String()
}

// Balance accepts 0 to MaxBalance and rounds to cents.
func Balance(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() || d.GreaterThan(MaxBalance) {
		return decimal.Zero, fmt.Errorf("%w: balance must be between 0 and %s", student.ErrInvalidInput, MaxBalance)
	}
	return d.Round(2), nil
}

// Amount accepts a credit or cost above zero and up to MaxBalance, rounded
// to cents.
func Amount(d decimal.Decimal) (decimal.Decimal, error) {
	d = d.Round(2)
	if !d.IsPositive() || d.GreaterThan(MaxBalance) {
		return decimal.Zero, fmt.Errorf("%w: amount must be above 0 and at most %s", student.ErrInvalidInput, MaxBalance)
	}
	return d, nil
}

// ParseAmount parses a decimal string and applies Amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", student.ErrInvalidInput, s)
	}
	return Amount(d)
}

func invalid(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", student.ErrInvalidInput, strings.Join(msgs, ", "))
	}
	return fmt.Errorf("%w: %v", student.ErrInvalidInput, err)
}
