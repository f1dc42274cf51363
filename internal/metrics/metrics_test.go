package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"canteen/internal/access"
	"canteen/internal/checkin"
)

func TestObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAccess(true, "")
	m.ObserveAccess(false, access.ReasonInsufficient)
	m.ObserveAccess(false, access.ReasonInsufficient)
	m.ObserveCredit(decimal.RequireFromString("12.5"))
	m.ObserveIdentification(40*time.Millisecond, checkin.StatusGranted, "")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccessDecisions.WithLabelValues("granted", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AccessDecisions.WithLabelValues("denied", "insufficient")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.CreditedAmount))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Identification))
}

func TestNewRegistersOncePerRegistry(t *testing.T) {
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })

	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
