package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewUsesIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ObserveTransaction("mint", "ok", 0.001)
	a.IncrementRevert("NotFound")
	a.IncrementRevert("NotFound")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Transactions.WithLabelValues("mint", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.Reverts.WithLabelValues("NotFound")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Reverts.WithLabelValues("NotFound")))
}

func TestValueForwardedAccumulates(t *testing.T) {
	m := New()
	m.AddValueForwarded(1e17)
	m.AddValueForwarded(1e17)
	assert.InDelta(t, 2e17, testutil.ToFloat64(m.ValueForwarded), 1)
}
