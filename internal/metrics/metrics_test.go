package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitMetrics(t *testing.T) {
	// InitMetrics uses sync.Once; later calls are no-ops.
	InitMetrics()
	InitMetrics()

	assert.True(t, IsMetricsRegistered())
	assert.NotNil(t, GetAuthAttemptsTotal())
	assert.NotNil(t, GetRenewalsTotal())
	assert.NotNil(t, GetEngineOpsTotal())
	assert.NotNil(t, GetEngineOpDuration())
	assert.NotNil(t, GetRetriedCallsTotal())
}

func TestRecorder_RecordAuth(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(GetAuthAttemptsTotal().WithLabelValues("approle-test", ResultSuccess))
	r.RecordAuth("approle-test", true)
	r.RecordAuth("approle-test", false)

	assert.Equal(t, before+1, testutil.ToFloat64(GetAuthAttemptsTotal().WithLabelValues("approle-test", ResultSuccess)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(GetAuthAttemptsTotal().WithLabelValues("approle-test", ResultError)), 1.0)
}

func TestRecorder_RecordRenewal(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(GetRenewalsTotal().WithLabelValues(TriggerForbidden))
	r.RecordRenewal(TriggerForbidden)
	r.RecordRenewal(TriggerForbidden)

	assert.Equal(t, before+2, testutil.ToFloat64(GetRenewalsTotal().WithLabelValues(TriggerForbidden)))
}

func TestRecorder_RecordOperation(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(GetEngineOpsTotal().WithLabelValues("kv-test", "read", ResultNotFound))
	r.RecordOperation("kv-test", "read", ResultNotFound, 15*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(GetEngineOpsTotal().WithLabelValues("kv-test", "read", ResultNotFound)))
	assert.NotNil(t, GetEngineOpDuration())
}

func TestRecorder_RecordRetry(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(GetRetriedCallsTotal().WithLabelValues("kv.write-test", ResultSuccess))
	r.RecordRetry("kv.write-test", true)

	assert.Equal(t, before+1, testutil.ToFloat64(GetRetriedCallsTotal().WithLabelValues("kv.write-test", ResultSuccess)))
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()

	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordAuth("token", true)
		r.RecordRenewal(TriggerInitial)
		r.RecordRetry("kv.read", false)
		r.RecordOperation("kv", "read", ResultSuccess, time.Millisecond)
	})
}
