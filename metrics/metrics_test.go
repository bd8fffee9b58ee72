package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Collectors are package globals registered by promauto; import must not panic
	assert.NotNil(t, HTTPRequests)
	assert.NotNil(t, HTTPRequestDuration)
	assert.NotNil(t, LoginAttempts)
	assert.NotNil(t, RateLimitRejections)
	assert.NotNil(t, CoverageComputeDuration)
	assert.NotNil(t, CacheHits)
	assert.NotNil(t, CacheMisses)
	assert.NotNil(t, CacheErrors)
	assert.NotNil(t, AttackObjectsImported)
	assert.NotNil(t, AuditEntriesWritten)
	assert.NotNil(t, StorageErrors)
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(LoginAttempts.WithLabelValues("success"))
	LoginAttempts.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(LoginAttempts.WithLabelValues("success")))
}
