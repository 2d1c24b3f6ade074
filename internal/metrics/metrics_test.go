package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func TestRecordIncidentResolvedObservesMTTR(t *testing.T) {
	RecordIncidentResolved("zombie_process", 1.5)

	family := gatherFamily(t, "grace_incident_mttr_seconds")
	require.NotNil(t, family)

	var found bool
	for _, metric := range family.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "failure_mode" && label.GetValue() == "zombie_process" {
				found = true
				assert.GreaterOrEqual(t, metric.GetHistogram().GetSampleCount(), uint64(1))
			}
		}
	}
	assert.True(t, found, "expected zombie_process MTTR sample")
}

func TestRecordTaskTerminal(t *testing.T) {
	RecordTaskTerminal("playbook", "succeeded")

	family := gatherFamily(t, "grace_htm_tasks_total")
	require.NotNil(t, family)
	assert.NotEmpty(t, family.GetMetric())
}

func TestRecordEventPublished(t *testing.T) {
	RecordEventPublished("guardian", "warn")

	family := gatherFamily(t, "grace_events_published_total")
	require.NotNil(t, family)
	assert.NotEmpty(t, family.GetMetric())
}
