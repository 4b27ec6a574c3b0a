package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	return 0
}

func TestNew(t *testing.T) {
	t.Run("registers on a fresh registry twice", func(t *testing.T) {
		assert.NotPanics(t, func() {
			New(prometheus.NewRegistry())
			New(prometheus.NewRegistry())
		})
	})
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSample("video")
	m.RecordSample("video")
	m.RecordSample("audio")
	assert.Equal(t, 2.0, value(t, m.PipelineSamplesTotal.WithLabelValues("video")))
	assert.Equal(t, 1.0, value(t, m.PipelineSamplesTotal.WithLabelValues("audio")))

	m.RecordExportStarted()
	assert.Equal(t, 1.0, value(t, m.ActiveExports))
	m.RecordExportFinished("merge", false, time.Second)
	assert.Equal(t, 0.0, value(t, m.ActiveExports))
	assert.Equal(t, 1.0, value(t, m.ExportsTotal.WithLabelValues("merge", "failure")))

	m.RecordPipelineRun("finished", 2*time.Second)
	assert.Equal(t, 1.0, value(t, m.PipelineRunsTotal.WithLabelValues("finished")))

	m.RecordJobCreated("trim")
	m.RecordJobStarted()
	assert.Equal(t, 0.0, value(t, m.JobQueueDepth))
	assert.Equal(t, 1.0, value(t, m.ActiveJobs))
	m.RecordJobCompleted("trim", "completed", time.Second)
	assert.Equal(t, 1.0, value(t, m.JobsTotal.WithLabelValues("completed", "trim")))

	m.UpdateStorageMetrics("working", 3, 4096)
	assert.Equal(t, 3.0, value(t, m.StorageFiles.WithLabelValues("working")))
	assert.Equal(t, 4096.0, value(t, m.StorageBytes.WithLabelValues("working")))
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, statusCodeToString(tt.code))
		})
	}
}
