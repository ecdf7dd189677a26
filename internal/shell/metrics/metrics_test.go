package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stagehand/internal/core/domain"
)

func TestObserveStage(t *testing.T) {
	r := NewRecorder()
	r.ObserveStage(domain.ActionDeploy, domain.StageFetch, 2*time.Second, nil)
	r.ObserveStage(domain.ActionDeploy, domain.StageDeploy, time.Second, errors.New("boom"))

	assert.Equal(t, 2, testutil.CollectAndCount(r.stageDuration))
}

func TestObserveRun(t *testing.T) {
	r := NewRecorder()
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r.ObserveRun(domain.PipelineOutcome{Action: domain.ActionDeploy, Project: "app", Stage: domain.StageDone, FinishedAt: finished})
	r.ObserveRun(domain.PipelineOutcome{
		Action:     domain.ActionDeploy,
		Project:    "app",
		Stage:      domain.StageProxy,
		Kind:       domain.KindProxyConfig,
		Err:        errors.New("nginx -t failed"),
		FinishedAt: finished,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("deploy", "app", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("deploy", "app", "failure", "proxy-configuration")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(r.lastRun.WithLabelValues("deploy", "app")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveStage(domain.ActionCleanup, domain.StageCleanup, 3*time.Second, nil)

	path := filepath.Join(t.TempDir(), "textfile", "stagehand.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stagehand_pipeline_stage_duration_seconds_bucket")
	assert.Contains(t, string(data), `stage="cleanup"`)
}
