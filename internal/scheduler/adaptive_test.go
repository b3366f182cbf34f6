package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/types"
)

func newTestPolicy(enabled bool, inputs LoadInputs) *AdaptiveIntervalPolicy {
	return NewAdaptiveIntervalPolicy(AdaptivePolicyConfig{
		Enabled:       enabled,
		PeakStartHour: 9,
		PeakEndHour:   17,
		OffStartHour:  22,
		OffEndHour:    6,
		ExecTimeRef:   5 * time.Minute,
		Inputs:        inputs,
	})
}

func adaptiveJob(base int, overrides *types.AdaptiveIntervals) types.Job {
	return types.Job{
		Definition: types.JobDefinition{
			Name:         "intake",
			Type:         types.JobTypeInterval,
			BaseInterval: base,
			Adaptive:     overrides,
		},
	}
}

func TestPolicy_BucketFor(t *testing.T) {
	p := newTestPolicy(true, nil)
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		hour int
		want Bucket
	}{
		{9, BucketPeak},
		{16, BucketPeak},
		{17, BucketNormal},
		{8, BucketNormal},
		{21, BucketNormal},
		{22, BucketOff},
		{23, BucketOff},
		{0, BucketOff},
		{5, BucketOff},
		{6, BucketNormal},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("hour_%d", tc.hour), func(t *testing.T) {
			at := day.Add(time.Duration(tc.hour) * time.Hour)
			assert.Equal(t, tc.want, p.BucketFor(at))
		})
	}
}

func TestPolicy_BucketOverrides(t *testing.T) {
	// Inputs chosen to land the load estimate in the neutral zone so the
	// bucket override comes through unscaled.
	p := newTestPolicy(true, ConstantLoadInputs{Queue: 1, Memory: 0.5})
	job := adaptiveJob(10, &types.AdaptiveIntervals{Peak: 2, Normal: 5, Off: 15})
	ctx := context.Background()

	peak := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	normal := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)
	off := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)

	assert.Equal(t, 2, p.EffectiveInterval(ctx, job, peak))
	assert.Equal(t, 5, p.EffectiveInterval(ctx, job, normal))
	assert.Equal(t, 15, p.EffectiveInterval(ctx, job, off))
}

func TestPolicy_MissingOverrideUsesBase(t *testing.T) {
	p := newTestPolicy(true, ConstantLoadInputs{Queue: 1, Memory: 0.5})
	// Zero peak override means "no override".
	job := adaptiveJob(10, &types.AdaptiveIntervals{Off: 15})
	ctx := context.Background()

	peak := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, p.EffectiveInterval(ctx, job, peak))
}

func TestPolicy_HighLoadStretchesInterval(t *testing.T) {
	// All four factors saturated gives a load estimate of 1.0.
	p := newTestPolicy(true, ConstantLoadInputs{Queue: 1, Memory: 1})
	job := adaptiveJob(10, nil)
	job.Stats.AvgExecutionTime = 5 * time.Minute
	job.Stats.RunCount = 10
	job.Stats.ErrorCount = 10
	ctx := context.Background()

	normal := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, 15, p.EffectiveInterval(ctx, job, normal))
}

func TestPolicy_LowLoadTightensInterval(t *testing.T) {
	p := newTestPolicy(true, ConstantLoadInputs{})
	job := adaptiveJob(10, nil)
	ctx := context.Background()

	normal := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, 8, p.EffectiveInterval(ctx, job, normal))
}

func TestPolicy_OneMinuteFloor(t *testing.T) {
	p := newTestPolicy(true, ConstantLoadInputs{})
	job := adaptiveJob(1, nil)
	ctx := context.Background()

	normal := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)
	// 1 * 0.8 rounds to 1; never below the trigger granularity.
	assert.Equal(t, 1, p.EffectiveInterval(ctx, job, normal))
}

func TestPolicy_DisabledIgnoresOverridesAndLoad(t *testing.T) {
	p := newTestPolicy(false, ConstantLoadInputs{Queue: 1, Memory: 1})
	job := adaptiveJob(10, &types.AdaptiveIntervals{Peak: 2})
	ctx := context.Background()

	peak := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, p.EffectiveInterval(ctx, job, peak))
}

func TestPolicy_EstimateLoadBlendsFactors(t *testing.T) {
	p := newTestPolicy(true, ConstantLoadInputs{Queue: 0.5, Memory: 0.25})
	job := adaptiveJob(10, nil)
	job.Stats.AvgExecutionTime = 150 * time.Second // half the 5m reference
	job.Stats.RunCount = 10
	job.Stats.ErrorCount = 5
	ctx := context.Background()

	load := p.EstimateLoad(ctx, job, time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	// 0.3*0.5 + 0.2*0.5 + 0.3*0.5 + 0.2*0.25 = 0.45
	assert.InDelta(t, 0.45, load, 1e-9)

	samples := p.Samples()
	require.Len(t, samples, 1)
	assert.InDelta(t, 0.45, samples[0].Load, 1e-9)
	assert.InDelta(t, 0.5, samples[0].Factors.ExecutionTime, 1e-9)
}

func TestPolicy_SampleRingBufferEvictsOldest(t *testing.T) {
	p := newTestPolicy(true, ConstantLoadInputs{})
	job := adaptiveJob(10, nil)
	ctx := context.Background()

	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for i := 0; i < loadSampleCapacity+10; i++ {
		p.EstimateLoad(ctx, job, start.Add(time.Duration(i)*time.Minute))
	}

	samples := p.Samples()
	require.Len(t, samples, loadSampleCapacity)
	// The ten oldest were evicted; order is oldest first.
	assert.Equal(t, start.Add(10*time.Minute), samples[0].Timestamp)
	assert.Equal(t, start.Add(time.Duration(loadSampleCapacity+9)*time.Minute), samples[len(samples)-1].Timestamp)
}
