package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"mailroom/internal/types"
)

// Time-of-day buckets for adaptive interval selection.
type Bucket string

const (
	BucketPeak   Bucket = "peak"
	BucketNormal Bucket = "normal"
	BucketOff    Bucket = "off"
)

// Load thresholds and scale factors. Above highLoad the interval stretches;
// below lowLoad it tightens. The result never drops under one minute, the
// floor of the platform's trigger granularity.
const (
	highLoadThreshold = 0.8
	lowLoadThreshold  = 0.3
	highLoadScale     = 1.5
	lowLoadScale      = 0.8
	minIntervalMin    = 1
)

// Load blend weights. Intentionally heuristic: this trades scheduling
// precision for load responsiveness, it is not a control-theoretic
// controller.
const (
	weightExecutionTime = 0.3
	weightErrorRate     = 0.2
	weightQueueSize     = 0.3
	weightMemoryUsage   = 0.2
)

// loadSampleCapacity bounds the in-memory ring buffer of load samples. Older
// samples are evicted, never persisted indefinitely.
const loadSampleCapacity = 100

// LoadInputs supplies the externally observed load factors, normalized to
// [0,1]. Implementations can probe queue depth from the mailbox backlog and
// memory from the runtime; the constant implementation below suits tests and
// hosts without probes.
type LoadInputs interface {
	QueueDepth(ctx context.Context) float64
	MemoryUsage(ctx context.Context) float64
}

// ConstantLoadInputs returns fixed factor values.
type ConstantLoadInputs struct {
	Queue  float64
	Memory float64
}

func (c ConstantLoadInputs) QueueDepth(context.Context) float64  { return c.Queue }
func (c ConstantLoadInputs) MemoryUsage(context.Context) float64 { return c.Memory }

// AdaptiveIntervalPolicy computes the effective run interval for interval
// jobs from the base interval, the time-of-day bucket, and a blended load
// estimate. Every evaluation records a LoadSample into a bounded ring buffer.
type AdaptiveIntervalPolicy struct {
	enabled     bool
	peakStart   int
	peakEnd     int
	offStart    int
	offEnd      int
	execTimeRef time.Duration
	inputs      LoadInputs
	metrics     MetricsEmitter
	logger      *slog.Logger

	mu      sync.Mutex
	samples []types.LoadSample
	next    int
	filled  bool
}

// AdaptivePolicyConfig holds the configuration for creating an
// AdaptiveIntervalPolicy.
type AdaptivePolicyConfig struct {
	Enabled bool

	// Bucket bounds, in hours. [PeakStart, PeakEnd) is peak; [OffStart, 24)
	// and [0, OffEnd) are off; everything else is normal.
	PeakStartHour int
	PeakEndHour   int
	OffStartHour  int
	OffEndHour    int

	// ExecTimeRef normalizes average execution time into [0,1]; the
	// invocation hard limit is the natural reference.
	ExecTimeRef time.Duration

	Inputs  LoadInputs
	Metrics MetricsEmitter // optional
	Logger  *slog.Logger
}

// NewAdaptiveIntervalPolicy creates a policy.
func NewAdaptiveIntervalPolicy(cfg AdaptivePolicyConfig) *AdaptiveIntervalPolicy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inputs := cfg.Inputs
	if inputs == nil {
		inputs = ConstantLoadInputs{}
	}
	ref := cfg.ExecTimeRef
	if ref <= 0 {
		ref = 5 * time.Minute
	}
	return &AdaptiveIntervalPolicy{
		enabled:     cfg.Enabled,
		peakStart:   cfg.PeakStartHour,
		peakEnd:     cfg.PeakEndHour,
		offStart:    cfg.OffStartHour,
		offEnd:      cfg.OffEndHour,
		execTimeRef: ref,
		inputs:      inputs,
		metrics:     cfg.Metrics,
		logger:      logger,
		samples:     make([]types.LoadSample, loadSampleCapacity),
	}
}

// EffectiveInterval returns the interval in minutes the job should run at,
// starting from its base interval, substituting the per-bucket override when
// adaptive scheduling is enabled, then scaling by observed load. The result
// never drops below one minute.
func (p *AdaptiveIntervalPolicy) EffectiveInterval(ctx context.Context, job types.Job, now time.Time) int {
	interval := float64(job.Definition.BaseInterval)

	if p.enabled && job.Definition.Adaptive != nil {
		if override := p.bucketOverride(*job.Definition.Adaptive, p.BucketFor(now)); override > 0 {
			interval = float64(override)
		}
	}

	load := p.EstimateLoad(ctx, job, now)
	if p.enabled {
		switch {
		case load > highLoadThreshold:
			interval *= highLoadScale
		case load < lowLoadThreshold:
			interval *= lowLoadScale
		}
	}

	minutes := int(math.Round(interval))
	if minutes < minIntervalMin {
		minutes = minIntervalMin
	}
	return minutes
}

// EstimateLoad blends the four load factors into one [0,1] estimate and
// records it as a LoadSample.
func (p *AdaptiveIntervalPolicy) EstimateLoad(ctx context.Context, job types.Job, now time.Time) float64 {
	factors := types.LoadFactors{
		ExecutionTime: clamp01(float64(job.Stats.AvgExecutionTime) / float64(p.execTimeRef)),
		ErrorRate:     errorRate(job.Stats),
		QueueSize:     clamp01(p.inputs.QueueDepth(ctx)),
		MemoryUsage:   clamp01(p.inputs.MemoryUsage(ctx)),
	}

	load := weightExecutionTime*factors.ExecutionTime +
		weightErrorRate*factors.ErrorRate +
		weightQueueSize*factors.QueueSize +
		weightMemoryUsage*factors.MemoryUsage

	sample := types.LoadSample{
		Timestamp: now,
		Load:      load,
		Factors:   factors,
	}
	p.record(sample)

	if p.metrics != nil {
		p.metrics.EmitLoadSample(ctx, sample)
	}

	return load
}

// BucketFor returns the time-of-day bucket for now.
func (p *AdaptiveIntervalPolicy) BucketFor(now time.Time) Bucket {
	hour := now.Hour()
	if hour >= p.peakStart && hour < p.peakEnd {
		return BucketPeak
	}
	if hour >= p.offStart || hour < p.offEnd {
		return BucketOff
	}
	return BucketNormal
}

// Samples returns a copy of the recorded load samples, oldest first.
func (p *AdaptiveIntervalPolicy) Samples() []types.LoadSample {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.filled {
		out := make([]types.LoadSample, p.next)
		copy(out, p.samples[:p.next])
		return out
	}
	out := make([]types.LoadSample, 0, loadSampleCapacity)
	out = append(out, p.samples[p.next:]...)
	out = append(out, p.samples[:p.next]...)
	return out
}

// record appends a sample to the ring buffer, evicting the oldest once full.
func (p *AdaptiveIntervalPolicy) record(sample types.LoadSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[p.next] = sample
	p.next++
	if p.next == loadSampleCapacity {
		p.next = 0
		p.filled = true
	}
}

func (p *AdaptiveIntervalPolicy) bucketOverride(a types.AdaptiveIntervals, b Bucket) int {
	switch b {
	case BucketPeak:
		return a.Peak
	case BucketOff:
		return a.Off
	default:
		return a.Normal
	}
}

func errorRate(stats types.JobStats) float64 {
	if stats.RunCount == 0 {
		return 0
	}
	return clamp01(float64(stats.ErrorCount) / float64(stats.RunCount))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
