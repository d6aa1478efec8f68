// Package stats implements C8: incoming/rejected request counters, latency
// histograms (overall, cache, HSS/digest/subscription), and per-Cx-command
// result-code histograms, as thin wrappers over OpenTelemetry instruments.
//
// The instrument-caching idiom here is adapted from the teacher framework's
// telemetry.MetricInstruments: a Recorder lazily creates and memoizes one
// OTel instrument per metric name so hot paths never pay instrument-creation
// cost after the first call.
package stats

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Histogram names, per spec §4.8.
const (
	HIncomingRequests         = "homestead.incoming_requests"
	HRejectedOverload         = "homestead.rejected_overload"
	HLatencyUs                = "homestead.latency_us"
	HCacheLatencyUs           = "homestead.cache_latency_us"
	HHssLatencyUs             = "homestead.hss_latency_us"
	HHssDigestLatencyUs       = "homestead.hss_digest_latency_us"
	HHssSubscriptionLatencyUs = "homestead.hss_subscription_latency_us"
)

// cxResultCodeHistogram returns the per-command result-code histogram name
// for a Cx command, e.g. "homestead.mar.result_code" for MAR/MAA.
func cxResultCodeHistogram(command string) string {
	return fmt.Sprintf("homestead.%s.result_code", command)
}

// Recorder records C8 metrics through cached OTel instruments. The zero
// value is not usable; construct with NewRecorder.
type Recorder struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewRecorder creates a Recorder backed by the named OTel meter.
func NewRecorder(meterName string) *Recorder {
	return &Recorder{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (r *Recorder) counter(name string) (metric.Int64Counter, error) {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("creating counter %s: %w", name, err)
	}
	r.counters[name] = c
	return c, nil
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("creating histogram %s: %w", name, err)
	}
	r.histograms[name] = h
	return h, nil
}

// IncomingRequest counts one inbound Diameter or provisioning-store request.
func (r *Recorder) IncomingRequest(ctx context.Context, command string) {
	if c, err := r.counter(HIncomingRequests); err == nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
	}
}

// RejectedOverload counts one request rejected by the bounded worker queue (C7).
func (r *Recorder) RejectedOverload(ctx context.Context, command string) {
	if c, err := r.counter(HRejectedOverload); err == nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("command", command)))
	}
}

// LatencyUs records overall end-to-end request latency in microseconds.
func (r *Recorder) LatencyUs(ctx context.Context, command string, micros float64) {
	if h, err := r.histogram(HLatencyUs); err == nil {
		h.Record(ctx, micros, metric.WithAttributes(attribute.String("command", command)))
	}
}

// CacheLatencyUs records latency spent in the cache path (C1-C3).
func (r *Recorder) CacheLatencyUs(ctx context.Context, op string, micros float64) {
	if h, err := r.histogram(HCacheLatencyUs); err == nil {
		h.Record(ctx, micros, metric.WithAttributes(attribute.String("op", op)))
	}
}

// HssLatencyUs records overall HSS round-trip latency (C5/C6).
func (r *Recorder) HssLatencyUs(ctx context.Context, command string, micros float64) {
	if h, err := r.histogram(HHssLatencyUs); err == nil {
		h.Record(ctx, micros, metric.WithAttributes(attribute.String("command", command)))
	}
}

// HssDigestLatencyUs records latency of a digest-auth HSS round trip (MAR/MAA).
func (r *Recorder) HssDigestLatencyUs(ctx context.Context, micros float64) {
	if h, err := r.histogram(HHssDigestLatencyUs); err == nil {
		h.Record(ctx, micros)
	}
}

// HssSubscriptionLatencyUs records latency of a subscription-data HSS round
// trip (SAR/SAA, UAR/UAA, LIR/LIA).
func (r *Recorder) HssSubscriptionLatencyUs(ctx context.Context, micros float64) {
	if h, err := r.histogram(HHssSubscriptionLatencyUs); err == nil {
		h.Record(ctx, micros)
	}
}

// CxResultCode records a Diameter result code returned for a given Cx
// command (MAR, SAR, UAR, LIR, PPR, RTR), one histogram series per command
// per spec §4.8.
func (r *Recorder) CxResultCode(ctx context.Context, command string, resultCode int) {
	name := cxResultCodeHistogram(command)
	if h, err := r.histogram(name); err == nil {
		h.Record(ctx, float64(resultCode))
	}
}
