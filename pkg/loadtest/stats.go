package loadtest

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/informalsystems/mq-load-test/internal/logging"
)

const histogramSigFigs = 3

// Variability thresholds for the coefficient of variation, in percent.
const (
	lowVariabilityThreshold      = 15.0
	moderateVariabilityThreshold = 35.0
)

// Distribution describes a set of observations. Mean, standard deviation,
// minimum and maximum are exact; percentiles come from an HDR histogram.
type Distribution struct {
	Count  int64
	Mean   float64
	StdDev float64 // Population standard deviation.
	Min    float64
	Max    float64
	P25    float64
	P50    float64
	P75    float64
	P95    float64
	P99    float64
}

// describe computes a Distribution over values. Percentiles are recorded with
// 1/resolution precision; negative values are clamped to zero in the
// histogram only.
func describe(values []float64, resolution float64) *Distribution {
	if len(values) == 0 {
		return nil
	}
	d := &Distribution{Count: int64(len(values)), Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		d.Min = math.Min(d.Min, v)
		d.Max = math.Max(d.Max, v)
	}
	d.Mean = sum / float64(len(values))
	sqDiff := 0.0
	for _, v := range values {
		sqDiff += (v - d.Mean) * (v - d.Mean)
	}
	d.StdDev = math.Sqrt(sqDiff / float64(len(values)))

	maxScaled := int64(math.Ceil(math.Max(d.Max, 0)*resolution)) + 1
	h := hdrhistogram.New(1, maxScaled+1, histogramSigFigs)
	for _, v := range values {
		scaled := int64(math.Round(math.Max(v, 0) * resolution))
		if err := h.RecordValue(scaled); err != nil {
			// Out of the trackable range; count it at the top so quantiles
			// still see every value.
			_ = h.RecordValue(h.HighestTrackableValue())
		}
	}
	at := func(q float64) float64 {
		return float64(h.ValueAtQuantile(q)) / resolution
	}
	d.P25, d.P50, d.P75, d.P95, d.P99 = at(25), at(50), at(75), at(95), at(99)
	return d
}

// CoefficientOfVariation returns the standard deviation as a percentage of the
// mean, or 0 for a zero mean.
func (d *Distribution) CoefficientOfVariation() float64 {
	if d == nil || d.Mean == 0 {
		return 0
	}
	return d.StdDev / d.Mean * 100
}

// ClassifyVariability qualitatively describes a coefficient of variation.
func ClassifyVariability(cv float64) string {
	switch {
	case cv < lowVariabilityThreshold:
		return "low"
	case cv < moderateVariabilityThreshold:
		return "moderate"
	}
	return "high"
}

// LatencyReport holds the statistics of a correlated load test.
type LatencyReport struct {
	Total       int
	Replied     int
	SuccessRate float64 // Percentage of messages that received a reply.
	// Throughput is messages/sec over the span between the first and last
	// send. RepliedThroughput is replies/sec over the span between the first
	// and last reply.
	Throughput        float64
	RepliedThroughput float64
	// Latency is in milliseconds; nil if no message received a reply.
	Latency     *Distribution
	CV          float64
	Variability string
}

// ComputeLatencyReport derives latency and throughput statistics from a set of
// correlated messages.
func ComputeLatencyReport(msgs []*SentMessage) LatencyReport {
	r := LatencyReport{Total: len(msgs)}
	if len(msgs) == 0 {
		return r
	}
	var (
		firstSent, lastSent time.Time
		firstRecv, lastRecv time.Time
		latencies           []float64
	)
	for _, m := range msgs {
		if firstSent.IsZero() || m.SentAt.Before(firstSent) {
			firstSent = m.SentAt
		}
		if m.SentAt.After(lastSent) {
			lastSent = m.SentAt
		}
		if !m.Replied() {
			continue
		}
		if firstRecv.IsZero() || m.ReceivedAt.Before(firstRecv) {
			firstRecv = m.ReceivedAt
		}
		if m.ReceivedAt.After(lastRecv) {
			lastRecv = m.ReceivedAt
		}
		latencies = append(latencies, float64(m.Latency())/float64(time.Millisecond))
	}
	r.Replied = len(latencies)
	r.SuccessRate = float64(r.Replied) / float64(r.Total) * 100
	if span := lastSent.Sub(firstSent); span > 0 {
		r.Throughput = float64(r.Total) / span.Seconds()
	}
	if span := lastRecv.Sub(firstRecv); span > 0 {
		r.RepliedThroughput = float64(r.Replied) / span.Seconds()
	}
	// Microsecond resolution.
	r.Latency = describe(latencies, 1000)
	r.CV = r.Latency.CoefficientOfVariation()
	if r.Latency != nil {
		r.Variability = ClassifyVariability(r.CV)
	}
	return r
}

// ComputeDrainRates returns the rate, in messages/sec, of every interval over
// which the queue depth decreased. The first and last samples are discarded.
func ComputeDrainRates(samples []DepthSample) []float64 {
	if len(samples) < 3 {
		return nil
	}
	interior := samples[1 : len(samples)-1]
	var rates []float64
	for i := 1; i < len(interior); i++ {
		prev, next := interior[i-1], interior[i]
		if next.Depth >= prev.Depth {
			continue
		}
		elapsed := float64(next.ElapsedMs-prev.ElapsedMs) / 1000
		if elapsed <= 0 {
			continue
		}
		rates = append(rates, float64(prev.Depth-next.Depth)/elapsed)
	}
	return rates
}

// DrainReport describes how quickly a queue was consumed.
type DrainReport struct {
	Samples   int
	Intervals int
	// Rates is in messages/sec; nil if the depth never decreased.
	Rates *Distribution
}

func ComputeDrainReport(samples []DepthSample) DrainReport {
	rates := ComputeDrainRates(samples)
	// Hundredth of a message per second resolution.
	return DrainReport{
		Samples:   len(samples),
		Intervals: len(rates),
		Rates:     describe(rates, 100),
	}
}

// Log outputs the latency report using the given logger.
func (r *LatencyReport) Log(logger logging.Logger) {
	logger.Info(
		"Message statistics",
		"total", r.Total,
		"replied", r.Replied,
		"successRate", fmt.Sprintf("%.2f%%", r.SuccessRate),
		"throughput", fmt.Sprintf("%.2f msgs/sec", r.Throughput),
		"repliedThroughput", fmt.Sprintf("%.2f msgs/sec", r.RepliedThroughput),
	)
	if r.Latency == nil {
		logger.Info("No replies were correlated, no latency statistics possible")
		return
	}
	l := r.Latency
	logger.Info(
		"Latency (ms)",
		"mean", fmt.Sprintf("%.3f", l.Mean),
		"stddev", fmt.Sprintf("%.3f", l.StdDev),
		"min", fmt.Sprintf("%.3f", l.Min),
		"max", fmt.Sprintf("%.3f", l.Max),
		"p25", fmt.Sprintf("%.3f", l.P25),
		"p50", fmt.Sprintf("%.3f", l.P50),
		"p75", fmt.Sprintf("%.3f", l.P75),
		"p95", fmt.Sprintf("%.3f", l.P95),
		"p99", fmt.Sprintf("%.3f", l.P99),
	)
	logger.Info("Latency variability", "cv", fmt.Sprintf("%.2f%%", r.CV), "variability", r.Variability)
}

func (r *DrainReport) Log(queue string, logger logging.Logger) {
	if r.Rates == nil {
		logger.Info("No drain observed", "queue", queue, "samples", r.Samples)
		return
	}
	drainRateMetric.WithLabelValues(queue).Set(r.Rates.Mean)
	logger.Info(
		"Drain rate (msgs/sec)",
		"queue", queue,
		"intervals", r.Intervals,
		"mean", fmt.Sprintf("%.2f", r.Rates.Mean),
		"stddev", fmt.Sprintf("%.2f", r.Rates.StdDev),
		"min", fmt.Sprintf("%.2f", r.Rates.Min),
		"max", fmt.Sprintf("%.2f", r.Rates.Max),
		"p50", fmt.Sprintf("%.2f", r.Rates.P50),
		"p95", fmt.Sprintf("%.2f", r.Rates.P95),
	)
}

func distributionRecords(prefix, units string, d *Distribution) [][]string {
	if d == nil {
		return nil
	}
	f := func(v float64) string { return fmt.Sprintf("%.6f", v) }
	return [][]string{
		{prefix + "_mean", f(d.Mean), units},
		{prefix + "_stddev", f(d.StdDev), units},
		{prefix + "_min", f(d.Min), units},
		{prefix + "_max", f(d.Max), units},
		{prefix + "_p25", f(d.P25), units},
		{prefix + "_p50", f(d.P50), units},
		{prefix + "_p75", f(d.P75), units},
		{prefix + "_p95", f(d.P95), units},
		{prefix + "_p99", f(d.P99), units},
	}
}

// writeAggregateStats writes the run's statistics to a CSV file of
// (parameter, value, units) rows.
func writeAggregateStats(filename string, res *TestRunResult, latency LatencyReport, drain DrainReport) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	records := [][]string{
		{"Parameter", "Value", "Units"},
		{"total_time", fmt.Sprintf("%.3f", res.Elapsed.Seconds()), "seconds"},
		{"total_sent", strconv.FormatInt(res.TotalSent(), 10), "count"},
		{"local_sent", strconv.FormatInt(res.LocalSent, 10), "count"},
		{"queue_saturated", strconv.FormatBool(res.QueueSaturated), "flag"},
		{"replied", strconv.Itoa(latency.Replied), "count"},
		{"success_rate", fmt.Sprintf("%.2f", latency.SuccessRate), "percent"},
		{"throughput", fmt.Sprintf("%.6f", latency.Throughput), "messages per second"},
		{"replied_throughput", fmt.Sprintf("%.6f", latency.RepliedThroughput), "messages per second"},
		{"latency_cv", fmt.Sprintf("%.2f", latency.CV), "percent"},
	}
	records = append(records, distributionRecords("latency", "milliseconds", latency.Latency)...)
	records = append(records, distributionRecords("drain_rate", "messages per second", drain.Rates)...)
	if err := w.WriteAll(records); err != nil {
		return err
	}
	return w.Error()
}

// writeMessages dumps per-message timing to a CSV file.
func writeMessages(filename string, msgs []*SentMessage) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"sequence", "id", "sent_at", "received_at", "latency_us"}); err != nil {
		return err
	}
	for _, m := range msgs {
		receivedAt, latency := "", ""
		if m.Replied() {
			receivedAt = m.ReceivedAt.Format(time.RFC3339Nano)
			latency = strconv.FormatInt(m.Latency().Microseconds(), 10)
		}
		if err := w.Write([]string{
			strconv.FormatInt(m.SequenceOrder, 10),
			m.ID.String(),
			m.SentAt.Format(time.RFC3339Nano),
			receivedAt,
			latency,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
