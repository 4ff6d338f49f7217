package loadtest_test

import (
	"math"
	"testing"
	"time"

	"github.com/informalsystems/mq-load-test/pkg/loadtest"
	"github.com/informalsystems/mq-load-test/pkg/transport"
)

func approxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// uniformLatencies builds total messages sent 1ms apart, the first replied of
// which have latencies of 1, 2, ..., replied milliseconds.
func uniformLatencies(total, replied int) []*loadtest.SentMessage {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := transport.NewIDGenerator()
	msgs := make([]*loadtest.SentMessage, 0, total)
	for i := 0; i < total; i++ {
		m := &loadtest.SentMessage{
			ID:            gen.Next(),
			SequenceOrder: int64(i + 1),
			SentAt:        start.Add(time.Duration(i) * time.Millisecond),
		}
		if i < replied {
			m.ReceivedAt = m.SentAt.Add(time.Duration(i+1) * time.Millisecond)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestLatencyReport(t *testing.T) {
	r := loadtest.ComputeLatencyReport(uniformLatencies(100, 80))
	if r.Total != 100 {
		t.Errorf("Expected 100 messages in total, but got %d", r.Total)
	}
	if r.Replied != 80 {
		t.Errorf("Expected 80 replied messages, but got %d", r.Replied)
	}
	if r.SuccessRate != 80 {
		t.Errorf("Expected a success rate of exactly 80%%, but got %f", r.SuccessRate)
	}
	if r.Latency == nil {
		t.Fatal("Expected latency statistics")
	}
	l := r.Latency
	testCases := []struct {
		name      string
		got       float64
		expected  float64
		tolerance float64
	}{
		{"mean", l.Mean, 40.5, 0.001},
		{"min", l.Min, 1, 0.001},
		{"max", l.Max, 80, 0.001},
		// Population standard deviation of 1..80.
		{"stddev", l.StdDev, math.Sqrt((80*80 - 1) / 12.0), 0.001},
		{"p25", l.P25, 20, 1},
		{"p50", l.P50, 40, 1},
		{"p75", l.P75, 60, 1},
		{"p95", l.P95, 76, 1},
		{"p99", l.P99, 79, 1},
	}
	for _, tc := range testCases {
		if !approxEqual(tc.got, tc.expected, tc.tolerance) {
			t.Errorf("Expected latency %s to be %.3f (+/- %.3f), but got %.3f", tc.name, tc.expected, tc.tolerance, tc.got)
		}
	}
	// 100 messages sent over 99ms.
	if !approxEqual(r.Throughput, 100/0.099, 0.01) {
		t.Errorf("Expected throughput of %.2f msgs/sec, but got %.2f", 100/0.099, r.Throughput)
	}
	// Replies arrive every 2ms, from 1ms to 159ms.
	if !approxEqual(r.RepliedThroughput, 80/0.158, 0.01) {
		t.Errorf("Expected replied throughput of %.2f msgs/sec, but got %.2f", 80/0.158, r.RepliedThroughput)
	}
	if !approxEqual(r.CV, l.StdDev/l.Mean*100, 0.0001) {
		t.Errorf("Expected CV of %.2f%%, but got %.2f%%", l.StdDev/l.Mean*100, r.CV)
	}
	if r.Variability != "high" {
		t.Errorf("Expected high variability, but got %q", r.Variability)
	}
}

func TestLatencyReportWithoutReplies(t *testing.T) {
	r := loadtest.ComputeLatencyReport(uniformLatencies(10, 0))
	if r.Replied != 0 || r.SuccessRate != 0 {
		t.Errorf("Expected no replies and a 0%% success rate, but got %d and %f", r.Replied, r.SuccessRate)
	}
	if r.Latency != nil {
		t.Error("Expected no latency statistics")
	}
	if r.RepliedThroughput != 0 {
		t.Errorf("Expected no replied throughput, but got %f", r.RepliedThroughput)
	}

	empty := loadtest.ComputeLatencyReport(nil)
	if empty.Total != 0 || empty.Latency != nil || empty.Throughput != 0 {
		t.Errorf("Expected an empty report, but got %+v", empty)
	}
}

func TestClassifyVariability(t *testing.T) {
	testCases := []struct {
		cv       float64
		expected string
	}{
		{0, "low"},
		{14.99, "low"},
		{15, "moderate"},
		{34.99, "moderate"},
		{35, "high"},
		{250, "high"},
	}
	for _, tc := range testCases {
		if got := loadtest.ClassifyVariability(tc.cv); got != tc.expected {
			t.Errorf("Expected CV of %.2f%% to be classified as %q, but got %q", tc.cv, tc.expected, got)
		}
	}
}

func TestDrainRates(t *testing.T) {
	testCases := []struct {
		samples  []loadtest.DepthSample
		expected []float64
	}{
		{nil, nil},
		{[]loadtest.DepthSample{{0, 10}, {100, 5}}, nil},
		// The edges are discarded, leaving a single decreasing interval.
		{
			[]loadtest.DepthSample{{0, 50}, {100, 50}, {200, 30}, {300, 30}, {400, 10}},
			[]float64{200},
		},
		// Increases and flat intervals are ignored.
		{
			[]loadtest.DepthSample{{0, 0}, {100, 10}, {200, 20}, {300, 20}, {400, 0}, {500, 0}},
			[]float64{200},
		},
		{
			[]loadtest.DepthSample{{0, 100}, {500, 90}, {1000, 40}, {1500, 0}, {2000, 0}, {2500, 0}},
			[]float64{100, 80},
		},
	}
	for i, tc := range testCases {
		rates := loadtest.ComputeDrainRates(tc.samples)
		if len(rates) != len(tc.expected) {
			t.Errorf("Test case %d: Expected %d rates, but got %d (%v)", i, len(tc.expected), len(rates), rates)
			continue
		}
		for j := range rates {
			if !approxEqual(rates[j], tc.expected[j], 0.0001) {
				t.Errorf("Test case %d: Expected rate %d to be %f, but got %f", i, j, tc.expected[j], rates[j])
			}
		}
	}
}

func TestDrainReport(t *testing.T) {
	r := loadtest.ComputeDrainReport([]loadtest.DepthSample{{0, 100}, {500, 90}, {1000, 40}, {1500, 0}, {2000, 0}})
	if r.Samples != 5 {
		t.Errorf("Expected 5 samples, but got %d", r.Samples)
	}
	if r.Intervals != 2 {
		t.Fatalf("Expected 2 decreasing intervals, but got %d", r.Intervals)
	}
	if !approxEqual(r.Rates.Mean, 90, 0.001) {
		t.Errorf("Expected mean drain rate of 90 msgs/sec, but got %f", r.Rates.Mean)
	}
	if r.Rates.Min != 80 || r.Rates.Max != 100 {
		t.Errorf("Expected drain rates between 80 and 100 msgs/sec, but got %f to %f", r.Rates.Min, r.Rates.Max)
	}

	flat := loadtest.ComputeDrainReport([]loadtest.DepthSample{{0, 5}, {100, 5}, {200, 5}, {300, 5}})
	if flat.Rates != nil {
		t.Errorf("Expected no drain rate statistics for a flat queue, but got %+v", flat.Rates)
	}
}

func TestSentMessagesOrdering(t *testing.T) {
	now := time.Now()
	sent := loadtest.SentMessages{
		{
			{SequenceOrder: 2, SentAt: now},
			{SequenceOrder: 4, SentAt: now.Add(time.Millisecond)},
		},
		{
			{SequenceOrder: 1, SentAt: now},
			{SequenceOrder: 3, SentAt: now.Add(time.Millisecond)},
			{SequenceOrder: 5, SentAt: now.Add(2 * time.Millisecond)},
		},
	}
	if sent.Count() != 5 {
		t.Errorf("Expected 5 messages, but got %d", sent.Count())
	}
	ordered := sent.Ordered()
	for i, m := range ordered {
		if m.SequenceOrder != int64(i+1) {
			t.Errorf("Expected message %d to have sequence number %d, but got %d", i, i+1, m.SequenceOrder)
		}
	}
	ordered[0].ReceivedAt = now.Add(3 * time.Millisecond)
	if !sent[1][0].Replied() {
		t.Error("Expected updates through ordered records to be visible in the per-worker lists")
	}
	if lat := sent[1][0].Latency(); lat != 3*time.Millisecond {
		t.Errorf("Expected a latency of 3ms, but got %s", lat)
	}
}
