package reliable

import "testing"

func TestRTTEstimatorFirstSample(t *testing.T) {
	r := newRTTEstimator(false)
	if r.rto != initialRTOMs {
		t.Fatalf("expected initial RTO %d, got %d", initialRTOMs, r.rto)
	}
	r.sample(50)
	if r.srtt != 50 {
		t.Fatalf("expected srtt=50 after first sample, got %d", r.srtt)
	}
	if r.currentRTO() < r.minRTO() {
		t.Fatalf("RTO must never be below the configured minimum")
	}
}

func TestRTTEstimatorConvergesWithStableSamples(t *testing.T) {
	r := newRTTEstimator(false)
	for i := 0; i < 50; i++ {
		r.sample(100)
	}
	if r.srtt < 90 || r.srtt > 110 {
		t.Fatalf("expected srtt to converge near 100, got %d", r.srtt)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := newRTTEstimator(true)
	rto := int64(200)
	for i := 0; i < 20; i++ {
		rto = r.backoff(rto)
	}
	if rto != maxRTOMs {
		t.Fatalf("expected backoff to cap at %d, got %d", maxRTOMs, rto)
	}
}

func TestNoDelayLowersMinRTO(t *testing.T) {
	r := newRTTEstimator(true)
	r.sample(1)
	if r.currentRTO() != r.minRTO() {
		t.Fatalf("expected RTO clamped to no-delay minimum")
	}
	if r.minRTO() >= newRTTEstimator(false).minRTO() {
		t.Fatalf("expected no-delay minimum RTO to be smaller than default")
	}
}
