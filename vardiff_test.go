package main

import (
	"testing"
	"time"
)

func testVardiffConfig() vardiffConfig {
	return vardiffConfig{
		TargetTime:      10,
		RetargetTime:    30,
		VariancePercent: 30,
		MinDiff:         1,
		MaxDiff:         1000000,
	}
}

func TestVardiffFirstSubmitNoRetarget(t *testing.T) {
	v := newVardiffController(testVardiffConfig())
	_, retarget := v.submit(time.Now(), 100)
	if retarget {
		t.Fatalf("expected no retarget on the very first submit")
	}
}

func TestVardiffIncreasesWhenSharesTooFast(t *testing.T) {
	v := newVardiffController(testVardiffConfig())
	base := time.Now()
	v.submit(base, 100)

	var lastDiff float64 = 100
	var retargeted bool
	for i := 1; i <= 35; i++ {
		now := base.Add(time.Duration(i) * time.Second) // 1s apart, far below 10s target
		d, r := v.submit(now, lastDiff)
		if r {
			retargeted = true
			lastDiff = d
		}
	}
	if !retargeted {
		t.Fatalf("expected a retarget after sustained fast submits")
	}
	if lastDiff <= 100 {
		t.Fatalf("expected difficulty to increase, got %v", lastDiff)
	}
}

func TestVardiffDecreasesWhenSharesTooSlow(t *testing.T) {
	v := newVardiffController(testVardiffConfig())
	base := time.Now()
	v.submit(base, 100)

	var lastDiff float64 = 100
	var retargeted bool
	for i := 1; i <= 4; i++ {
		now := base.Add(time.Duration(i) * 40 * time.Second) // 40s apart, far above 10s target
		d, r := v.submit(now, lastDiff)
		if r {
			retargeted = true
			lastDiff = d
		}
	}
	if !retargeted {
		t.Fatalf("expected a retarget after sustained slow submits")
	}
	if lastDiff >= 100 {
		t.Fatalf("expected difficulty to decrease, got %v", lastDiff)
	}
}

func TestVardiffClampsToMinDiff(t *testing.T) {
	cfg := testVardiffConfig()
	cfg.MinDiff = 50
	v := newVardiffController(cfg)
	base := time.Now()
	v.submit(base, 51)
	d, r := v.submit(base.Add(40*time.Second), 51)
	if !r {
		t.Fatalf("expected retarget")
	}
	if d < cfg.MinDiff {
		t.Fatalf("expected difficulty clamped to MinDiff %v, got %v", cfg.MinDiff, d)
	}
}
