package main

import (
	"sync"
	"time"
)

// vardiffConfig is the per-port variance-targeting configuration.
type vardiffConfig struct {
	TargetTime      float64 // seconds between shares the controller aims for
	RetargetTime    float64 // seconds between retarget evaluations
	VariancePercent float64 // allowed deviation from TargetTime before retargeting
	MinDiff         float64
	MaxDiff         float64 // 0 means unbounded
	X2Mode          bool    // halve/double instead of proportional scaling
}

// vardiffController retargets one session's difficulty toward cfg.TargetTime
// using a sliding window of inter-submit intervals, per spec.md §4.H.
type vardiffController struct {
	cfg vardiffConfig

	mu           sync.Mutex
	buffer       []float64
	bufSize      int
	lastTS       time.Time
	lastRetarget time.Time
}

func newVardiffController(cfg vardiffConfig) *vardiffController {
	size := int(cfg.RetargetTime/cfg.TargetTime*4 + 0.5)
	if size < 4 {
		size = 4
	}
	return &vardiffController{
		cfg:     cfg,
		bufSize: size,
	}
}

// submit records a share arrival and returns a new difficulty when a
// retarget is warranted, or (0, false) otherwise.
func (v *vardiffController) submit(now time.Time, currentDiff float64) (newDiff float64, retarget bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastTS.IsZero() {
		v.lastTS = now
		v.lastRetarget = now
		return 0, false
	}

	interval := now.Sub(v.lastTS).Seconds()
	v.lastTS = now
	v.buffer = append(v.buffer, interval)
	if len(v.buffer) > v.bufSize {
		v.buffer = v.buffer[len(v.buffer)-v.bufSize:]
	}

	if now.Sub(v.lastRetarget).Seconds() < v.cfg.RetargetTime && len(v.buffer) > 0 {
		return 0, false
	}
	if len(v.buffer) == 0 {
		return 0, false
	}

	var sum float64
	for _, s := range v.buffer {
		sum += s
	}
	avg := sum / float64(len(v.buffer))
	v.lastRetarget = now
	v.buffer = v.buffer[:0]

	tMin := v.cfg.TargetTime * (1 - v.cfg.VariancePercent/100)
	tMax := v.cfg.TargetTime * (1 + v.cfg.VariancePercent/100)

	switch {
	case avg > tMax && currentDiff > v.cfg.MinDiff:
		next := v.scaleDown(avg, currentDiff)
		if next < v.cfg.MinDiff {
			next = v.cfg.MinDiff
		}
		if next == currentDiff {
			return 0, false
		}
		return next, true
	case avg < tMin && (v.cfg.MaxDiff == 0 || currentDiff < v.cfg.MaxDiff):
		next := v.scaleUp(avg, currentDiff)
		if v.cfg.MaxDiff > 0 && next > v.cfg.MaxDiff {
			next = v.cfg.MaxDiff
		}
		if next == currentDiff {
			return 0, false
		}
		return next, true
	default:
		return 0, false
	}
}

func (v *vardiffController) scaleDown(avg, currentDiff float64) float64 {
	if v.cfg.X2Mode {
		return currentDiff / 2
	}
	ddiff := v.cfg.TargetTime / avg
	return currentDiff * ddiff
}

func (v *vardiffController) scaleUp(avg, currentDiff float64) float64 {
	if v.cfg.X2Mode {
		return currentDiff * 2
	}
	ddiff := v.cfg.TargetTime / avg
	return currentDiff * ddiff
}
