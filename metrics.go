package main

import (
	"strings"
	"sync"
	"time"
)

// PoolMetrics accumulates in-memory counters for shares, vardiff moves,
// block submissions, and daemon RPC latency. Nothing here is persisted to
// disk: per spec.md §6 a restart discards all in-memory pool state.
type PoolMetrics struct {
	mu               sync.RWMutex
	accepted         uint64
	rejected         uint64
	rejectReasons    map[string]uint64
	vardiffUp        uint64
	vardiffDown      uint64
	blockSubAccepted uint64
	blockSubErrored  uint64
	rpcErrorCount    uint64
	shareErrorCount  uint64

	rpcGBTLast     float64
	rpcGBTMax      float64
	rpcGBTCount    uint64
	rpcSubmitLast  float64
	rpcSubmitMax   float64
	rpcSubmitCount uint64
}

func NewPoolMetrics() *PoolMetrics {
	return &PoolMetrics{rejectReasons: make(map[string]uint64)}
}

func (m *PoolMetrics) RecordShare(accepted bool, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if accepted {
		m.accepted++
		m.mu.Unlock()
		return
	}
	m.rejected++
	if reason == "" {
		reason = "unspecified"
	}
	m.rejectReasons[sanitizeLabel(reason, "unspecified")]++
	m.shareErrorCount++
	m.mu.Unlock()
}

func (m *PoolMetrics) RecordRPCError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rpcErrorCount++
	m.mu.Unlock()
}

func (m *PoolMetrics) ObserveRPCLatency(method string, longPoll bool, dur time.Duration) {
	if m == nil {
		return
	}
	seconds := dur.Seconds()
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "getblocktemplate":
		if longPoll {
			return
		}
		m.rpcGBTLast = seconds
		if seconds > m.rpcGBTMax {
			m.rpcGBTMax = seconds
		}
		m.rpcGBTCount++
	case "submitblock":
		m.rpcSubmitLast = seconds
		if seconds > m.rpcSubmitMax {
			m.rpcSubmitMax = seconds
		}
		m.rpcSubmitCount++
	}
}

func (m *PoolMetrics) RecordVardiffMove(direction string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	switch sanitizeLabel(direction, "unknown") {
	case "up":
		m.vardiffUp++
	case "down":
		m.vardiffDown++
	}
	m.mu.Unlock()
}

func (m *PoolMetrics) RecordBlockSubmission(result string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	switch sanitizeLabel(result, "unknown") {
	case "accepted":
		m.blockSubAccepted++
	case "error":
		m.blockSubErrored++
	}
	m.mu.Unlock()
}

// Snapshot returns accepted/rejected share counts and the rejection reason
// histogram.
func (m *PoolMetrics) Snapshot() (uint64, uint64, map[string]uint64) {
	if m == nil {
		return 0, 0, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	reasons := make(map[string]uint64, len(m.rejectReasons))
	for k, v := range m.rejectReasons {
		reasons[k] = v
	}
	return m.accepted, m.rejected, reasons
}

// SnapshotDiagnostics returns vardiff adjustment counts, block submission
// results, RPC latency summaries for getblocktemplate and submitblock, and
// aggregate error counts.
func (m *PoolMetrics) SnapshotDiagnostics() (vardiffUp, vardiffDown, blocksAccepted, blocksErrored uint64, gbtLast, gbtMax float64, gbtCount uint64, submitLast, submitMax float64, submitCount uint64, rpcErrors, shareErrors uint64) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vardiffUp, m.vardiffDown, m.blockSubAccepted, m.blockSubErrored,
		m.rpcGBTLast, m.rpcGBTMax, m.rpcGBTCount,
		m.rpcSubmitLast, m.rpcSubmitMax, m.rpcSubmitCount,
		m.rpcErrorCount, m.shareErrorCount
}

func sanitizeLabel(val, fallback string) string {
	if val == "" {
		return fallback
	}
	val = strings.ToLower(val)
	val = strings.ReplaceAll(val, " ", "_")
	return val
}
