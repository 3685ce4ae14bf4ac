package main

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Stratum share error codes, per the share-validation pipeline.
const (
	errIncorrectSize     = 20
	errJobNotFound       = 21
	errDuplicateShare    = 22
	errLowDifficulty     = 23
	errNotAuthorized     = 24
	errNotSubscribed     = 25
)

const ntimeFutureTolerance = 7200 * time.Second

// shareRecord is emitted for every processed share, valid or not, for
// accounting/logging collaborators to consume.
type shareRecord struct {
	Job         string
	Remote      string
	Port        int
	Worker      string
	Height      int64
	BlockReward int64
	Difficulty  float64
	ShareDiff   float64
	BlockDiff   float64
	BlockHash   string // non-empty iff this share is a block candidate
	BlockHex    string
	Error       *stratumError
}

// shareInput bundles everything process_share needs from the session and
// the wire submission.
type shareInput struct {
	JobID           string
	PrevDiff        float64
	Diff            float64
	Extranonce1     string
	Extranonce2Hex  string
	NTimeHex        string
	NonceHex        string
	RemoteAddr      string
	Port            int
	Worker          string
	VersionHex      string // optional, "" if not submitted
	NegotiatedMask  uint32 // 0 if version-rolling not negotiated
	ASICBoost       bool
}

// jobManager owns job lifecycle: template ingestion, job-ID/extranonce
// allocation, and the share-validation pipeline. One instance per pool port
// group sharing a single coin daemon.
type jobManager struct {
	mu         sync.RWMutex
	currentJob *job
	jobs       map[string]*job

	jobCounter uint16

	extranonceMu      sync.Mutex
	extranonceCounter uint32

	extranonce1Size int
	extranonce2Size int

	coinCfg     coinbaseParams
	versionMask uint32
}

// newJobManager creates a job manager seeded with a random (or caller
// supplied) instance ID so extranonce1 ranges stay disjoint across pool
// instances sharing the same coin.
func newJobManager(instanceID uint32, coinCfg coinbaseParams, versionMask uint32) *jobManager {
	if versionMask == 0 {
		versionMask = defaultVersionMask
	}
	return &jobManager{
		jobs:              make(map[string]*job),
		extranonceCounter: instanceID << 27,
		extranonce1Size:   4,
		extranonce2Size:   4,
		coinCfg:           coinCfg,
		versionMask:       versionMask,
	}
}

// nextJobID returns the next job ID as a 16-bit rolling counter rendered in
// lowercase hex; it wraps to 1 on overflow and is never 0.
func (m *jobManager) nextJobID() string {
	m.jobCounter++
	if m.jobCounter == 0 {
		m.jobCounter = 1
	}
	return fmt.Sprintf("%04x", m.jobCounter)
}

// nextExtranonce1 allocates the next 4-byte extranonce1 value from the
// process-wide counter.
func (m *jobManager) nextExtranonce1() []byte {
	m.extranonceMu.Lock()
	v := m.extranonceCounter
	m.extranonceCounter++
	m.extranonceMu.Unlock()
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	return buf[:]
}

// processTemplate decides whether tpl describes a new block (current job
// absent, or previousblockhash changed) versus a refresh of the same block.
// On a new block it allocates a job, clears the valid-jobs map, and installs
// the job as current. It returns the built job and whether it was a new
// block; callers (the pool orchestrator) are responsible for broadcasting.
func (m *jobManager) processTemplate(tpl blockTemplateSource) (j *job, isNewBlock bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	isNewBlock = m.currentJob == nil || tpl.PreviousBlockHash != m.currentJob.template.PreviousBlockHash
	if isNewBlock && m.currentJob != nil && tpl.Height < m.currentJob.template.Height {
		return nil, false, fmt.Errorf("jobmanager: outdated template at height %d, current is %d", tpl.Height, m.currentJob.template.Height)
	}
	if !isNewBlock {
		return m.currentJob, false, nil
	}

	id := m.nextJobID()
	built, err := buildJob(id, tpl, m.coinCfg, m.versionMask)
	if err != nil {
		return nil, false, err
	}

	m.jobs = map[string]*job{id: built}
	m.currentJob = built
	return built, true, nil
}

// updateCurrentJob builds a fresh job for the same block (e.g. a
// transaction-set refresh) without evicting older still-valid jobs, and
// installs it as current. The caller broadcasts it with clean_jobs=false.
func (m *jobManager) updateCurrentJob(tpl blockTemplateSource) (*job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextJobID()
	built, err := buildJob(id, tpl, m.coinCfg, m.versionMask)
	if err != nil {
		return nil, err
	}

	m.jobs[id] = built
	m.currentJob = built
	return built, nil
}

func (m *jobManager) lookupJob(id string) *job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// processShare runs the full share-validation pipeline described in
// spec.md §4.F and returns a shareRecord describing the outcome. A non-nil
// Error means the share was rejected; the record is still returned for
// logging.
func (m *jobManager) processShare(in shareInput) *shareRecord {
	rec := &shareRecord{
		Remote: in.RemoteAddr,
		Port:   in.Port,
		Worker: in.Worker,
		Job:    in.JobID,
	}

	fail := func(code int, format string, args ...interface{}) *shareRecord {
		rec.Error = newStratumError(code, format, args...)
		return rec
	}

	if len(in.Extranonce2Hex)/2 != m.extranonce2Size {
		return fail(errIncorrectSize, "incorrect size of extranonce2")
	}

	j := m.lookupJob(in.JobID)
	if j == nil {
		return fail(errJobNotFound, "job not found")
	}
	rec.Height = j.template.Height
	rec.BlockReward = j.template.CoinbaseValue
	rec.Difficulty = in.Diff
	rec.BlockDiff = j.difficulty

	if len(in.NTimeHex) != 8 {
		return fail(errIncorrectSize, "incorrect size of ntime")
	}
	nTime, err := parseUint32BEHex(in.NTimeHex)
	if err != nil {
		return fail(errIncorrectSize, "incorrect size of ntime")
	}
	now := time.Now()
	if int64(nTime) < j.template.CurTime || int64(nTime) > now.Add(ntimeFutureTolerance).Unix() {
		return fail(errIncorrectSize, "ntime out of range")
	}

	if len(in.NonceHex) != 8 {
		return fail(errIncorrectSize, "incorrect size of nonce")
	}

	version := j.template.Version
	if in.ASICBoost {
		parsed := j.template.Version
		if in.VersionHex != "" {
			v, err := parseUint32BEHex(in.VersionHex)
			if err != nil {
				return fail(errIncorrectSize, "invalid version")
			}
			parsed = v
		}
		if parsed == 0 {
			parsed = j.template.Version
		}
		if parsed < 4 {
			return fail(errIncorrectSize, "version too low")
		}
		if parsed != j.template.Version {
			rolled := parsed ^ j.template.Version
			allowedMask := in.NegotiatedMask
			if allowedMask == 0 {
				allowedMask = j.versionMask
			}
			if rolled&^allowedMask != 0 {
				return fail(errIncorrectSize, "version rolling outside allowed mask")
			}
		}
		version = parsed
	}

	if !j.registerSubmit(in.Extranonce1, in.Extranonce2Hex, in.NTimeHex, in.NonceHex) {
		return fail(errDuplicateShare, "duplicate share")
	}

	en1Bytes, err := hex.DecodeString(in.Extranonce1)
	if err != nil {
		return fail(errIncorrectSize, "invalid extranonce1")
	}
	en2Bytes, err := hex.DecodeString(in.Extranonce2Hex)
	if err != nil {
		return fail(errIncorrectSize, "invalid extranonce2")
	}

	coinbase := j.serializeCoinbase(en1Bytes, en2Bytes)
	coinbaseHash := doubleSHA256(coinbase)
	merkleRootLE := j.merkle.CombineWithCoinbase(coinbaseHash)
	merkleRootHex := hex.EncodeToString(reverseBytes(merkleRootLE[:]))

	header, err := j.serializeHeader(merkleRootHex, in.NTimeHex, in.NonceHex, version)
	if err != nil {
		return fail(errIncorrectSize, "header build failed: %v", err)
	}
	headerHash := doubleSHA256(header)
	H := newUint256FromBytesLE(headerHash[:])

	shareDiff := computeShareDiff(H)
	rec.ShareDiff = shareDiff

	if j.target.Cmp(H) >= 0 {
		blockCoinCfg := m.coinCfg
		blockCoinCfg.WorkerLabel = in.Worker
		blockJob, rebuildErr := buildJob(j.id, j.template, blockCoinCfg, j.versionMask)
		if rebuildErr == nil {
			blockCoinbase := blockJob.serializeCoinbase(en1Bytes, en2Bytes)
			blockCoinbaseHash := doubleSHA256(blockCoinbase)
			blockMerkleLE := blockJob.merkle.CombineWithCoinbase(blockCoinbaseHash)
			blockMerkleHex := hex.EncodeToString(reverseBytes(blockMerkleLE[:]))
			blockHeader, hdrErr := blockJob.serializeHeader(blockMerkleHex, in.NTimeHex, in.NonceHex, version)
			if hdrErr == nil {
				blockHash := doubleSHA256(blockHeader)
				rec.BlockHash = hex.EncodeToString(reverseBytes(blockHash[:]))
				rec.BlockHex = hex.EncodeToString(blockJob.serializeBlock(blockHeader, blockCoinbase))
			}
		}
		return rec
	}

	ratio := shareDiff / in.Diff
	if ratio < 0.99 {
		if in.PrevDiff > 0 && in.PrevDiff >= shareDiff {
			rec.Difficulty = in.PrevDiff
			return rec
		}
		return fail(errLowDifficulty, "low difficulty share of %.8f", shareDiff)
	}

	return rec
}

// computeShareDiff evaluates diff1 / H in 256-bit arithmetic, scaling by
// 10^18 before the division to retain precision, then recovering a float64.
func computeShareDiff(H *Uint256) float64 {
	if H.IsZero() {
		return 0
	}
	scale := newUint256FromUint64(1000000000000000000)
	scaled := diff1.Mul(scale)
	quotient := scaled.Div(H)
	return quotient.Float64() / 1e18
}
