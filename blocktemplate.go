package main

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// defaultVersionMask is the pool-allowed BIP 310 version-rolling mask unless
// a job overrides it.
const defaultVersionMask uint32 = 0x3FFFE000

// diff1 is the classic Bitcoin diff-1 target, 0x00000000FFFF0000...0.
var diff1 = mustUint256Hex("00000000FFFF0000000000000000000000000000000000000000000000000000")

func mustUint256Hex(s string) *Uint256 {
	u, err := newUint256FromHexString(s)
	if err != nil {
		panic(err)
	}
	return u
}

// daemonTransaction is one entry of a block template's transaction list.
type daemonTransaction struct {
	Data []byte
	Txid string
}

// daemonPayee is a masternode/superblock payee as declared by the daemon.
type daemonPayee struct {
	Script []byte
	Amount int64
}

// blockTemplateSource is the daemon-supplied template described in spec.md
// §3. Field names mirror getblocktemplate's JSON-RPC result.
type blockTemplateSource struct {
	Height              int64
	Version             uint32
	PreviousBlockHash   string // big-endian hex, 64 chars
	Bits                uint32
	Target              string // optional explicit target hex, overrides Bits
	CurTime             int64
	CoinbaseValue       int64
	Transactions        []daemonTransaction
	MasternodePayees    []daemonPayee
	WitnessCommitment   []byte // decoded default_witness_commitment script, nil if absent
	CoinbaseAuxFlags    []byte
	RewardType          string // "POW" or "POS"
}

// job is one mining job: an immutable snapshot of a daemon template plus the
// derived merkle/coinbase/header material needed to serve mining.notify and
// validate submissions against it.
type job struct {
	id string

	template blockTemplateSource

	target     *Uint256
	difficulty float64

	prevHashReversed []byte // 32 bytes, Stratum legacy word-swapped

	merkle *MerkleTree

	coinb1 []byte
	coinb2 []byte

	rawTxBytes []byte // concatenated tx.Data in template order

	versionMask uint32

	mu          sync.Mutex
	submissions map[[4]string]struct{}
}

// buildJob constructs a job from a daemon template and coinbase configuration.
// jobID must already be formatted as lowercase hex per the job manager's
// rolling counter.
func buildJob(jobID string, tpl blockTemplateSource, coinCfg coinbaseParams, versionMask uint32) (*job, error) {
	if len(tpl.PreviousBlockHash) != 64 {
		return nil, fmt.Errorf("blocktemplate: previousblockhash must be 64 hex chars, got %d", len(tpl.PreviousBlockHash))
	}

	var target *Uint256
	if tpl.Target != "" {
		t, err := newUint256FromHexString(tpl.Target)
		if err != nil {
			return nil, fmt.Errorf("blocktemplate: invalid target: %w", err)
		}
		target = t
	} else {
		target = bitsToTarget(tpl.Bits)
	}
	if target.IsZero() {
		return nil, fmt.Errorf("blocktemplate: target decodes to zero")
	}

	difficulty := diff1.Float64() / target.Float64()

	var prevRaw [32]byte
	if err := decodeHexToFixedBytes(prevRaw[:], tpl.PreviousBlockHash); err != nil {
		return nil, fmt.Errorf("blocktemplate: decode previousblockhash: %w", err)
	}
	prevHashReversed := reverseU32Words(prevRaw[:])

	coinCfg.Height = tpl.Height
	coinCfg.CoinbaseValue = tpl.CoinbaseValue
	coinCfg.CurTime = tpl.CurTime
	coinCfg.CoinbaseAuxFlags = tpl.CoinbaseAuxFlags
	coinCfg.WitnessCommit = tpl.WitnessCommitment
	coinCfg.MasternodePayees = make([]coinbasePayee, 0, len(tpl.MasternodePayees))
	for _, payee := range tpl.MasternodePayees {
		coinCfg.MasternodePayees = append(coinCfg.MasternodePayees, coinbasePayee(payee))
	}
	coinCfg.RewardType = tpl.RewardType

	coinb1, coinb2, err := buildCoinbaseParts(coinCfg)
	if err != nil {
		return nil, fmt.Errorf("blocktemplate: build coinbase: %w", err)
	}

	txHashes := make([][32]byte, 0, len(tpl.Transactions)+1)
	txHashes = append(txHashes, [32]byte{}) // coinbase placeholder, index 0
	var rawTxBytes []byte
	for _, tx := range tpl.Transactions {
		var h [32]byte
		if err := decodeHexToFixedBytesAllowShort(h[:], tx.Txid); err != nil {
			return nil, fmt.Errorf("blocktemplate: decode txid %q: %w", tx.Txid, err)
		}
		txHashes = append(txHashes, h)
		rawTxBytes = append(rawTxBytes, tx.Data...)
	}

	if versionMask == 0 {
		versionMask = defaultVersionMask
	}

	return &job{
		id:               jobID,
		template:         tpl,
		target:           target,
		difficulty:       difficulty,
		prevHashReversed: prevHashReversed,
		merkle:           buildMerkleBranches(txHashes),
		coinb1:           coinb1,
		coinb2:           coinb2,
		rawTxBytes:       rawTxBytes,
		versionMask:      versionMask,
		submissions:      make(map[[4]string]struct{}),
	}, nil
}

// serializeCoinbase returns the full coinbase transaction for the given
// extranonce pair.
func (j *job) serializeCoinbase(extranonce1, extranonce2 []byte) []byte {
	out := make([]byte, 0, len(j.coinb1)+len(extranonce1)+len(extranonce2)+len(j.coinb2))
	out = append(out, j.coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, j.coinb2...)
	return out
}

// serializeHeader lays out the canonical 80-byte block header.
func (j *job) serializeHeader(merkleRootHex, nTimeHex, nonceHex string, version uint32) ([]byte, error) {
	var merkleRoot, prevHash [32]byte
	if err := decodeHexToFixedBytes(merkleRoot[:], merkleRootHex); err != nil {
		return nil, fmt.Errorf("serialize_header: merkle_root: %w", err)
	}
	copy(prevHash[:], j.prevHashReversed)

	var nTimeBE, nonceBE [4]byte
	if err := decodeHexToFixedBytes(nTimeBE[:], nTimeHex); err != nil {
		return nil, fmt.Errorf("serialize_header: n_time: %w", err)
	}
	if err := decodeHexToFixedBytes(nonceBE[:], nonceHex); err != nil {
		return nil, fmt.Errorf("serialize_header: nonce: %w", err)
	}

	header := make([]byte, 0, 80)
	header = appendUint32LE(header, version)
	header = append(header, prevHash[:]...)
	header = append(header, merkleRoot[:]...)
	header = append(header, reverseBytes(nTimeBE[:])...)
	header = appendUint32LE(header, j.template.Bits)
	header = append(header, reverseBytes(nonceBE[:])...)

	if len(header) != 80 {
		return nil, fmt.Errorf("serialize_header: internal error, got %d bytes", len(header))
	}
	return header, nil
}

// serializeBlock concatenates a header and coinbase with the job's cached
// raw transaction bytes into a submittable block.
func (j *job) serializeBlock(header, coinbase []byte) []byte {
	out := make([]byte, 0, len(header)+9+len(coinbase)+len(j.rawTxBytes))
	out = append(out, header...)
	out = append(out, varInt(uint64(len(j.template.Transactions)+1))...)
	out = append(out, coinbase...)
	out = append(out, j.rawTxBytes...)
	return out
}

// registerSubmit records a (en1, en2, nTime, nonce) 4-tuple and reports
// whether it is new. Not safe to call concurrently with itself for the same
// job from multiple goroutines without the job's own lock, which this method
// takes internally.
func (j *job) registerSubmit(en1, en2, nTime, nonce string) bool {
	key := [4]string{en1, en2, nTime, nonce}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, seen := j.submissions[key]; seen {
		return false
	}
	j.submissions[key] = struct{}{}
	return true
}

// jobParams returns the immutable 9-tuple sent verbatim as mining.notify
// params. cleanJobs is supplied by the caller (job manager), since it
// depends on whether this job replaced the current block or merely refreshed
// it.
func (j *job) jobParams(cleanJobs bool) []interface{} {
	branches := j.merkle.Branches()
	branchHex := make([]string, len(branches))
	for i, b := range branches {
		branchHex[i] = hex.EncodeToString(b[:])
	}

	return []interface{}{
		j.id,
		hex.EncodeToString(j.prevHashReversed),
		hex.EncodeToString(j.coinb1),
		hex.EncodeToString(j.coinb2),
		branchHex,
		uint32ToBEHex(j.template.Version),
		uint32ToBEHex(j.template.Bits),
		uint32ToBEHex(uint32(j.template.CurTime)),
		cleanJobs,
	}
}
