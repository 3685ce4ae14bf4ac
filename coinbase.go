package main

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	coinbaseExtranoncePlaceholderLen = 8
	coinbaseSignatureMaxBytes        = 100
	coinbaseSequence                 = 0xFFFFFFFF
	coinbasePrevoutIndex              = 0xFFFFFFFF

	// poolSoftwareName identifies this pool in coinbase signatures and the
	// RPC client's daemon-facing user agent.
	poolSoftwareName = "goPool"
)

// coinbaseRecipient is a fee recipient paid a percentage of coinbaseValue,
// in addition to the pool's own output which receives the remainder.
type coinbaseRecipient struct {
	Script  []byte
	Percent float64
}

// coinbasePayee is a fixed-amount output (masternode/superblock payees as
// declared by the daemon template), paid before percentage recipients.
type coinbasePayee struct {
	Script []byte
	Amount int64
}

// coinbaseParams collects everything buildCoinbaseParts needs to assemble a
// coinb1/coinb2 split per spec.md §4.D.
type coinbaseParams struct {
	Height           int64
	CoinbaseValue    int64
	CurTime          int64
	CoinbaseAuxFlags []byte
	WitnessCommit    []byte // full scriptPubKey bytes, already decoded; nil if absent

	MasternodePayees []coinbasePayee
	FeeRecipients     []coinbaseRecipient
	PoolScript        []byte

	RewardType  string // "POW" or "POS"
	TxMessages  bool
	Signature   []byte // pool tag, e.g. "/goPool/"
	WorkerLabel string
}

// buildCoinbaseParts produces coinb1 and coinb2 such that
// coinb1 || extranonce1 || extranonce2 || coinb2 is a valid coinbase
// transaction, per spec.md §4.D. The 8-byte extranonce placeholder
// (extranonce1_size + extranonce2_size) sits entirely between the two
// returned slices and is never itself part of either.
func buildCoinbaseParts(p coinbaseParams) (coinb1, coinb2 []byte, err error) {
	if p.CoinbaseValue < 0 {
		return nil, nil, fmt.Errorf("coinbase: negative coinbaseValue")
	}

	heightScript, err := serializeNumber(p.Height)
	if err != nil {
		return nil, nil, fmt.Errorf("coinbase: serialize height: %w", err)
	}

	sigBytes := buildCoinbaseSignature(p.Signature, p.WorkerLabel)

	scriptSigPrefix := make([]byte, 0, len(heightScript)+len(p.CoinbaseAuxFlags))
	scriptSigPrefix = append(scriptSigPrefix, heightScript...)
	scriptSigPrefix = append(scriptSigPrefix, p.CoinbaseAuxFlags...)

	scriptSigLen := len(scriptSigPrefix) + coinbaseExtranoncePlaceholderLen + len(sigBytes)

	version := uint32(1)
	if p.TxMessages || p.RewardType == "POS" {
		version = 2
	}

	var buf1 []byte
	buf1 = appendUint32LE(buf1, version)
	if p.RewardType == "POS" {
		buf1 = appendUint32LE(buf1, uint32(p.CurTime))
	}
	buf1 = append(buf1, varInt(1)...) // single input
	buf1 = append(buf1, make([]byte, 32)...) // null previous-output hash
	buf1 = appendUint32LE(buf1, coinbasePrevoutIndex)
	buf1 = append(buf1, varInt(uint64(scriptSigLen))...)
	buf1 = append(buf1, scriptSigPrefix...)
	coinb1 = buf1

	outputs, err := buildCoinbaseOutputs(p)
	if err != nil {
		return nil, nil, err
	}

	var buf2 []byte
	buf2 = append(buf2, sigBytes...)
	buf2 = appendUint32LE(buf2, coinbaseSequence)
	buf2 = append(buf2, varInt(uint64(len(outputs)))...)
	for _, o := range outputs {
		buf2 = appendOutput(buf2, o.amount, o.script)
	}
	buf2 = appendUint32LE(buf2, 0) // lock_time
	coinb2 = buf2

	return coinb1, coinb2, nil
}

type coinbaseOutput struct {
	amount int64
	script []byte
}

func buildCoinbaseOutputs(p coinbaseParams) ([]coinbaseOutput, error) {
	remaining := p.CoinbaseValue
	var outputs []coinbaseOutput

	for _, payee := range p.MasternodePayees {
		if payee.Amount <= 0 || len(payee.Script) == 0 {
			continue
		}
		outputs = append(outputs, coinbaseOutput{amount: payee.Amount, script: payee.Script})
		remaining -= payee.Amount
	}

	for _, r := range p.FeeRecipients {
		if r.Percent <= 0 || len(r.Script) == 0 {
			continue
		}
		amt := int64(float64(p.CoinbaseValue) * r.Percent / 100)
		if amt <= 0 {
			continue
		}
		outputs = append(outputs, coinbaseOutput{amount: amt, script: r.Script})
		remaining -= amt
	}

	if remaining < 0 {
		return nil, fmt.Errorf("coinbase: fee recipients and payees exceed coinbaseValue")
	}
	if len(p.PoolScript) == 0 {
		return nil, fmt.Errorf("coinbase: pool output script required")
	}
	outputs = append(outputs, coinbaseOutput{amount: remaining, script: p.PoolScript})

	if len(p.WitnessCommit) > 0 {
		outputs = append(outputs, coinbaseOutput{amount: 0, script: p.WitnessCommit})
	}

	return outputs, nil
}

// buildCoinbaseSignature wraps the pool tag and optional worker label into
// the scriptSig's trailing "signature" bytes, clamped so the whole scriptSig
// stays within a sane size. The wrapped form is "/tag/worker/" when a worker
// label is present, else just "/tag/".
func buildCoinbaseSignature(tag []byte, workerLabel string) []byte {
	msg := strings.TrimSpace(string(tag))
	if msg == "" {
		msg = "/" + poolSoftwareName + "/"
	}
	workerLabel = strings.TrimSpace(workerLabel)
	if workerLabel != "" {
		msg = strings.TrimSuffix(msg, "/") + "/" + workerLabel + "/"
	}
	if len(msg) > coinbaseSignatureMaxBytes {
		msg = msg[:coinbaseSignatureMaxBytes]
	}
	return []byte(msg)
}

func appendUint32LE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendOutput(dst []byte, amount int64, script []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(amount))
	dst = append(dst, buf[:]...)
	dst = append(dst, varString(script)...)
	return dst
}
