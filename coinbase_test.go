package main

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func assembleCoinbase(coinb1, extranonce1, extranonce2, coinb2 []byte) []byte {
	out := make([]byte, 0, len(coinb1)+len(extranonce1)+len(extranonce2)+len(coinb2))
	out = append(out, coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, coinb2...)
	return out
}

func TestBuildCoinbasePartsSingleRecipient(t *testing.T) {
	p := coinbaseParams{
		Height:           800000,
		CoinbaseValue:    625000000,
		CoinbaseAuxFlags: nil,
		PoolScript:       []byte{opDup, opHash160, opPush20, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, opEqualVerify, opCheckSig},
		RewardType:       "POW",
		Signature:        []byte("/goPool/"),
		WorkerLabel:      "alice.worker1",
	}

	coinb1, coinb2, err := buildCoinbaseParts(p)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}

	extranonce1 := []byte{0xde, 0xad, 0xbe, 0xef}
	extranonce2 := []byte{0x00, 0x00, 0x00, 0x00}
	tx := assembleCoinbase(coinb1, extranonce1, extranonce2, coinb2)

	if binary.LittleEndian.Uint32(tx[0:4]) != 1 {
		t.Fatalf("expected tx version 1 for POW, got %d", binary.LittleEndian.Uint32(tx[0:4]))
	}
	if tx[4] != 1 {
		t.Fatalf("expected single input count byte, got %d", tx[4])
	}
	if !bytes.Equal(tx[5:37], make([]byte, 32)) {
		t.Fatalf("expected null prevout hash")
	}
	if binary.LittleEndian.Uint32(tx[37:41]) != coinbasePrevoutIndex {
		t.Fatalf("expected 0xFFFFFFFF prevout index")
	}

	if !bytes.Contains(tx, []byte("alice.worker1")) {
		t.Fatalf("expected worker label embedded in scriptSig")
	}

	if !bytes.HasSuffix(tx, make([]byte, 4)) {
		t.Fatalf("expected zero lock_time trailing the transaction")
	}
}

func TestBuildCoinbasePartsFeeSplitAndWitness(t *testing.T) {
	poolScript := bytes.Repeat([]byte{0xAA}, 25)
	feeScript := bytes.Repeat([]byte{0xBB}, 25)
	witness := append([]byte{0x6a, 0x24}, bytes.Repeat([]byte{0xCC}, 36)...)

	p := coinbaseParams{
		Height:        500,
		CoinbaseValue: 1000000,
		PoolScript:    poolScript,
		FeeRecipients: []coinbaseRecipient{{Script: feeScript, Percent: 2}},
		WitnessCommit: witness,
		RewardType:    "POW",
		Signature:     []byte("/goPool/"),
	}

	coinb1, coinb2, err := buildCoinbaseParts(p)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}
	tx := assembleCoinbase(coinb1, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, coinb2)

	if !bytes.Contains(tx, feeScript) {
		t.Fatalf("expected fee recipient script present in coinbase outputs")
	}
	if !bytes.Contains(tx, witness) {
		t.Fatalf("expected witness commitment script present as trailing output")
	}
	if !bytes.Contains(tx, poolScript) {
		t.Fatalf("expected pool script present")
	}
}

func TestBuildCoinbaseOutputsRejectsOverAllocation(t *testing.T) {
	p := coinbaseParams{
		CoinbaseValue: 100,
		PoolScript:    []byte{1},
		FeeRecipients: []coinbaseRecipient{{Script: []byte{2}, Percent: 150}},
	}
	if _, err := buildCoinbaseOutputs(p); err == nil {
		t.Fatalf("expected error when fee recipients exceed coinbase value")
	}
}

func TestBuildCoinbaseSignatureClampsLength(t *testing.T) {
	longLabel := make([]byte, 200)
	for i := range longLabel {
		longLabel[i] = 'x'
	}
	sig := buildCoinbaseSignature([]byte("/goPool/"), string(longLabel))
	if len(sig) > coinbaseSignatureMaxBytes {
		t.Fatalf("expected signature clamped to %d bytes, got %d", coinbaseSignatureMaxBytes, len(sig))
	}
}

func TestBuildCoinbasePartsPOSPrependsCurtime(t *testing.T) {
	p := coinbaseParams{
		Height:        10,
		CoinbaseValue: 500,
		CurTime:       1700000000,
		PoolScript:    []byte{1, 2, 3},
		RewardType:    "POS",
		Signature:     []byte("/goPool/"),
	}
	coinb1, _, err := buildCoinbaseParts(p)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}
	if binary.LittleEndian.Uint32(coinb1[0:4]) != 2 {
		t.Fatalf("expected tx version 2 for POS")
	}
	if binary.LittleEndian.Uint32(coinb1[4:8]) != uint32(p.CurTime) {
		t.Fatalf("expected curtime prepended after version for POS")
	}
}
