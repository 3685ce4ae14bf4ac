package main

import (
	"encoding/hex"
	"strings"
	"testing"
)

func sampleTemplate() blockTemplateSource {
	return blockTemplateSource{
		Height:            800000,
		Version:           0x20000000,
		PreviousBlockHash: strings.Repeat("ab", 32),
		Bits:              0x1d00ffff,
		CurTime:           1700000000,
		CoinbaseValue:     625000000,
		RewardType:        "POW",
	}
}

func sampleCoinbaseCfg() coinbaseParams {
	return coinbaseParams{
		PoolScript: append([]byte{opDup, opHash160, opPush20}, append(make([]byte, 20), opEqualVerify, opCheckSig)...),
		Signature:  []byte("/goPool/"),
	}
}

func TestBuildJobBasics(t *testing.T) {
	j, err := buildJob("0001", sampleTemplate(), sampleCoinbaseCfg(), 0)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	if j.versionMask != defaultVersionMask {
		t.Fatalf("expected default version mask, got %#x", j.versionMask)
	}
	if j.target.IsZero() {
		t.Fatalf("expected non-zero target")
	}
	if j.difficulty <= 0 {
		t.Fatalf("expected positive difficulty, got %v", j.difficulty)
	}
	if len(j.prevHashReversed) != 32 {
		t.Fatalf("expected 32-byte prev hash, got %d", len(j.prevHashReversed))
	}
}

func TestSerializeHeaderLength(t *testing.T) {
	j, err := buildJob("0001", sampleTemplate(), sampleCoinbaseCfg(), 0)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	coinbase := j.serializeCoinbase([]byte{1, 2, 3, 4}, []byte{5, 6, 7, 8})
	coinbaseHash := doubleSHA256(coinbase)
	merkleRoot := reverseBytes(func() []byte { r := j.merkle.CombineWithCoinbase(coinbaseHash); return r[:] }())

	header, err := j.serializeHeader(hex.EncodeToString(merkleRoot), "64a7bb5f", "00000000", j.template.Version)
	if err != nil {
		t.Fatalf("serialize_header: %v", err)
	}
	if len(header) != 80 {
		t.Fatalf("expected 80-byte header, got %d", len(header))
	}
}

func TestRegisterSubmitDeduplicates(t *testing.T) {
	j, err := buildJob("0001", sampleTemplate(), sampleCoinbaseCfg(), 0)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	if !j.registerSubmit("aabbccdd", "00000000", "64a7bb5f", "00000000") {
		t.Fatalf("expected first submission to be accepted")
	}
	if j.registerSubmit("aabbccdd", "00000000", "64a7bb5f", "00000000") {
		t.Fatalf("expected duplicate submission to be rejected")
	}
}

func TestJobParamsShape(t *testing.T) {
	j, err := buildJob("0001", sampleTemplate(), sampleCoinbaseCfg(), 0)
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	params := j.jobParams(true)
	if len(params) != 9 {
		t.Fatalf("expected 9-tuple, got %d elements", len(params))
	}
	if params[0] != "0001" {
		t.Fatalf("expected job_id first, got %v", params[0])
	}
	if params[8] != true {
		t.Fatalf("expected clean_jobs true")
	}
}
