package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParsePeerMagicAcceptsWithAndWithoutPrefix(t *testing.T) {
	for _, s := range []string{"0xd9b4bef9", "d9b4bef9"} {
		v, err := parsePeerMagic(s)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", s, err)
		}
		if v != 0xd9b4bef9 {
			t.Fatalf("unexpected magic for %q: %x", s, v)
		}
	}
}

func TestHexDecodeOrEmptyHandlesEmptyString(t *testing.T) {
	b, err := hexDecodeOrEmpty("")
	if err != nil || b != nil {
		t.Fatalf("expected nil, nil for empty string, got %v, %v", b, err)
	}
}

func TestHexDecodeOrEmptyDecodesBytes(t *testing.T) {
	b, err := hexDecodeOrEmpty("deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if len(b) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(b))
	}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d: expected %x, got %x", i, want[i], b[i])
		}
	}
}

func TestBuildRecipientListRejectsOverAllocation(t *testing.T) {
	p := &Pool{cfg: &Config{
		Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		RewardRecipients: map[string]float64{
			"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa": 60,
			"1BoatSLRHtKNngkdXEeobR76b53LETtpyT": 45,
		},
	}}
	if _, err := p.buildRecipientList(); err == nil {
		t.Fatalf("expected error when recipients sum to >= 100%%")
	}
}

func TestBuildRecipientListSkipsInvalidAddress(t *testing.T) {
	p := &Pool{cfg: &Config{
		Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		RewardRecipients: map[string]float64{
			"not-a-real-address": 5,
		},
	}}
	recipients, err := p.buildRecipientList()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("expected invalid address to be skipped, got %d recipients", len(recipients))
	}
}

func TestProbeSubmitblockAvailableDetectsMethodNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -32601, Message: "Method not found"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := &Pool{rpc: newRPCClient(srv.URL, "", "", time.Second, NewPoolMetrics())}
	if p.probeSubmitblockAvailable(context.Background()) {
		t.Fatalf("expected submitblock to be reported unavailable on -32601")
	}
}

// TestBlockCandidateShareReachesSubmitBlock drives a share whose header hash
// beats the job's target end to end: jobManager.processShare sets
// BlockHash/BlockHex, and the onBlockFound wiring a real Stratum session
// would invoke (session.go's handleSubmit) hands that record to
// Pool.SubmitBlock, which must call the daemon's submitblock method.
func TestBlockCandidateShareReachesSubmitBlock(t *testing.T) {
	var submitblockCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method == "submitblock" {
			atomic.AddInt32(&submitblockCalls, 1)
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{ID: req.ID, Result: json.RawMessage("null")})
	}))
	defer srv.Close()

	jm := newJobManager(1, coinbaseParams{
		PoolScript: append([]byte{opDup, opHash160, opPush20}, append(make([]byte, 20), opEqualVerify, opCheckSig)...),
		Signature:  []byte("/goPool/"),
	}, 0)
	tpl := blockTemplateSource{
		Height:            700000,
		Version:           0x20000000,
		PreviousBlockHash: strings.Repeat("11", 32),
		Target:            strings.Repeat("f", 64),
		CurTime:           time.Now().Add(-time.Hour).Unix(),
		CoinbaseValue:     500000000,
		RewardType:        "POW",
	}
	j, _, err := jm.processTemplate(tpl)
	if err != nil {
		t.Fatalf("processTemplate: %v", err)
	}
	rec := jm.processShare(shareInput{
		JobID:          j.id,
		Extranonce1:    "00000001",
		Extranonce2Hex: "00000000",
		NTimeHex:       uint32ToBEHex(uint32(j.template.CurTime)),
		NonceHex:       "00000000",
		Diff:           0.000001,
	})
	if rec.BlockHash == "" {
		t.Fatalf("expected a block candidate share")
	}

	p := &Pool{
		rpc:     newRPCClient(srv.URL, "", "", time.Second, NewPoolMetrics()),
		jobs:    jm,
		metrics: NewPoolMetrics(),
	}
	if err := p.SubmitBlock(context.Background(), rec); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if atomic.LoadInt32(&submitblockCalls) != 1 {
		t.Fatalf("expected exactly one submitblock call, got %d", submitblockCalls)
	}
}

func TestProbeSubmitblockAvailableDetectsImplemented(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{ID: req.ID, Error: &rpcError{Code: -22, Message: "Block decode failed"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := &Pool{rpc: newRPCClient(srv.URL, "", "", time.Second, NewPoolMetrics())}
	if !p.probeSubmitblockAvailable(context.Background()) {
		t.Fatalf("expected submitblock to be reported available on a decode-rejection error")
	}
}
