package main

import (
	"strings"
	"testing"
	"time"
)

func newTestManager() (*jobManager, *job) {
	m := newJobManager(1, coinbaseParams{
		PoolScript: append([]byte{opDup, opHash160, opPush20}, append(make([]byte, 20), opEqualVerify, opCheckSig)...),
		Signature:  []byte("/goPool/"),
	}, 0)
	tpl := blockTemplateSource{
		Height:            700000,
		Version:           0x20000000,
		PreviousBlockHash: strings.Repeat("11", 32),
		Bits:              0x1b0404cb,
		CurTime:           time.Now().Add(-time.Hour).Unix(),
		CoinbaseValue:     500000000,
		RewardType:        "POW",
	}
	j, isNew, err := m.processTemplate(tpl)
	if err != nil {
		panic(err)
	}
	if !isNew {
		panic("expected first template to be a new block")
	}
	return m, j
}

func TestProcessTemplateNewBlockVsRefresh(t *testing.T) {
	m, j := newTestManager()

	same := j.template
	_, isNew, err := m.processTemplate(same)
	if err != nil {
		t.Fatalf("processTemplate same hash: %v", err)
	}
	if isNew {
		t.Fatalf("expected same previousblockhash to not be a new block")
	}

	changed := same
	changed.PreviousBlockHash = strings.Repeat("22", 32)
	changed.Height = j.template.Height + 1
	_, isNew, err = m.processTemplate(changed)
	if err != nil {
		t.Fatalf("processTemplate changed hash: %v", err)
	}
	if !isNew {
		t.Fatalf("expected changed previousblockhash to be a new block")
	}
}

func TestProcessTemplateRejectsOutdated(t *testing.T) {
	m, j := newTestManager()
	outdated := j.template
	outdated.PreviousBlockHash = strings.Repeat("33", 32)
	outdated.Height = j.template.Height - 1
	if _, _, err := m.processTemplate(outdated); err == nil {
		t.Fatalf("expected error for outdated template")
	}
}

func TestUpdateCurrentJobKeepsOldJobsValid(t *testing.T) {
	m, j := newTestManager()
	oldID := j.id

	updated, err := m.updateCurrentJob(j.template)
	if err != nil {
		t.Fatalf("updateCurrentJob: %v", err)
	}
	if updated.id == oldID {
		t.Fatalf("expected a fresh job id on refresh")
	}
	if m.lookupJob(oldID) == nil {
		t.Fatalf("expected old job to remain valid after refresh")
	}
	if m.lookupJob(updated.id) == nil {
		t.Fatalf("expected new job to be registered")
	}
}

func TestProcessShareIncorrectExtranonce2Size(t *testing.T) {
	m, j := newTestManager()
	rec := m.processShare(shareInput{
		JobID:          j.id,
		Extranonce1:    "00000001",
		Extranonce2Hex: "0000", // 2 bytes, expected 4
		NTimeHex:       "64a7bb5f",
		NonceHex:       "00000000",
		Diff:           1,
	})
	if rec.Error == nil || rec.Error.Code != errIncorrectSize {
		t.Fatalf("expected errIncorrectSize, got %v", rec.Error)
	}
}

func TestProcessShareJobNotFound(t *testing.T) {
	m, _ := newTestManager()
	rec := m.processShare(shareInput{
		JobID:          "ffff",
		Extranonce1:    "00000001",
		Extranonce2Hex: "00000000",
		NTimeHex:       "64a7bb5f",
		NonceHex:       "00000000",
		Diff:           1,
	})
	if rec.Error == nil || rec.Error.Code != errJobNotFound {
		t.Fatalf("expected errJobNotFound, got %v", rec.Error)
	}
}

func TestProcessShareDuplicateRejected(t *testing.T) {
	m, j := newTestManager()
	in := shareInput{
		JobID:          j.id,
		Extranonce1:    "00000001",
		Extranonce2Hex: "00000000",
		NTimeHex:       uint32ToBEHex(uint32(j.template.CurTime)),
		NonceHex:       "00000000",
		Diff:           0.000001,
	}
	first := m.processShare(in)
	if first.Error != nil && first.Error.Code == errDuplicateShare {
		t.Fatalf("first submission should not be a duplicate")
	}
	second := m.processShare(in)
	if second.Error == nil || second.Error.Code != errDuplicateShare {
		t.Fatalf("expected errDuplicateShare on resubmission, got %v", second.Error)
	}
}

func TestProcessShareBlockCandidateSetsBlockFields(t *testing.T) {
	m := newJobManager(1, coinbaseParams{
		PoolScript: append([]byte{opDup, opHash160, opPush20}, append(make([]byte, 20), opEqualVerify, opCheckSig)...),
		Signature:  []byte("/goPool/"),
	}, 0)
	tpl := blockTemplateSource{
		Height:            700000,
		Version:           0x20000000,
		PreviousBlockHash: strings.Repeat("11", 32),
		Target:            strings.Repeat("f", 64), // maximum target: every header hash qualifies
		CurTime:           time.Now().Add(-time.Hour).Unix(),
		CoinbaseValue:     500000000,
		RewardType:        "POW",
	}
	j, _, err := m.processTemplate(tpl)
	if err != nil {
		t.Fatalf("processTemplate: %v", err)
	}

	rec := m.processShare(shareInput{
		JobID:          j.id,
		Extranonce1:    "00000001",
		Extranonce2Hex: "00000000",
		NTimeHex:       uint32ToBEHex(uint32(j.template.CurTime)),
		NonceHex:       "00000000",
		Diff:           0.000001,
	})
	if rec.Error != nil {
		t.Fatalf("unexpected error: %v", rec.Error)
	}
	if rec.BlockHash == "" {
		t.Fatalf("expected a block candidate to set BlockHash")
	}
	if rec.BlockHex == "" {
		t.Fatalf("expected a block candidate to set BlockHex")
	}
}

func TestProcessShareNTimeOutOfRange(t *testing.T) {
	m, j := newTestManager()
	rec := m.processShare(shareInput{
		JobID:          j.id,
		Extranonce1:    "00000001",
		Extranonce2Hex: "00000000",
		NTimeHex:       "00000001", // long before template.CurTime
		NonceHex:       "00000000",
		Diff:           1,
	})
	if rec.Error == nil || rec.Error.Code != errIncorrectSize {
		t.Fatalf("expected ntime range error, got %v", rec.Error)
	}
}
