package main

import (
	"testing"
	"time"
)

func TestBanTableBanAndExpire(t *testing.T) {
	bt := newBanTable(10 * time.Second)
	now := time.Now()
	bt.Ban("1.2.3.4", now)
	if !bt.IsBanned("1.2.3.4", now) {
		t.Fatalf("expected address to be banned")
	}
	if bt.IsBanned("1.2.3.4", now.Add(11*time.Second)) {
		t.Fatalf("expected ban to have expired")
	}
}

func TestBanTablePurgeRemovesExpired(t *testing.T) {
	bt := newBanTable(5 * time.Second)
	now := time.Now()
	bt.Ban("a", now)
	bt.Ban("b", now)
	removed := bt.Purge(now.Add(6 * time.Second))
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if bt.Count() != 0 {
		t.Fatalf("expected table empty after purge, got %d entries", bt.Count())
	}
}

func TestBanTableUnbannedAddressNotBanned(t *testing.T) {
	bt := newBanTable(time.Minute)
	if bt.IsBanned("nope", time.Now()) {
		t.Fatalf("unexpected ban for untouched address")
	}
}
