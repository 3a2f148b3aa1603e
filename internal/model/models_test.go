package model

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestCalcTransfer(t *testing.T) {
	tests := []struct {
		name        string
		loser       int64
		transferBps int64
		minTransfer int64
		houseBps    int64
		want        Transfer
	}{
		{"ten percent with house", 1000, 1000, 0, 1000, Transfer{100, 10, 90}},
		{"surcharged house", 1000, 1000, 0, 6000, Transfer{100, 60, 40}},
		{"min transfer floor", 50, 1000, 20, 0, Transfer{20, 0, 20}},
		{"loser below min keeps bps", 10, 1000, 20, 0, Transfer{1, 0, 1}},
		{"floor division", 999, 333, 0, 1500, Transfer{33, 4, 29}},
		{"broke loser", 0, 1000, 20, 1000, Transfer{0, 0, 0}},
		{"full stake", 500, 10000, 0, 10000, Transfer{500, 500, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CalcTransfer(tc.loser, tc.transferBps, tc.minTransfer, tc.houseBps)
			if got != tc.want {
				t.Fatalf("CalcTransfer(%d, %d, %d, %d) = %+v, want %+v",
					tc.loser, tc.transferBps, tc.minTransfer, tc.houseBps, got, tc.want)
			}
		})
	}
}

func TestBpsOfLargeAmounts(t *testing.T) {
	tests := []struct {
		amount, bps, want int64
	}{
		{math.MaxInt64, 1000, 922337203685477580},
		{math.MaxInt64, 10000, math.MaxInt64},
		{math.MaxInt64, 1, 922337203685477},
		{math.MaxInt64 / 2, 5000, math.MaxInt64 / 4},
	}
	for _, tc := range tests {
		if got := BpsOf(tc.amount, tc.bps); got != tc.want {
			t.Fatalf("BpsOf(%d, %d) = %d, want %d", tc.amount, tc.bps, got, tc.want)
		}
	}
	for amount := int64(0); amount <= 30000; amount += 71 {
		for _, bps := range []int64{1, 333, 1000, 9999, 10000} {
			if got, want := BpsOf(amount, bps), amount*bps/10000; got != want {
				t.Fatalf("BpsOf(%d, %d) = %d, want %d", amount, bps, got, want)
			}
		}
	}

	tr := CalcTransfer(math.MaxInt64, 1000, 0, 1000)
	if tr.Transfer != 922337203685477580 || tr.House+tr.WinnerGain != tr.Transfer {
		t.Fatalf("expected a tenth of the stake to move, got %+v", tr)
	}
}

func TestCalcTransferConservesPoints(t *testing.T) {
	for loser := int64(0); loser <= 2000; loser += 37 {
		for _, bps := range []int64{0, 1, 250, 1000, 9999, 10000} {
			tr := CalcTransfer(loser, bps, 5, bps)
			if tr.House+tr.WinnerGain != tr.Transfer {
				t.Fatalf("loser=%d bps=%d: house %d + gain %d != transfer %d", loser, bps, tr.House, tr.WinnerGain, tr.Transfer)
			}
			if tr.Transfer > loser {
				t.Fatalf("loser=%d bps=%d: transfer %d exceeds stake", loser, bps, tr.Transfer)
			}
		}
	}
}

func TestCanonicalAddress(t *testing.T) {
	got, err := CanonicalAddress("  0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Fatalf("expected lowercase address, got %s", got)
	}

	for _, bad := range []string{"", "0x123", "5aaeb6053f3e94c9b9a09f33669435e7ef1beaed00", "0xzzaeb6053f3e94c9b9a09f33669435e7ef1beaed"} {
		if _, err := CanonicalAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", bad, err)
		}
	}

	if got, err := CanonicalAddress(HouseAddress); err != nil || got != HouseAddress {
		t.Fatalf("expected house address to pass through, got %q %v", got, err)
	}
}

func TestChecksumAddress(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, v := range vectors {
		if got := ChecksumAddress(strings.ToLower(v)); got != v {
			t.Fatalf("expected %s, got %s", v, got)
		}
		if !VerifyChecksum(v) {
			t.Fatalf("expected %s to verify", v)
		}
	}
	if VerifyChecksum("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Fatal("expected corrupted checksum to fail")
	}
}

func TestLoadoutSlots(t *testing.T) {
	var l Loadout
	w := &Item{ID: "w1", Type: ItemWeapon, OP: 5}
	l.SetSlot(ItemWeapon, w)
	if l.Slot(ItemWeapon) != w || l.Slot(ItemShield) != nil {
		t.Fatal("expected weapon slot set and shield slot empty")
	}
	if w.Power() != 5 {
		t.Fatalf("expected weapon power 5, got %d", w.Power())
	}
}
