package audit_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pet-arena/internal/audit"
	"pet-arena/internal/db/dbtest"
	"pet-arena/internal/ledger"
	"pet-arena/internal/model"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

func TestExportRoundTrip(t *testing.T) {
	s := dbtest.Open(t)
	ctx := context.Background()
	l := ledger.New(s)
	_, err := l.Credit(ctx, ledger.Request{Address: alice, AmountRp: 100, Reason: model.ReasonDeposit})
	require.NoError(t, err)
	_, err = l.Credit(ctx, ledger.Request{Address: bob, AmountRp: 20, Reason: model.ReasonDeposit})
	require.NoError(t, err)
	_, err = l.DebitOnce(ctx, "sw-9", ledger.Request{Address: alice, AmountRp: 30, Reason: model.ReasonRedeem})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := audit.ExportLedger(ctx, s, &buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var got []model.LedgerEntry
	require.NoError(t, audit.ReadLedger(&buf, func(e model.LedgerEntry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 3)
	require.Equal(t, int64(-30), got[2].Delta)
	require.Equal(t, "sw-9", *got[2].SwapID)
	require.Equal(t, bob, got[1].Address)
}

func TestReconcile(t *testing.T) {
	s := dbtest.Open(t)
	ctx := context.Background()
	_, err := ledger.New(s).Credit(ctx, ledger.Request{Address: alice, AmountRp: 5, Reason: model.ReasonDeposit})
	require.NoError(t, err)

	bad, err := audit.Reconcile(ctx, s)
	require.NoError(t, err)
	require.Empty(t, bad)

	// tamper with the cached balance behind the ledger's back
	_, err = s.DB.Exec(`UPDATE accounts SET balance = 9 WHERE address = ?`, alice)
	require.NoError(t, err)
	bad, err = audit.Reconcile(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []audit.Mismatch{{Address: alice, Balance: 9, LedgerSum: 5}}, bad)
}
