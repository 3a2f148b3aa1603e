// Package audit exports the ledger and checks it against cached balances.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"pet-arena/internal/model"
)

// Source is the read side of the store the exporter walks.
type Source interface {
	IterateLedger(ctx context.Context, fn func(model.LedgerEntry) error) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// ExportLedger writes every ledger entry, oldest first, as zstd-compressed
// JSON lines. It returns the number of entries written.
func ExportLedger(ctx context.Context, src Source, w io.Writer) (int, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriterSize(enc, 128*1024)
	je := json.NewEncoder(bw)

	n := 0
	err = src.IterateLedger(ctx, func(e model.LedgerEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		return je.Encode(e)
	})
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// ReadLedger decodes an export produced by ExportLedger.
func ReadLedger(r io.Reader, fn func(model.LedgerEntry) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()
	jd := json.NewDecoder(dec)
	for {
		var e model.LedgerEntry
		if err := jd.Decode(&e); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Mismatch is an account whose cached balance disagrees with its ledger.
type Mismatch struct {
	Address   string `json:"address"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}

// Reconcile sums the ledger per address and compares it with every
// account's cached balance. An empty result means the ledger is consistent.
func Reconcile(ctx context.Context, src Source) ([]Mismatch, error) {
	sums := map[string]int64{}
	if err := src.IterateLedger(ctx, func(e model.LedgerEntry) error {
		sums[e.Address] += e.Delta
		return nil
	}); err != nil {
		return nil, err
	}
	accounts, err := src.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	for _, a := range accounts {
		if sums[a.Address] != a.Balance {
			out = append(out, Mismatch{Address: a.Address, Balance: a.Balance, LedgerSum: sums[a.Address]})
		}
		delete(sums, a.Address)
	}
	for addr, sum := range sums {
		out = append(out, Mismatch{Address: addr, LedgerSum: sum})
	}
	return out, nil
}
