// Package ledger moves reward points. Every balance change is an appended
// ledger entry written under the owning address's row lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"pet-arena/internal/db"
	"pet-arena/internal/model"
)

// Epsilon absorbs float noise in caller-supplied amounts during the
// sufficiency check.
const Epsilon = 1e-9

var ErrSwapMismatch = errors.New("swap id already used for a different entry")

// Writer is the slice of a locked transaction the ledger needs.
type Writer interface {
	Account(ctx context.Context, addr string) (*model.Account, error)
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	LedgerEntryBySwapID(ctx context.Context, swapID string) (*model.LedgerEntry, error)
}

// Gateway opens address-locked transactions.
type Gateway interface {
	WithAddressLock(ctx context.Context, addrs []string, fn func(tx *db.Tx) error) error
}

type Request struct {
	Address  string
	AmountRp float64
	Reason   model.LedgerReason
	SwapID   *string
	Metadata map[string]any
}

type Result struct {
	BalanceBefore int64              `json:"balance_before"`
	BalanceAfter  int64              `json:"balance_after"`
	Entry         *model.LedgerEntry `json:"entry"`
	Replayed      bool               `json:"replayed"`
}

// Round converts an RP amount to whole points. Non-finite, non-positive and
// sub-resolution amounts are rejected.
func Round(amountRp float64) (int64, error) {
	if math.IsNaN(amountRp) || math.IsInf(amountRp, 0) {
		return 0, fmt.Errorf("%w: %v", model.ErrInvalidAmount, amountRp)
	}
	if amountRp <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive, got %v", model.ErrInvalidAmount, amountRp)
	}
	if amountRp > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: amount too large", model.ErrInvalidAmount)
	}
	n := int64(math.Round(amountRp))
	if n <= 0 {
		return 0, fmt.Errorf("%w: %v rounds to zero", model.ErrInvalidAmount, amountRp)
	}
	return n, nil
}

func validate(req Request) (int64, error) {
	if req.Address == "" {
		return 0, fmt.Errorf("%w: empty address", model.ErrInvalidAddress)
	}
	if req.Address == model.HouseAddress {
		return 0, fmt.Errorf("%w: house balance only moves through battle settlement", model.ErrInvalidAddress)
	}
	if !req.Reason.Valid() {
		return 0, fmt.Errorf("%w: unknown reason %q", model.ErrInvalidAmount, req.Reason)
	}
	if req.SwapID != nil && *req.SwapID == "" {
		return 0, fmt.Errorf("%w: empty swap id", model.ErrInvalidAmount)
	}
	return Round(req.AmountRp)
}

// Debit removes points inside an already-locked transaction.
func Debit(ctx context.Context, tx Writer, req Request) (Result, error) {
	amount, err := validate(req)
	if err != nil {
		return Result{}, err
	}
	return apply(ctx, tx, req, -amount)
}

// Credit adds points inside an already-locked transaction.
func Credit(ctx context.Context, tx Writer, req Request) (Result, error) {
	amount, err := validate(req)
	if err != nil {
		return Result{}, err
	}
	return apply(ctx, tx, req, amount)
}

func apply(ctx context.Context, tx Writer, req Request, delta int64) (Result, error) {
	acc, err := tx.Account(ctx, req.Address)
	if err != nil {
		return Result{}, err
	}

	if req.SwapID != nil {
		prev, err := tx.LedgerEntryBySwapID(ctx, *req.SwapID)
		if err != nil {
			return Result{}, err
		}
		if prev != nil {
			if prev.Address != req.Address || prev.Delta != delta || prev.Reason != req.Reason {
				return Result{}, fmt.Errorf("%w: %s", ErrSwapMismatch, *req.SwapID)
			}
			return Result{BalanceBefore: acc.Balance, BalanceAfter: acc.Balance, Entry: prev, Replayed: true}, nil
		}
	}

	if delta < 0 && float64(acc.Balance)+Epsilon < float64(-delta) {
		return Result{}, fmt.Errorf("%w: balance %d, need %d", model.ErrInsufficientFunds, acc.Balance, -delta)
	}

	e := &model.LedgerEntry{
		Address:  req.Address,
		Delta:    delta,
		Reason:   req.Reason,
		SwapID:   req.SwapID,
		Metadata: req.Metadata,
	}
	if err := tx.AppendLedgerEntry(ctx, e); err != nil {
		return Result{}, err
	}
	return Result{BalanceBefore: acc.Balance, BalanceAfter: acc.Balance + delta, Entry: e}, nil
}

// HouseWriter appends house entries without holding the house row lock.
type HouseWriter interface {
	AppendHouseEntry(ctx context.Context, e *model.LedgerEntry) error
}

// CreditHouse books a house cut inside the settling transaction. The house
// row is never locked, so settlements between unrelated players do not
// queue behind each other.
func CreditHouse(ctx context.Context, tx HouseWriter, amount int64, metadata map[string]any) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: house cut must be positive, got %d", model.ErrInvalidAmount, amount)
	}
	e := &model.LedgerEntry{
		Address:  model.HouseAddress,
		Delta:    amount,
		Reason:   model.ReasonHouseCut,
		Metadata: metadata,
	}
	if err := tx.AppendHouseEntry(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ── Standalone operations ────────────────────────────

type Ledger struct {
	gw Gateway
}

func New(gw Gateway) *Ledger { return &Ledger{gw: gw} }

// Debit runs a single debit in its own locked transaction. Amount checks
// happen before any I/O.
func (l *Ledger) Debit(ctx context.Context, req Request) (Result, error) {
	if _, err := validate(req); err != nil {
		return Result{}, err
	}
	var res Result
	err := l.gw.WithAddressLock(ctx, []string{req.Address}, func(tx *db.Tx) error {
		var err error
		res, err = Debit(ctx, tx, req)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	logResult("debit", req, res)
	return res, nil
}

func (l *Ledger) Credit(ctx context.Context, req Request) (Result, error) {
	if _, err := validate(req); err != nil {
		return Result{}, err
	}
	var res Result
	err := l.gw.WithAddressLock(ctx, []string{req.Address}, func(tx *db.Tx) error {
		var err error
		res, err = Credit(ctx, tx, req)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	logResult("credit", req, res)
	return res, nil
}

// DebitOnce applies a debit tied to an external swap id at most once. A
// retried call returns the original entry with Replayed set.
func (l *Ledger) DebitOnce(ctx context.Context, swapID string, req Request) (Result, error) {
	req.SwapID = &swapID
	return l.Debit(ctx, req)
}

func (l *Ledger) CreditOnce(ctx context.Context, swapID string, req Request) (Result, error) {
	req.SwapID = &swapID
	return l.Credit(ctx, req)
}

func logResult(op string, req Request, res Result) {
	if res.Replayed {
		log.Printf("[ledger] %s replayed swap=%s addr=%s", op, *req.SwapID, req.Address)
		return
	}
	log.Printf("[ledger] %s addr=%s reason=%s %d -> %d", op, req.Address, req.Reason, res.BalanceBefore, res.BalanceAfter)
}
