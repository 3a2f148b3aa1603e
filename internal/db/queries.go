package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"pet-arena/internal/model"
)

// Read paths outside any address lock. They see committed state only.

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.DB.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.DB.QueryRowContext(ctx, s.rebind(q), args...)
}

// ── Accounts ─────────────────────────────────────────

// GetAccount returns nil, nil for an address that was never touched.
func (s *Store) GetAccount(ctx context.Context, addr string) (*model.Account, error) {
	a, err := scanAccount(s.queryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE address=?`, addr))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, s.deriveHouse(ctx, a)
}

// deriveHouse fills in the house balance, which is never cached on its row.
func (s *Store) deriveHouse(ctx context.Context, a *model.Account) error {
	if a.Address != model.HouseAddress {
		return nil
	}
	sum, err := s.SumLedger(ctx, a.Address)
	if err != nil {
		return err
	}
	a.Balance = sum
	return nil
}

// ListAccounts returns every account row in address order.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.query(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for i := range out {
		if err := s.deriveHouse(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) GetLoadout(ctx context.Context, addr string) (*model.Loadout, error) {
	l, err := scanLoadout(s.queryRow(ctx, `SELECT `+loadoutCols+` FROM loadouts WHERE address=?`, addr))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ── Ledger ───────────────────────────────────────────

// ListLedger returns an address's entries newest first.
func (s *Store) ListLedger(ctx context.Context, addr string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.query(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE address=? ORDER BY id DESC LIMIT ?`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SumLedger is the authoritative balance: the sum of every delta.
func (s *Store) SumLedger(ctx context.Context, addr string) (int64, error) {
	var sum int64
	err := s.queryRow(ctx, `SELECT COALESCE(SUM(delta),0) FROM ledger_entries WHERE address=?`, addr).Scan(&sum)
	return sum, err
}

// IterateLedger walks the whole ledger in id order.
func (s *Store) IterateLedger(ctx context.Context, fn func(model.LedgerEntry) error) error {
	rows, err := s.query(ctx, `SELECT `+ledgerCols+` FROM ledger_entries ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ── Battles ──────────────────────────────────────────

// ListBattles returns the most recent battles, optionally filtered to one
// participant.
func (s *Store) ListBattles(ctx context.Context, addr string, limit int) ([]model.BattleRecord, error) {
	q := `SELECT id, attacker, defender, winner, result_json, created_at FROM battles`
	args := []any{}
	if addr != "" {
		q += ` WHERE attacker=? OR defender=?`
		args = append(args, addr, addr)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BattleRecord
	for rows.Next() {
		var b model.BattleRecord
		var raw string
		var created int64
		if err := rows.Scan(&b.ID, &b.Attacker, &b.Defender, &b.Winner, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &b.Result); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// ── Drop attempts ────────────────────────────────────

func (s *Store) ListDropAttempts(ctx context.Context, addr string, limit int) ([]model.DropAttempt, error) {
	rows, err := s.query(ctx,
		`SELECT id, address, action_kind, base_probability, eff_probability, roll, awarded, acc_before,
		 acc_after, slot, item, rng_passed, fallback_type, cost_rp, created_at
		 FROM drop_attempts WHERE address=? ORDER BY created_at DESC, id LIMIT ?`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DropAttempt
	for rows.Next() {
		var d model.DropAttempt
		var slot, item, fallback sql.NullString
		var created int64
		if err := rows.Scan(&d.ID, &d.Address, &d.ActionKind, &d.BaseProbability, &d.EffProbability,
			&d.Roll, &d.Awarded, &d.AccBefore, &d.AccAfter, &slot, &item, &d.RNGPassed, &fallback,
			&d.CostRp, &created); err != nil {
			return nil, err
		}
		if slot.Valid {
			st := model.ItemType(slot.String)
			d.Slot = &st
		}
		if fallback.Valid {
			ft := model.FallbackType(fallback.String)
			d.FallbackType = &ft
		}
		if d.Item, err = parseItem(item); err != nil {
			return nil, err
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
