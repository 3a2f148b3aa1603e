package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pet-arena/internal/model"
)

// Tx is a transaction opened by WithAddressLock. Every mutating method
// refuses addresses whose account row the transaction did not lock.
type Tx struct {
	tx     *sql.Tx
	s      *Store
	locked []string
}

func (t *Tx) Now() time.Time { return t.s.now() }

func (t *Tx) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.s.rebind(q), args...)
}

func (t *Tx) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.s.rebind(q), args...)
}

func (t *Tx) mustHold(addr string) error {
	for _, a := range t.locked {
		if a == addr {
			return nil
		}
	}
	return fmt.Errorf("address %s is not locked by this transaction", addr)
}

// lockAccount creates the account row on first touch and takes its row lock.
func (t *Tx) lockAccount(ctx context.Context, addr string) error {
	now := t.s.now().UnixMilli()
	if _, err := t.exec(ctx,
		`INSERT INTO accounts (address, updated_at) VALUES (?, ?) ON CONFLICT (address) DO NOTHING`,
		addr, now,
	); err != nil {
		return err
	}
	if _, err := t.exec(ctx,
		`INSERT INTO loadouts (address, updated_at) VALUES (?, ?) ON CONFLICT (address) DO NOTHING`,
		addr, now,
	); err != nil {
		return err
	}
	var got string
	return t.queryRow(ctx, `SELECT address FROM accounts WHERE address=?`+t.s.forUpdate(), addr).Scan(&got)
}

// ── Accounts ─────────────────────────────────────────

const accountCols = `address, balance, is_alive, booster_level, state, cooldown_ends_at, boosters_active_until, last_loss_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var cooldown, boosters, lastLoss sql.NullInt64
	var updated int64
	if err := r.Scan(&a.Address, &a.Balance, &a.IsAlive, &a.BoosterLevel, &a.Status.State,
		&cooldown, &boosters, &lastLoss, &updated); err != nil {
		return nil, err
	}
	a.Status.CooldownEndsAt = fromNullMs(cooldown)
	a.Status.BoostersActiveUntil = fromNullMs(boosters)
	a.LastLossAt = fromNullMs(lastLoss)
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return a, nil
}

func (t *Tx) Account(ctx context.Context, addr string) (*model.Account, error) {
	if err := t.mustHold(addr); err != nil {
		return nil, err
	}
	return scanAccount(t.queryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE address=?`, addr))
}

// UpdateAccountStatus writes the gameplay columns. Balance is only ever
// changed through AppendLedgerEntry.
func (t *Tx) UpdateAccountStatus(ctx context.Context, a *model.Account) error {
	if err := t.mustHold(a.Address); err != nil {
		return err
	}
	_, err := t.exec(ctx,
		`UPDATE accounts SET is_alive=?, booster_level=?, state=?, cooldown_ends_at=?,
		 boosters_active_until=?, last_loss_at=?, updated_at=? WHERE address=?`,
		a.IsAlive, a.BoosterLevel, a.Status.State, toNullMs(a.Status.CooldownEndsAt),
		toNullMs(a.Status.BoostersActiveUntil), toNullMs(a.LastLossAt), t.s.now().UnixMilli(), a.Address,
	)
	return err
}

// ── Ledger ───────────────────────────────────────────

// AppendLedgerEntry inserts the entry and moves the cached balance by the
// same delta. The balance CHECK constraint backs up the caller's sufficiency
// test.
func (t *Tx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if e.Address == model.HouseAddress {
		return t.AppendHouseEntry(ctx, e)
	}
	if err := t.mustHold(e.Address); err != nil {
		return err
	}
	if err := t.insertLedgerEntry(ctx, e); err != nil {
		return err
	}
	_, err := t.exec(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at=? WHERE address=?`,
		e.Delta, e.CreatedAt.UnixMilli(), e.Address,
	)
	return err
}

// AppendHouseEntry records a house credit without touching, or locking, the
// house account row. The house balance is the sum of its entries.
func (t *Tx) AppendHouseEntry(ctx context.Context, e *model.LedgerEntry) error {
	if e.Address != model.HouseAddress {
		return fmt.Errorf("house entry for %s", e.Address)
	}
	if e.Delta <= 0 {
		return fmt.Errorf("house entry delta must be positive, got %d", e.Delta)
	}
	return t.insertLedgerEntry(ctx, e)
}

func (t *Tx) insertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	e.CreatedAt = t.s.now().UTC()
	return t.queryRow(ctx,
		`INSERT INTO ledger_entries (address, delta, reason, swap_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		e.Address, e.Delta, e.Reason, e.SwapID, string(metaJSON), e.CreatedAt.UnixMilli(),
	).Scan(&e.ID)
}

const ledgerCols = `id, address, delta, reason, swap_id, metadata, created_at`

func scanLedgerEntry(r rowScanner) (*model.LedgerEntry, error) {
	e := &model.LedgerEntry{}
	var swap sql.NullString
	var meta string
	var created int64
	if err := r.Scan(&e.ID, &e.Address, &e.Delta, &e.Reason, &swap, &meta, &created); err != nil {
		return nil, err
	}
	if swap.Valid {
		e.SwapID = &swap.String
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("ledger entry %d metadata: %w", e.ID, err)
		}
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	return e, nil
}

// LedgerEntryBySwapID returns nil, nil when no entry carries the swap id.
func (t *Tx) LedgerEntryBySwapID(ctx context.Context, swapID string) (*model.LedgerEntry, error) {
	e, err := scanLedgerEntry(t.queryRow(ctx, `SELECT `+ledgerCols+` FROM ledger_entries WHERE swap_id=?`, swapID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ── Loadouts ─────────────────────────────────────────

func (t *Tx) Loadout(ctx context.Context, addr string) (*model.Loadout, error) {
	if err := t.mustHold(addr); err != nil {
		return nil, err
	}
	return scanLoadout(t.queryRow(ctx, `SELECT `+loadoutCols+` FROM loadouts WHERE address=?`, addr))
}

func (t *Tx) SaveLoadout(ctx context.Context, l *model.Loadout) error {
	if err := t.mustHold(l.Address); err != nil {
		return err
	}
	weapon, err := itemJSON(l.Weapon)
	if err != nil {
		return err
	}
	shield, err := itemJSON(l.Shield)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx,
		`UPDATE loadouts SET weapon=?, shield=?, accumulator=?, updated_at=? WHERE address=?`,
		weapon, shield, l.Accumulator, t.s.now().UnixMilli(), l.Address,
	)
	return err
}

const loadoutCols = `address, weapon, shield, accumulator`

func scanLoadout(r rowScanner) (*model.Loadout, error) {
	l := &model.Loadout{}
	var weapon, shield sql.NullString
	if err := r.Scan(&l.Address, &weapon, &shield, &l.Accumulator); err != nil {
		return nil, err
	}
	var err error
	if l.Weapon, err = parseItem(weapon); err != nil {
		return nil, err
	}
	if l.Shield, err = parseItem(shield); err != nil {
		return nil, err
	}
	return l, nil
}

func itemJSON(it *model.Item) (sql.NullString, error) {
	if it == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(it)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func parseItem(ns sql.NullString) (*model.Item, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	it := &model.Item{}
	if err := json.Unmarshal([]byte(ns.String), it); err != nil {
		return nil, fmt.Errorf("item column: %w", err)
	}
	return it, nil
}

// ── Battles ──────────────────────────────────────────

func (t *Tx) InsertBattle(ctx context.Context, b *model.BattleRecord) error {
	raw, err := json.Marshal(b.Result)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx,
		`INSERT INTO battles (id, attacker, defender, winner, result_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Attacker, b.Defender, b.Winner, string(raw), b.CreatedAt.UnixMilli(),
	)
	return err
}

// PairStats reports how often attacker fought defender (in either role)
// since sinceMs, and when they last fought at all (0 = never).
func (t *Tx) PairStats(ctx context.Context, a, b string, sinceMs int64) (count int, lastMs int64, err error) {
	var last sql.NullInt64
	err = t.queryRow(ctx,
		`SELECT COUNT(CASE WHEN created_at >= ? THEN 1 END), MAX(created_at) FROM battles
		 WHERE (attacker=? AND defender=?) OR (attacker=? AND defender=?)`,
		sinceMs, a, b, b, a,
	).Scan(&count, &last)
	if err != nil {
		return 0, 0, err
	}
	return count, last.Int64, nil
}

// ── Drop attempts ────────────────────────────────────

func (t *Tx) InsertDropAttempt(ctx context.Context, d *model.DropAttempt) error {
	item, err := itemJSON(d.Item)
	if err != nil {
		return err
	}
	var slot, fallback sql.NullString
	if d.Slot != nil {
		slot = sql.NullString{String: string(*d.Slot), Valid: true}
	}
	if d.FallbackType != nil {
		fallback = sql.NullString{String: string(*d.FallbackType), Valid: true}
	}
	_, err = t.exec(ctx,
		`INSERT INTO drop_attempts (id, address, action_kind, base_probability, eff_probability, roll, awarded,
		 acc_before, acc_after, slot, item, rng_passed, fallback_type, cost_rp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Address, d.ActionKind, d.BaseProbability, d.EffProbability, d.Roll, d.Awarded,
		d.AccBefore, d.AccAfter, slot, item, d.RNGPassed, fallback, d.CostRp, d.CreatedAt.UnixMilli(),
	)
	return err
}

// ── Time helpers ─────────────────────────────────────

func toNullMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
