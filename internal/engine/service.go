package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pet-arena/internal/db"
	"pet-arena/internal/ledger"
	"pet-arena/internal/model"
)

// PublishFunc pushes a WS message to everyone watching an address.
type PublishFunc func(address, msgType string, data any)

// Gateway is the persistence the service runs against: address-locked
// transactions for writes, committed reads for status.
type Gateway interface {
	WithAddressLock(ctx context.Context, addrs []string, fn func(tx *db.Tx) error) error
	GetAccount(ctx context.Context, addr string) (*model.Account, error)
	GetLoadout(ctx context.Context, addr string) (*model.Loadout, error)
}

// Settings is the resolved tuning a Service runs with.
type Settings struct {
	Battle    model.BattleConfig
	Drop      model.DropConfig
	CareCosts map[model.CareAction]int64
	Catalog   *Catalog
}

// pairWindow is the look-back for the anti-farm pair counter.
const pairWindow = time.Hour

// ── Service ──────────────────────────────────────────

// Service settles battles and care actions: it loads participant state under
// the address locks, runs the pure decision code and writes the outcome.
type Service struct {
	gw       Gateway
	settings Settings
	rng      RandomProvider
	publish  PublishFunc
}

func NewService(gw Gateway, settings Settings, rng RandomProvider, pub PublishFunc) *Service {
	if rng == nil {
		rng = CryptoRNG()
	}
	if pub == nil {
		pub = func(string, string, any) {}
	}
	return &Service{gw: gw, settings: settings, rng: rng, publish: pub}
}

func (s *Service) Catalog() *Catalog { return s.settings.Catalog }

type BattleOutcome struct {
	Battle          model.BattleRecord `json:"battle"`
	AttackerBalance int64              `json:"attacker_balance"`
	DefenderBalance int64              `json:"defender_balance"`
}

func participant(acc *model.Account, lo *model.Loadout) model.ParticipantState {
	return model.ParticipantState{
		Address:      acc.Address,
		IsAlive:      acc.IsAlive,
		Points:       acc.Balance,
		BoosterLevel: acc.BoosterLevel,
		Status:       acc.Status,
		Loadout:      *lo,
	}
}

// ── Battle ───────────────────────────────────────────

// Battle settles one fight under the two players' locks. Ledger deltas of a
// battle always sum to zero: the loser's debit equals the winner's gain plus
// the house cut.
func (s *Service) Battle(ctx context.Context, attacker, defender string) (*BattleOutcome, error) {
	var err error
	if attacker, err = playerAddress(attacker); err != nil {
		return nil, err
	}
	if defender, err = playerAddress(defender); err != nil {
		return nil, err
	}

	var out BattleOutcome
	err = s.gw.WithAddressLock(ctx, []string{attacker, defender}, func(tx *db.Tx) error {
		now := tx.Now().UTC()
		nowMs := now.UnixMilli()

		accA, err := tx.Account(ctx, attacker)
		if err != nil {
			return err
		}
		accD, err := tx.Account(ctx, defender)
		if err != nil {
			return err
		}
		loA, err := tx.Loadout(ctx, attacker)
		if err != nil {
			return err
		}
		loD, err := tx.Loadout(ctx, defender)
		if err != nil {
			return err
		}
		pairCount, pairLast, err := tx.PairStats(ctx, attacker, defender, now.Add(-pairWindow).UnixMilli())
		if err != nil {
			return err
		}

		cfg := s.settings.Battle
		cfg.NowMs = nowMs
		cfg.PairBattlesLastHour = pairCount
		cfg.PairLastBattleAt = pairLast
		if accD.LastLossAt != nil {
			cfg.DefenderLastLossAt = accD.LastLossAt.UnixMilli()
		}
		var cooldownEnds *time.Time
		if cfg.CooldownMs > 0 {
			t := now.Add(time.Duration(cfg.CooldownMs) * time.Millisecond)
			cooldownEnds = &t
			cfg.CooldownEndsAtIso = t.Format(time.RFC3339)
		}

		bc := model.BattleContext{Attacker: participant(accA, loA), Defender: participant(accD, loD), Config: cfg}
		if err := CheckEligibility(bc); err != nil {
			return err
		}
		res, err := Resolve(bc, s.rng)
		if err != nil {
			return err
		}

		battleID := uuid.NewString()
		winner, loser := accA, accD
		if res.Winner == model.SideDefender {
			winner, loser = accD, accA
		}
		meta := map[string]any{"battle_id": battleID}
		moves := []struct {
			fn     func(context.Context, ledger.Writer, ledger.Request) (ledger.Result, error)
			addr   string
			amount int64
			reason model.LedgerReason
		}{
			{ledger.Debit, loser.Address, res.Transfer.Transfer, model.ReasonBattleLoss},
			{ledger.Credit, winner.Address, res.Transfer.WinnerGain, model.ReasonBattleWin},
		}
		out.AttackerBalance, out.DefenderBalance = accA.Balance, accD.Balance
		for _, m := range moves {
			if m.amount <= 0 {
				continue
			}
			r, err := m.fn(ctx, tx, ledger.Request{Address: m.addr, AmountRp: float64(m.amount), Reason: m.reason, Metadata: meta})
			if err != nil {
				return fmt.Errorf("battle %s %s: %w", battleID, m.reason, err)
			}
			switch m.addr {
			case attacker:
				out.AttackerBalance = r.BalanceAfter
			case defender:
				out.DefenderBalance = r.BalanceAfter
			}
		}
		if res.Transfer.House > 0 {
			if _, err := ledger.CreditHouse(ctx, tx, res.Transfer.House, meta); err != nil {
				return fmt.Errorf("battle %s %s: %w", battleID, model.ReasonHouseCut, err)
			}
		}

		if len(res.Loot) > 0 {
			ApplyLoot(loA, loD, res.Loot)
			if err := tx.SaveLoadout(ctx, loA); err != nil {
				return err
			}
			if err := tx.SaveLoadout(ctx, loD); err != nil {
				return err
			}
		}

		if cooldownEnds != nil {
			accA.Status.CooldownEndsAt = cooldownEnds
		}
		loser.LastLossAt = &now
		if err := tx.UpdateAccountStatus(ctx, accA); err != nil {
			return err
		}
		if err := tx.UpdateAccountStatus(ctx, accD); err != nil {
			return err
		}

		out.Battle = model.BattleRecord{
			ID:        battleID,
			Attacker:  attacker,
			Defender:  defender,
			Winner:    res.Winner,
			Result:    res,
			CreatedAt: now,
		}
		return tx.InsertBattle(ctx, &out.Battle)
	})
	if err != nil {
		return nil, err
	}

	b := out.Battle
	log.Printf("[engine] battle %s: %s vs %s -> %s transfer=%d house=%d crit=%v",
		b.ID, b.Attacker, b.Defender, b.Winner, b.Result.Transfer.Transfer, b.Result.Transfer.House, b.Result.Critical)
	s.publish(attacker, "battle", out)
	s.publish(defender, "battle", out)
	s.publish(attacker, "balance", map[string]any{"address": attacker, "balance": out.AttackerBalance})
	s.publish(defender, "balance", map[string]any{"address": defender, "balance": out.DefenderBalance})
	return &out, nil
}

// ── Care ─────────────────────────────────────────────

// PerformCare charges the action's cost, rolls a care drop against the
// address's accumulator and persists the new loadout together with the
// attempt row.
func (s *Service) PerformCare(ctx context.Context, address string, action model.CareAction) (*model.DropAttempt, error) {
	var err error
	if address, err = playerAddress(address); err != nil {
		return nil, err
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown care action %q", model.ErrNotEligible, action)
	}
	cost := s.settings.CareCosts[action]

	var att model.DropAttempt
	var balance int64
	err = s.gw.WithAddressLock(ctx, []string{address}, func(tx *db.Tx) error {
		acc, err := tx.Account(ctx, address)
		if err != nil {
			return err
		}
		if !acc.IsAlive {
			return fmt.Errorf("%w: pet is not alive", model.ErrNotEligible)
		}
		balance = acc.Balance
		if cost > 0 {
			r, err := ledger.Debit(ctx, tx, ledger.Request{
				Address: address, AmountRp: float64(cost), Reason: model.ReasonCareCost,
				Metadata: map[string]any{"action": action},
			})
			if err != nil {
				return err
			}
			balance = r.BalanceAfter
		}

		lo, err := tx.Loadout(ctx, address)
		if err != nil {
			return err
		}
		att, err = DecideCareDrop(DropInput{Address: address, ActionKind: action, Loadout: *lo}, s.settings.Catalog, s.settings.Drop, s.rng.Unit())
		if err != nil {
			return err
		}
		att.ID = uuid.NewString()
		att.CostRp = cost
		att.CreatedAt = tx.Now().UTC()

		if att.Awarded {
			lo.SetSlot(*att.Slot, att.Item)
		}
		lo.Accumulator = att.AccAfter
		if err := tx.SaveLoadout(ctx, lo); err != nil {
			return err
		}
		return tx.InsertDropAttempt(ctx, &att)
	})
	if err != nil {
		return nil, err
	}

	if att.Awarded {
		log.Printf("[engine] care %s %s: awarded %s (eff=%.3f roll=%.3f)", address, action, att.Item.ID, att.EffProbability, att.Roll)
	} else if att.FallbackType != nil {
		log.Printf("[engine] care %s %s: %s, accumulator forced to %.3f", address, action, *att.FallbackType, att.AccAfter)
	}
	s.publish(address, "drop", att)
	if cost > 0 {
		s.publish(address, "balance", map[string]any{"address": address, "balance": balance})
	}
	return &att, nil
}

// ── Reads & admin ────────────────────────────────────

// Status returns the HUD snapshot. Untouched addresses read as a fresh,
// alive, empty-handed pet.
func (s *Service) Status(ctx context.Context, address string) (*model.StatusSnapshot, error) {
	address, err := model.CanonicalAddress(address)
	if err != nil {
		return nil, err
	}
	acc, err := s.gw.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &model.Account{Address: address, IsAlive: true, Status: model.Status{State: "idle"}}
	}
	lo, err := s.gw.GetLoadout(ctx, address)
	if err != nil {
		return nil, err
	}
	if lo == nil {
		lo = &model.Loadout{Address: address}
	}
	return &model.StatusSnapshot{Account: *acc, Loadout: *lo}, nil
}

// SetBooster activates a booster level for d from now. Level 0 clears it.
func (s *Service) SetBooster(ctx context.Context, address string, level int, d time.Duration) (*model.Account, error) {
	address, err := playerAddress(address)
	if err != nil {
		return nil, err
	}
	if level < 0 || d < 0 {
		return nil, fmt.Errorf("%w: booster level and duration must be >= 0", model.ErrInvalidAmount)
	}
	var acc *model.Account
	err = s.gw.WithAddressLock(ctx, []string{address}, func(tx *db.Tx) error {
		var err error
		if acc, err = tx.Account(ctx, address); err != nil {
			return err
		}
		acc.BoosterLevel = level
		acc.Status.BoostersActiveUntil = nil
		if level > 0 && d > 0 {
			until := tx.Now().UTC().Add(d)
			acc.Status.BoostersActiveUntil = &until
		}
		return tx.UpdateAccountStatus(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[engine] booster %s level=%d for %s", address, level, d)
	return acc, nil
}

// SetAlive marks a pet alive or fainted.
func (s *Service) SetAlive(ctx context.Context, address string, alive bool) (*model.Account, error) {
	address, err := playerAddress(address)
	if err != nil {
		return nil, err
	}
	var acc *model.Account
	err = s.gw.WithAddressLock(ctx, []string{address}, func(tx *db.Tx) error {
		var err error
		if acc, err = tx.Account(ctx, address); err != nil {
			return err
		}
		acc.IsAlive = alive
		return tx.UpdateAccountStatus(ctx, acc)
	})
	return acc, err
}

// playerAddress canonicalises a player address. The house account cannot
// play.
func playerAddress(raw string) (string, error) {
	a, err := model.CanonicalAddress(raw)
	if err != nil {
		return "", err
	}
	if a == model.HouseAddress {
		return "", fmt.Errorf("%w: house account cannot play", model.ErrNotEligible)
	}
	return a, nil
}
