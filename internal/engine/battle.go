package engine

import (
	"fmt"
	"math"
	"time"

	"pet-arena/internal/model"
)

// Effect kinds attached to a BattleResult.
const (
	EffectBooster     = "booster"
	EffectTieBreak    = "tie_break"
	EffectCritical    = "critical"
	EffectSurcharge   = "anti_farm_surcharge"
	EffectMinTransfer = "min_transfer"
	EffectLoot        = "loot"
)

// ValidateBattleConfig checks the static ranges Resolve relies on.
func ValidateBattleConfig(c model.BattleConfig) error {
	bad := func(field string, v any) error {
		return fmt.Errorf("%w: battle %s out of range: %v", model.ErrConfiguration, field, v)
	}
	if !unitInterval(c.LuckVariance) {
		return bad("luck_variance", c.LuckVariance)
	}
	if !unitInterval(c.CriticalChance) {
		return bad("critical_chance", c.CriticalChance)
	}
	if math.IsNaN(c.TieBand) || c.TieBand < 0 {
		return bad("tie_band", c.TieBand)
	}
	for _, f := range []struct {
		name string
		bps  int64
	}{
		{"transfer_bps", c.TransferBps},
		{"house_cut_bps", c.HouseCutBps},
		{"pair_surcharge_bps", c.PairSurchargeBps},
	} {
		if f.bps < 0 || f.bps > 10000 {
			return bad(f.name, f.bps)
		}
	}
	if c.MinTransfer < 0 {
		return bad("min_transfer", c.MinTransfer)
	}
	if c.PairFreqLimit < 0 {
		return bad("pair_freq_limit", c.PairFreqLimit)
	}
	if c.BoosterBonusPerLevel < 0 {
		return bad("booster_bonus_per_level", c.BoosterBonusPerLevel)
	}
	return nil
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// CheckEligibility applies the pre-battle rules. It does not roll.
func CheckEligibility(bc model.BattleContext) error {
	a, d, c := bc.Attacker, bc.Defender, bc.Config
	switch {
	case a.Address == d.Address:
		return fmt.Errorf("%w: cannot battle yourself", model.ErrNotEligible)
	case !a.IsAlive:
		return fmt.Errorf("%w: attacker is not alive", model.ErrNotEligible)
	case !d.IsAlive:
		return fmt.Errorf("%w: defender is not alive", model.ErrNotEligible)
	case a.Status.CooldownEndsAt != nil && a.Status.CooldownEndsAt.UnixMilli() > c.NowMs:
		return fmt.Errorf("%w: attacker cooling down until %s", model.ErrNotEligible, a.Status.CooldownEndsAt.UTC().Format(time.RFC3339))
	case c.PairCooldownMs > 0 && c.PairLastBattleAt > 0 && c.PairLastBattleAt+c.PairCooldownMs > c.NowMs:
		return fmt.Errorf("%w: pair cooldown active", model.ErrNotEligible)
	case c.DefenderGraceMs > 0 && c.DefenderLastLossAt > 0 && c.DefenderLastLossAt+c.DefenderGraceMs > c.NowMs:
		return fmt.Errorf("%w: defender is in grace period", model.ErrNotEligible)
	}
	return nil
}

// BoosterBonus is the flat power a participant gets while boosters are active.
func BoosterBonus(p model.ParticipantState, perLevel int, nowMs int64) int {
	if p.BoosterLevel <= 0 || perLevel <= 0 {
		return 0
	}
	until := p.Status.BoostersActiveUntil
	if until == nil || until.UnixMilli() <= nowMs {
		return 0
	}
	return p.BoosterLevel * perLevel
}

// Resolve turns two participant snapshots into a battle outcome. It is a pure
// function of its inputs and the rolls drawn from rng, which are consumed in a
// fixed order: attacker luck, defender luck, tie-break (only inside the tie
// band), critical.
func Resolve(bc model.BattleContext, rng RandomProvider) (model.BattleResult, error) {
	cfg := bc.Config
	if err := ValidateBattleConfig(cfg); err != nil {
		return model.BattleResult{}, err
	}
	if rng == nil {
		rng = CryptoRNG()
	}
	res := model.BattleResult{Loot: []model.LootEntry{}, Effects: []model.Effect{}}
	roll := func() float64 {
		v := rng.Unit()
		res.Rolls = append(res.Rolls, v)
		return v
	}

	// 1) base power
	attBase, defBase := 0, 0
	if w := bc.Attacker.Loadout.Weapon; w != nil {
		attBase = w.OP
	}
	if s := bc.Defender.Loadout.Shield; s != nil {
		defBase = s.DP
	}
	if b := BoosterBonus(bc.Attacker, cfg.BoosterBonusPerLevel, cfg.NowMs); b > 0 {
		attBase += b
		res.Effects = append(res.Effects, model.Effect{Kind: EffectBooster, Detail: map[string]any{"side": model.SideAttacker, "bonus": b}})
	}
	if b := BoosterBonus(bc.Defender, cfg.BoosterBonusPerLevel, cfg.NowMs); b > 0 {
		defBase += b
		res.Effects = append(res.Effects, model.Effect{Kind: EffectBooster, Detail: map[string]any{"side": model.SideDefender, "bonus": b}})
	}

	// 2) luck jitter
	attEff := float64(attBase) * (1 + cfg.LuckVariance*(roll()*2-1))
	defEff := float64(defBase) * (1 + cfg.LuckVariance*(roll()*2-1))
	res.AttackerPower, res.DefenderPower = attEff, defEff

	// 3) winner
	attackerWins := attEff > defEff
	if math.Abs(attEff-defEff) <= cfg.TieBand {
		share := 0.5
		if total := attEff + defEff; total > 0 {
			share = attEff / total
		}
		attackerWins = roll() < share
		res.Effects = append(res.Effects, model.Effect{Kind: EffectTieBreak, Detail: map[string]any{"attacker_share": share}})
	}
	res.Winner = model.SideDefender
	if attackerWins {
		res.Winner = model.SideAttacker
	}

	// 4) critical
	res.Critical = roll() < cfg.CriticalChance
	if res.Critical && attackerWins {
		res.Effects = append(res.Effects, model.Effect{Kind: EffectCritical})
	}

	// 5) transfer
	houseBps := cfg.HouseCutBps
	// pair_freq_limit 0 leaves the surcharge off
	if cfg.PairFreqLimit > 0 && cfg.PairBattlesLastHour >= cfg.PairFreqLimit {
		houseBps += cfg.PairSurchargeBps
		res.Effects = append(res.Effects, model.Effect{Kind: EffectSurcharge, Detail: map[string]any{
			"battles_last_hour": cfg.PairBattlesLastHour, "surcharge_bps": cfg.PairSurchargeBps,
		}})
	}
	if houseBps > 10000 {
		houseBps = 10000
	}
	res.HouseCutBps = houseBps

	loserPoints := bc.Defender.Points
	if !attackerWins {
		loserPoints = bc.Attacker.Points
	}
	if loserPoints < 0 {
		loserPoints = 0
	}
	res.Transfer = model.CalcTransfer(loserPoints, cfg.TransferBps, cfg.MinTransfer, houseBps)
	if cfg.MinTransfer > 0 && model.BpsOf(loserPoints, cfg.TransferBps) < res.Transfer.Transfer {
		res.Effects = append(res.Effects, model.Effect{Kind: EffectMinTransfer, Detail: map[string]any{"min_transfer": cfg.MinTransfer}})
	}
	if attackerWins {
		res.AttackerPointsAfter = bc.Attacker.Points + res.Transfer.WinnerGain
		res.DefenderPointsAfter = bc.Defender.Points - res.Transfer.Transfer
	} else {
		res.AttackerPointsAfter = bc.Attacker.Points - res.Transfer.Transfer
		res.DefenderPointsAfter = bc.Defender.Points + res.Transfer.WinnerGain
	}

	// 6) loot
	if attackerWins {
		if s := bc.Defender.Loadout.Shield; s != nil {
			res.Loot = append(res.Loot, model.LootEntry{Slot: model.ItemShield, ItemID: s.ID, Equipped: bc.Attacker.Loadout.Shield == nil})
		}
		if w := bc.Defender.Loadout.Weapon; w != nil && res.Critical {
			res.Loot = append(res.Loot, model.LootEntry{Slot: model.ItemWeapon, ItemID: w.ID, Equipped: bc.Attacker.Loadout.Weapon == nil})
		}
		for _, l := range res.Loot {
			res.Effects = append(res.Effects, model.Effect{Kind: EffectLoot, Detail: l})
		}
	}

	res.CooldownEndsAt = cfg.CooldownEndsAtIso
	return res, nil
}

// ApplyLoot moves looted items from the defender's loadout onto the
// attacker's, replacing whatever the attacker held in that slot.
func ApplyLoot(attacker, defender *model.Loadout, loot []model.LootEntry) {
	for _, l := range loot {
		it := defender.Slot(l.Slot)
		if it == nil || it.ID != l.ItemID {
			continue
		}
		attacker.SetSlot(l.Slot, it)
		defender.SetSlot(l.Slot, nil)
	}
}
