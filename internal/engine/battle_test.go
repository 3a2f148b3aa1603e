package engine

import (
	"errors"
	"testing"
	"time"

	"pet-arena/internal/model"
)

func weapon(id string, op int) *model.Item {
	return &model.Item{ID: id, Slug: id, Type: model.ItemWeapon, Rarity: model.RarityCommon, OP: op}
}

func shield(id string, dp int) *model.Item {
	return &model.Item{ID: id, Slug: id, Type: model.ItemShield, Rarity: model.RarityCommon, DP: dp}
}

func pstate(addr string, points int64, w, s *model.Item) model.ParticipantState {
	return model.ParticipantState{
		Address: addr, IsAlive: true, Points: points,
		Loadout: model.Loadout{Address: addr, Weapon: w, Shield: s},
	}
}

func baseConfig() model.BattleConfig {
	return model.BattleConfig{TransferBps: 1000, HouseCutBps: 1000, NowMs: 1_700_000_000_000}
}

func TestResolveScenarioTransfer(t *testing.T) {
	bc := model.BattleContext{
		Attacker: pstate("a", 1000, weapon("sword", 50), nil),
		Defender: pstate("d", 1000, nil, shield("buckler", 10)),
		Config:   baseConfig(),
	}
	res, err := Resolve(bc, NewSequence(0.5, 0.5, 0.99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Winner != model.SideAttacker {
		t.Fatalf("expected attacker to win, got %s", res.Winner)
	}
	if res.Transfer != (model.Transfer{Transfer: 100, House: 10, WinnerGain: 90}) {
		t.Fatalf("expected transfer 100/10/90, got %+v", res.Transfer)
	}
	if res.AttackerPointsAfter != 1090 || res.DefenderPointsAfter != 900 {
		t.Fatalf("expected points 1090/900, got %d/%d", res.AttackerPointsAfter, res.DefenderPointsAfter)
	}
	if res.Critical {
		t.Fatal("expected no critical with roll 0.99 and chance 0")
	}
	if len(res.Loot) != 1 || res.Loot[0].Slot != model.ItemShield || !res.Loot[0].Equipped {
		t.Fatalf("expected shield looted into empty slot, got %+v", res.Loot)
	}
}

func TestResolveAntiFarmSurcharge(t *testing.T) {
	cfg := baseConfig()
	cfg.PairBattlesLastHour = 3
	cfg.PairFreqLimit = 3
	cfg.PairSurchargeBps = 5000
	bc := model.BattleContext{
		Attacker: pstate("a", 1000, weapon("sword", 50), nil),
		Defender: pstate("d", 1000, nil, nil),
		Config:   cfg,
	}
	res, err := Resolve(bc, NewSequence(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transfer != (model.Transfer{Transfer: 100, House: 60, WinnerGain: 40}) {
		t.Fatalf("expected transfer 100/60/40, got %+v", res.Transfer)
	}
	if res.HouseCutBps != 6000 {
		t.Fatalf("expected house bps 6000, got %d", res.HouseCutBps)
	}
	if !hasEffect(res, EffectSurcharge) {
		t.Fatal("expected surcharge effect")
	}

	cfg.PairBattlesLastHour = 2
	bc.Config = cfg
	res, _ = Resolve(bc, NewSequence(0.5))
	if res.Transfer.House != 10 {
		t.Fatalf("expected no surcharge below limit, got house %d", res.Transfer.House)
	}

	// a zero limit means no threshold is configured
	cfg.PairFreqLimit = 0
	cfg.PairBattlesLastHour = 5
	bc.Config = cfg
	res, _ = Resolve(bc, NewSequence(0.5))
	if res.Transfer.House != 10 || hasEffect(res, EffectSurcharge) {
		t.Fatalf("expected unlimited pair frequency to skip the surcharge, got %+v", res.Transfer)
	}
}

func TestResolveHigherPowerAlwaysWinsWithoutLuck(t *testing.T) {
	rng := NewSeededRNG(7)
	for op := 0; op <= 40; op += 3 {
		for dp := 0; dp <= 40; dp += 4 {
			if op == dp {
				continue
			}
			bc := model.BattleContext{
				Attacker: pstate("a", 500, weapon("w", op), nil),
				Defender: pstate("d", 500, nil, shield("s", dp)),
				Config:   baseConfig(),
			}
			res, err := Resolve(bc, rng)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := model.SideDefender
			if op > dp {
				want = model.SideAttacker
			}
			if res.Winner != want {
				t.Fatalf("op=%d dp=%d: expected %s, got %s", op, dp, want, res.Winner)
			}
		}
	}
}

func TestResolveDefenderWinTakesFromAttacker(t *testing.T) {
	bc := model.BattleContext{
		Attacker: pstate("a", 400, weapon("w", 5), nil),
		Defender: pstate("d", 1000, weapon("dw", 99), shield("s", 20)),
		Config:   baseConfig(),
	}
	res, err := Resolve(bc, NewSequence(0.5, 0.5, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Winner != model.SideDefender {
		t.Fatalf("expected defender to win, got %s", res.Winner)
	}
	if res.Transfer.Transfer != 40 || res.AttackerPointsAfter != 360 || res.DefenderPointsAfter != 1036 {
		t.Fatalf("unexpected settlement: %+v attacker=%d defender=%d", res.Transfer, res.AttackerPointsAfter, res.DefenderPointsAfter)
	}
	if len(res.Loot) != 0 {
		t.Fatalf("expected no loot on defender win, got %+v", res.Loot)
	}
}

func TestResolveCriticalLoot(t *testing.T) {
	cfg := baseConfig()
	cfg.CriticalChance = 1
	tests := []struct {
		name     string
		defender model.ParticipantState
		attacker model.ParticipantState
		wantLoot int
	}{
		{"both slots", pstate("d", 100, weapon("dw", 3), shield("ds", 4)), pstate("a", 100, weapon("aw", 50), nil), 2},
		{"shield only", pstate("d", 100, nil, shield("ds", 4)), pstate("a", 100, weapon("aw", 50), shield("as", 1)), 1},
		{"nothing equipped", pstate("d", 100, nil, nil), pstate("a", 100, weapon("aw", 50), nil), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Resolve(model.BattleContext{Attacker: tc.attacker, Defender: tc.defender, Config: cfg}, NewSeededRNG(1))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.Critical {
				t.Fatal("expected critical with chance 1")
			}
			if len(res.Loot) != tc.wantLoot {
				t.Fatalf("expected %d loot entries, got %+v", tc.wantLoot, res.Loot)
			}
		})
	}
}

func TestResolveLootReplacesExisting(t *testing.T) {
	cfg := baseConfig()
	cfg.CriticalChance = 1
	att := pstate("a", 100, weapon("aw", 50), shield("as", 2))
	def := pstate("d", 100, weapon("dw", 3), shield("ds", 4))
	res, err := Resolve(model.BattleContext{Attacker: att, Defender: def, Config: cfg}, NewSequence(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, l := range res.Loot {
		if l.Equipped {
			t.Fatalf("expected replacement, not equip, for %+v", l)
		}
	}

	ApplyLoot(&att.Loadout, &def.Loadout, res.Loot)
	if att.Loadout.Weapon.ID != "dw" || att.Loadout.Shield.ID != "ds" {
		t.Fatalf("expected attacker to hold defender gear, got %+v", att.Loadout)
	}
	if def.Loadout.Weapon != nil || def.Loadout.Shield != nil {
		t.Fatalf("expected defender stripped, got %+v", def.Loadout)
	}
}

func TestResolveZeroStatsUsesTieBreak(t *testing.T) {
	bc := model.BattleContext{
		Attacker: pstate("a", 100, nil, nil),
		Defender: pstate("d", 100, nil, nil),
		Config:   baseConfig(),
	}
	seq := NewSequence(0.1, 0.9, 0.49, 0.9)
	res, err := Resolve(bc, seq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hasEffect(res, EffectTieBreak) {
		t.Fatal("expected tie-break effect")
	}
	if res.Winner != model.SideAttacker {
		t.Fatalf("expected attacker to win coin flip 0.49 < 0.5, got %s", res.Winner)
	}
	if seq.Used() != 4 {
		t.Fatalf("expected 4 rolls consumed, got %d", seq.Used())
	}

	res, _ = Resolve(bc, NewSequence(0.1, 0.9, 0.5, 0.9))
	if res.Winner != model.SideDefender {
		t.Fatalf("expected defender to win coin flip 0.5, got %s", res.Winner)
	}
}

func TestResolveTieBandIsWeighted(t *testing.T) {
	cfg := baseConfig()
	cfg.TieBand = 5
	bc := model.BattleContext{
		Attacker: pstate("a", 100, weapon("w", 30), nil),
		Defender: pstate("d", 100, nil, shield("s", 10)),
		Config:   cfg,
	}
	// 30 vs 10 is outside the band, raw comparison
	res, _ := Resolve(bc, NewSequence(0.5, 0.5, 0.99))
	if hasEffect(res, EffectTieBreak) || res.Winner != model.SideAttacker {
		t.Fatalf("expected raw win outside tie band, got %+v", res)
	}

	bc.Defender.Loadout.Shield = shield("s", 27)
	// attacker share 30/57 ≈ 0.526
	res, _ = Resolve(bc, NewSequence(0.5, 0.5, 0.52, 0.99))
	if !hasEffect(res, EffectTieBreak) || res.Winner != model.SideAttacker {
		t.Fatalf("expected weighted tie-break win for attacker, got %+v", res)
	}
	res, _ = Resolve(bc, NewSequence(0.5, 0.5, 0.53, 0.99))
	if res.Winner != model.SideDefender {
		t.Fatalf("expected weighted tie-break win for defender, got %s", res.Winner)
	}
}

func TestResolveLuckJitter(t *testing.T) {
	cfg := baseConfig()
	cfg.LuckVariance = 0.5
	bc := model.BattleContext{
		Attacker: pstate("a", 100, weapon("w", 10), nil),
		Defender: pstate("d", 100, nil, shield("s", 12)),
		Config:   cfg,
	}
	// attacker 10*(1+0.5*1)=15 (roll≈1), defender 12*(1-0.5)=6 (roll 0)
	res, err := Resolve(bc, NewSequence(0.999999, 0, 0.9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Winner != model.SideAttacker {
		t.Fatalf("expected lucky attacker to win, got %s (%.2f vs %.2f)", res.Winner, res.AttackerPower, res.DefenderPower)
	}
	if res.DefenderPower != 6 {
		t.Fatalf("expected defender power 6, got %f", res.DefenderPower)
	}
}

func TestResolveReproducible(t *testing.T) {
	cfg := baseConfig()
	cfg.LuckVariance = 0.3
	cfg.CriticalChance = 0.25
	bc := model.BattleContext{
		Attacker: pstate("a", 777, weapon("w", 20), shield("as", 3)),
		Defender: pstate("d", 555, weapon("dw", 8), shield("s", 19)),
		Config:   cfg,
	}
	for seed := uint64(0); seed < 50; seed++ {
		r1, _ := Resolve(bc, NewSeededRNG(seed))
		r2, _ := Resolve(bc, NewSeededRNG(seed))
		if r1.Winner != r2.Winner || r1.Critical != r2.Critical || r1.Transfer != r2.Transfer || len(r1.Loot) != len(r2.Loot) {
			t.Fatalf("seed %d: results diverged: %+v vs %+v", seed, r1, r2)
		}
	}
}

func TestResolveBoosters(t *testing.T) {
	cfg := baseConfig()
	cfg.BoosterBonusPerLevel = 5
	now := time.UnixMilli(cfg.NowMs)
	active := now.Add(time.Minute)
	expired := now.Add(-time.Minute)

	att := pstate("a", 100, weapon("w", 10), nil)
	def := pstate("d", 100, nil, shield("s", 12))
	att.BoosterLevel = 1
	att.Status.BoostersActiveUntil = &active
	def.BoosterLevel = 3
	def.Status.BoostersActiveUntil = &expired

	res, err := Resolve(model.BattleContext{Attacker: att, Defender: def, Config: cfg}, NewSequence(0.5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AttackerPower != 15 || res.DefenderPower != 12 {
		t.Fatalf("expected powers 15/12, got %.1f/%.1f", res.AttackerPower, res.DefenderPower)
	}
	if res.Winner != model.SideAttacker {
		t.Fatalf("expected boosted attacker to win, got %s", res.Winner)
	}
}

func TestResolveRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*model.BattleConfig)
	}{
		{"critical above one", func(c *model.BattleConfig) { c.CriticalChance = 1.5 }},
		{"negative luck", func(c *model.BattleConfig) { c.LuckVariance = -0.1 }},
		{"transfer bps", func(c *model.BattleConfig) { c.TransferBps = 10001 }},
		{"house bps", func(c *model.BattleConfig) { c.HouseCutBps = -1 }},
		{"negative tie band", func(c *model.BattleConfig) { c.TieBand = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mut(&cfg)
			_, err := Resolve(model.BattleContext{Config: cfg}, NewSequence(0.5))
			if !errors.Is(err, model.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestCheckEligibility(t *testing.T) {
	now := int64(1_700_000_000_000)
	later := time.UnixMilli(now + 1000)
	tests := []struct {
		name string
		mut  func(*model.BattleContext)
		ok   bool
	}{
		{"eligible", func(*model.BattleContext) {}, true},
		{"self", func(bc *model.BattleContext) { bc.Defender.Address = "a" }, false},
		{"dead attacker", func(bc *model.BattleContext) { bc.Attacker.IsAlive = false }, false},
		{"dead defender", func(bc *model.BattleContext) { bc.Defender.IsAlive = false }, false},
		{"attacker cooldown", func(bc *model.BattleContext) { bc.Attacker.Status.CooldownEndsAt = &later }, false},
		{"pair cooldown", func(bc *model.BattleContext) {
			bc.Config.PairCooldownMs = 60_000
			bc.Config.PairLastBattleAt = now - 1000
		}, false},
		{"pair cooldown elapsed", func(bc *model.BattleContext) {
			bc.Config.PairCooldownMs = 60_000
			bc.Config.PairLastBattleAt = now - 61_000
		}, true},
		{"defender grace", func(bc *model.BattleContext) {
			bc.Config.DefenderGraceMs = 30_000
			bc.Config.DefenderLastLossAt = now - 10_000
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bc := model.BattleContext{
				Attacker: pstate("a", 10, nil, nil),
				Defender: pstate("d", 10, nil, nil),
				Config:   model.BattleConfig{NowMs: now},
			}
			tc.mut(&bc)
			err := CheckEligibility(bc)
			if tc.ok && err != nil {
				t.Fatalf("expected eligible, got %v", err)
			}
			if !tc.ok && !errors.Is(err, model.ErrNotEligible) {
				t.Fatalf("expected ErrNotEligible, got %v", err)
			}
		})
	}
}

func hasEffect(res model.BattleResult, kind string) bool {
	for _, e := range res.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
