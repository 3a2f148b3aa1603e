package model

import "time"

// ── Enums ────────────────────────────────────────────

type ItemType string

const (
	ItemWeapon ItemType = "weapon"
	ItemShield ItemType = "shield"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Rank orders rarities for tiering. Unknown rarities sort first.
func (r Rarity) Rank() int {
	switch r {
	case RarityCommon:
		return 1
	case RarityUncommon:
		return 2
	case RarityRare:
		return 3
	case RarityEpic:
		return 4
	case RarityLegendary:
		return 5
	}
	return 0
}

type Side string

const (
	SideAttacker Side = "attacker"
	SideDefender Side = "defender"
)

type CareAction string

const (
	CareFeed  CareAction = "feed"
	CarePlay  CareAction = "play"
	CareClean CareAction = "clean"
	CareTrain CareAction = "train"
)

func (a CareAction) Valid() bool {
	switch a {
	case CareFeed, CarePlay, CareClean, CareTrain:
		return true
	}
	return false
}

type FallbackType string

const (
	FallbackMaxedOut       FallbackType = "maxed_out"
	FallbackCatalogMissing FallbackType = "catalog_missing"
)

type LedgerReason string

const (
	ReasonBattleWin   LedgerReason = "battle_win"
	ReasonBattleLoss  LedgerReason = "battle_loss"
	ReasonHouseCut    LedgerReason = "house_cut"
	ReasonCareCost    LedgerReason = "care_cost"
	ReasonRedeem      LedgerReason = "redeem"
	ReasonDeposit     LedgerReason = "deposit"
	ReasonAdminAdjust LedgerReason = "admin_adjust"
	ReasonRefund      LedgerReason = "refund"
)

func (r LedgerReason) Valid() bool {
	switch r {
	case ReasonBattleWin, ReasonBattleLoss, ReasonHouseCut, ReasonCareCost,
		ReasonRedeem, ReasonDeposit, ReasonAdminAdjust, ReasonRefund:
		return true
	}
	return false
}

// HouseAddress is the ledger account that collects house cuts.
const HouseAddress = "house"

// ── Gear ─────────────────────────────────────────────

type Item struct {
	ID     string   `json:"id" yaml:"id"`
	Slug   string   `json:"slug" yaml:"slug"`
	Type   ItemType `json:"type" yaml:"type"`
	Name   string   `json:"name" yaml:"name"`
	Rarity Rarity   `json:"rarity" yaml:"rarity"`
	OP     int      `json:"op" yaml:"op"`
	DP     int      `json:"dp" yaml:"dp"`
}

// Power is the stat that matters for the item's slot.
func (i Item) Power() int {
	if i.Type == ItemWeapon {
		return i.OP
	}
	return i.DP
}

// Loadout is the per-address equipment record together with the care drop
// accumulator. Accumulator stays in [0,1) except right after a forced fill.
type Loadout struct {
	Address     string  `json:"address"`
	Weapon      *Item   `json:"weapon"`
	Shield      *Item   `json:"shield"`
	Accumulator float64 `json:"accumulator"`
}

func (l *Loadout) Slot(t ItemType) *Item {
	if t == ItemWeapon {
		return l.Weapon
	}
	return l.Shield
}

func (l *Loadout) SetSlot(t ItemType, it *Item) {
	if t == ItemWeapon {
		l.Weapon = it
	} else {
		l.Shield = it
	}
}

// ── Participants ─────────────────────────────────────

type Status struct {
	State               string     `json:"state"`
	CooldownEndsAt      *time.Time `json:"cooldown_ends_at,omitempty"`
	BoostersActiveUntil *time.Time `json:"boosters_active_until,omitempty"`
}

// Account is the persisted per-address row: cached balance plus the
// gameplay status a battle snapshot is built from.
type Account struct {
	Address      string     `json:"address"`
	Balance      int64      `json:"balance"`
	IsAlive      bool       `json:"is_alive"`
	BoosterLevel int        `json:"booster_level"`
	Status       Status     `json:"status"`
	LastLossAt   *time.Time `json:"last_loss_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type ParticipantState struct {
	Address      string  `json:"address"`
	IsAlive      bool    `json:"is_alive"`
	Points       int64   `json:"points"`
	BoosterLevel int     `json:"booster_level"`
	Status       Status  `json:"status"`
	Loadout      Loadout `json:"loadout"`
}

// ── Battle ───────────────────────────────────────────

type BattleConfig struct {
	PairCooldownMs       int64   `json:"pair_cooldown_ms" yaml:"pair_cooldown_ms"`
	LuckVariance         float64 `json:"luck_variance" yaml:"luck_variance"`
	TieBand              float64 `json:"tie_band" yaml:"tie_band"`
	CriticalChance       float64 `json:"critical_chance" yaml:"critical_chance"`
	TransferBps          int64   `json:"transfer_bps" yaml:"transfer_bps"`
	HouseCutBps          int64   `json:"house_cut_bps" yaml:"house_cut_bps"`
	MinTransfer          int64   `json:"min_transfer" yaml:"min_transfer"`
	PairFreqLimit        int     `json:"pair_freq_limit" yaml:"pair_freq_limit"`
	PairSurchargeBps     int64   `json:"pair_surcharge_bps" yaml:"pair_surcharge_bps"`
	DefenderGraceMs      int64   `json:"defender_grace_ms" yaml:"defender_grace_ms"`
	BoosterBonusPerLevel int     `json:"booster_bonus_per_level" yaml:"booster_bonus_per_level"`
	CooldownMs           int64   `json:"cooldown_ms" yaml:"cooldown_ms"`

	// Per-request values filled in by settlement.
	PairBattlesLastHour int    `json:"pair_battles_last_hour" yaml:"-"`
	PairLastBattleAt    int64  `json:"pair_last_battle_at" yaml:"-"`
	DefenderLastLossAt  int64  `json:"defender_last_loss_at" yaml:"-"`
	NowMs               int64  `json:"now_ms" yaml:"-"`
	CooldownEndsAtIso   string `json:"cooldown_ends_at_iso" yaml:"-"`
}

type BattleContext struct {
	Attacker ParticipantState
	Defender ParticipantState
	Config   BattleConfig
}

type Transfer struct {
	Transfer   int64 `json:"transfer"`
	House      int64 `json:"house"`
	WinnerGain int64 `json:"winner_gain"`
}

type LootEntry struct {
	Slot     ItemType `json:"slot"`
	ItemID   string   `json:"item_id"`
	Equipped bool     `json:"equipped"`
}

type Effect struct {
	Kind   string `json:"kind"`
	Detail any    `json:"detail,omitempty"`
}

type BattleResult struct {
	Winner              Side        `json:"winner"`
	Critical            bool        `json:"critical"`
	Transfer            Transfer    `json:"transfer"`
	Loot                []LootEntry `json:"loot"`
	Effects             []Effect    `json:"effects"`
	AttackerPointsAfter int64       `json:"attacker_points_after"`
	DefenderPointsAfter int64       `json:"defender_points_after"`
	AttackerPower       float64     `json:"attacker_power"`
	DefenderPower       float64     `json:"defender_power"`
	HouseCutBps         int64       `json:"house_cut_bps"`
	Rolls               []float64   `json:"rolls"`
	CooldownEndsAt      string      `json:"cooldown_ends_at,omitempty"`
}

// BattleRecord is the audit row of one settled battle.
type BattleRecord struct {
	ID        string       `json:"id"`
	Attacker  string       `json:"attacker"`
	Defender  string       `json:"defender"`
	Winner    Side         `json:"winner"`
	Result    BattleResult `json:"result"`
	CreatedAt time.Time    `json:"created_at"`
}

// ── Care drops ───────────────────────────────────────

type DropConfig struct {
	BaseProbability    float64 `json:"base_probability" yaml:"base_probability"`
	AccumulatorEnabled bool    `json:"accumulator_enabled" yaml:"accumulator_enabled"`
	ShieldFirstBias    bool    `json:"shield_first_bias" yaml:"shield_first_bias"`
	GuaranteeWithin    int     `json:"guarantee_within,omitempty" yaml:"guarantee_within"`
}

func DefaultDropConfig() DropConfig {
	return DropConfig{BaseProbability: 0.2, AccumulatorEnabled: true, ShieldFirstBias: true}
}

type DropAttempt struct {
	ID              string        `json:"id"`
	Address         string        `json:"address"`
	ActionKind      CareAction    `json:"action_kind"`
	BaseProbability float64       `json:"base_probability"`
	EffProbability  float64       `json:"eff_probability"`
	Roll            float64       `json:"roll"`
	Awarded         bool          `json:"awarded"`
	AccBefore       float64       `json:"acc_before"`
	AccAfter        float64       `json:"acc_after"`
	Slot            *ItemType     `json:"slot,omitempty"`
	Item            *Item         `json:"item,omitempty"`
	RNGPassed       bool          `json:"rng_passed"`
	FallbackType    *FallbackType `json:"fallback_type,omitempty"`
	CostRp          int64         `json:"cost_rp"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ── Ledger ───────────────────────────────────────────

type LedgerEntry struct {
	ID        int64          `json:"id"`
	Address   string         `json:"address"`
	Delta     int64          `json:"delta"`
	Reason    LedgerReason   `json:"reason"`
	SwapID    *string        `json:"swap_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type BattleReq struct {
	Defender string `json:"defender"`
}

type CareReq struct {
	Action CareAction `json:"action"`
}

type LedgerReq struct {
	Address  string         `json:"address"`
	AmountRp float64        `json:"amount_rp"`
	Reason   LedgerReason   `json:"reason"`
	SwapID   *string        `json:"swap_id"`
	Metadata map[string]any `json:"metadata"`
}

type StatusSnapshot struct {
	Account Account `json:"account"`
	Loadout Loadout `json:"loadout"`
}

// ── Points math ──────────────────────────────────────

// BpsOf returns floor(amount × bps / 10000) for non-negative inputs without
// forming the full product, so it holds for any int64 amount when bps <= 10000.
func BpsOf(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return amount/10000*bps + amount%10000*bps/10000
}

// CalcTransfer splits a loser's stake into the house share and the winner's gain.
func CalcTransfer(loserPoints, transferBps, minTransfer, houseCutBps int64) Transfer {
	t := BpsOf(loserPoints, transferBps)
	if t < minTransfer && loserPoints >= minTransfer {
		t = minTransfer
	}
	if t > loserPoints {
		t = loserPoints
	}
	if t < 0 {
		t = 0
	}
	house := BpsOf(t, houseCutBps)
	return Transfer{Transfer: t, House: house, WinnerGain: t - house}
}
