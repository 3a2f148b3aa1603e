package engine

import (
	"fmt"
	"math"
	"sort"

	"pet-arena/internal/model"
)

// ── Catalog ──────────────────────────────────────────

// Catalog holds gear ordered by slot and upgrade tier (lowest first).
type Catalog struct {
	weapons []model.Item
	shields []model.Item
}

// NewCatalog sorts items into per-slot tiers: rarity rank, then the slot's
// stat, then ID. Items of unknown type are a configuration error.
func NewCatalog(items []model.Item) (*Catalog, error) {
	c := &Catalog{}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("%w: catalog item without id", model.ErrConfiguration)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("%w: duplicate catalog item %s", model.ErrConfiguration, it.ID)
		}
		seen[it.ID] = true
		switch it.Type {
		case model.ItemWeapon:
			c.weapons = append(c.weapons, it)
		case model.ItemShield:
			c.shields = append(c.shields, it)
		default:
			return nil, fmt.Errorf("%w: catalog item %s has type %q", model.ErrConfiguration, it.ID, it.Type)
		}
	}
	sortTier(c.weapons)
	sortTier(c.shields)
	return c, nil
}

func sortTier(items []model.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if c := compareGear(a, b); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

func (c *Catalog) Empty() bool { return c == nil || len(c.weapons)+len(c.shields) == 0 }

// Items returns the catalog in slot then tier order.
func (c *Catalog) Items() []model.Item {
	if c == nil {
		return nil
	}
	out := make([]model.Item, 0, len(c.weapons)+len(c.shields))
	out = append(out, c.weapons...)
	return append(out, c.shields...)
}

func (c *Catalog) Get(id string) (model.Item, bool) {
	for _, it := range c.Items() {
		if it.ID == id {
			return it, true
		}
	}
	return model.Item{}, false
}

func (c *Catalog) tiers(t model.ItemType) []model.Item {
	if t == model.ItemWeapon {
		return c.weapons
	}
	return c.shields
}

// Tier returns the index of an equipped item within its slot, or -1 when the
// item is not in the catalog.
func (c *Catalog) Tier(it *model.Item) int {
	if it == nil {
		return -1
	}
	for i, x := range c.tiers(it.Type) {
		if x.ID == it.ID {
			return i
		}
	}
	return -1
}

// NextUpgrade returns the item one tier above whatever is in the slot, or the
// lowest tier when the slot is empty. ok is false when the slot is maxed or
// the catalog has nothing for it.
func (c *Catalog) NextUpgrade(t model.ItemType, current *model.Item) (model.Item, bool) {
	tiers := c.tiers(t)
	if len(tiers) == 0 {
		return model.Item{}, false
	}
	if current == nil {
		return tiers[0], true
	}
	idx := c.Tier(current)
	if idx < 0 {
		// off-catalog gear: first tier that beats it
		for _, x := range tiers {
			if x.Rarity.Rank() > current.Rarity.Rank() ||
				(x.Rarity.Rank() == current.Rarity.Rank() && x.Power() > current.Power()) {
				return x, true
			}
		}
		return model.Item{}, false
	}
	if idx+1 >= len(tiers) {
		return model.Item{}, false
	}
	return tiers[idx+1], true
}

// ── Drop decision ────────────────────────────────────

// ValidateDropConfig rejects probabilities outside [0,1] and negative horizons.
func ValidateDropConfig(c model.DropConfig) error {
	if !unitInterval(c.BaseProbability) {
		return fmt.Errorf("%w: base_probability out of range: %v", model.ErrConfiguration, c.BaseProbability)
	}
	if c.GuaranteeWithin < 0 {
		return fmt.Errorf("%w: guarantee_within must be >= 0", model.ErrConfiguration)
	}
	return nil
}

// FallbackCeiling is the accumulator value a player is force-filled to when a
// roll passes but no upgrade can be handed out. With N = GuaranteeWithin (or
// ceil(1/p) when unset) it is min(1-p, (N-1)/N), so at the ceiling the next
// attempt's effective probability reaches 1 whenever the horizon allows it.
func FallbackCeiling(c model.DropConfig) float64 {
	p := c.BaseProbability
	if p >= 1 {
		return 0
	}
	n := c.GuaranteeWithin
	if n <= 0 {
		if p <= 0 {
			return 0
		}
		n = int(math.Ceil(1/p - 1e-9))
	}
	if n <= 1 {
		return 0
	}
	ceiling := 1 - p
	if h := float64(n-1) / float64(n); h < ceiling {
		ceiling = h
	}
	return ceiling
}

// probResolution absorbs float drift such as 0.2+0.4 != 0.6.
const probResolution = 1e9

// EffectiveProbability applies the accumulator law.
func EffectiveProbability(c model.DropConfig, accBefore float64) float64 {
	p := c.BaseProbability
	if c.AccumulatorEnabled {
		p += accBefore
	}
	return math.Round(clamp01(p)*probResolution) / probResolution
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PickUpgrade chooses which slot to upgrade and with what. Both slots empty
// gives a shield under shield-first bias. An empty weapon slot is filled
// before a filled slot is upgraded. Otherwise the weaker slot (rarity, then
// stat, then catalog tier) is upgraded, falling back to the other slot when it
// is maxed.
func PickUpgrade(cat *Catalog, l model.Loadout, shieldFirst bool) (model.ItemType, model.Item, bool) {
	var order []model.ItemType
	switch {
	case l.Weapon == nil && l.Shield == nil:
		if shieldFirst {
			order = []model.ItemType{model.ItemShield, model.ItemWeapon}
		} else {
			order = []model.ItemType{model.ItemWeapon, model.ItemShield}
		}
	case l.Weapon == nil:
		order = []model.ItemType{model.ItemWeapon, model.ItemShield}
	case l.Shield == nil:
		order = []model.ItemType{model.ItemShield, model.ItemWeapon}
	default:
		c := compareGear(*l.Weapon, *l.Shield)
		if c == 0 {
			c = cat.Tier(l.Weapon) - cat.Tier(l.Shield)
		}
		if c < 0 || (c == 0 && !shieldFirst) {
			order = []model.ItemType{model.ItemWeapon, model.ItemShield}
		} else {
			order = []model.ItemType{model.ItemShield, model.ItemWeapon}
		}
	}
	for _, slot := range order {
		if it, ok := cat.NextUpgrade(slot, l.Slot(slot)); ok {
			return slot, it, true
		}
	}
	return "", model.Item{}, false
}

// compareGear orders two items by rarity rank, then slot stat. Negative means
// a is weaker.
func compareGear(a, b model.Item) int {
	if d := a.Rarity.Rank() - b.Rarity.Rank(); d != 0 {
		return d
	}
	return a.Power() - b.Power()
}

// DropInput is everything DecideCareDrop needs about the acting player.
type DropInput struct {
	Address    string
	ActionKind model.CareAction
	Loadout    model.Loadout
}

// DecideCareDrop applies one roll to the accumulator law. It does not mutate
// the input loadout; on an award the caller equips DropAttempt.Item into
// DropAttempt.Slot and stores AccAfter as the new accumulator.
func DecideCareDrop(in DropInput, cat *Catalog, cfg model.DropConfig, roll float64) (model.DropAttempt, error) {
	if err := ValidateDropConfig(cfg); err != nil {
		return model.DropAttempt{}, err
	}
	accBefore := clamp01(in.Loadout.Accumulator)
	eff := EffectiveProbability(cfg, accBefore)
	att := model.DropAttempt{
		Address:         in.Address,
		ActionKind:      in.ActionKind,
		BaseProbability: cfg.BaseProbability,
		EffProbability:  eff,
		Roll:            roll,
		AccBefore:       accBefore,
		RNGPassed:       roll < eff,
	}

	if !att.RNGPassed {
		if cfg.AccumulatorEnabled {
			att.AccAfter = eff
		}
		return att, nil
	}

	var fallback model.FallbackType
	if cat.Empty() {
		fallback = model.FallbackCatalogMissing
	} else if slot, it, ok := PickUpgrade(cat, in.Loadout, cfg.ShieldFirstBias); ok {
		att.Awarded = true
		att.Slot = &slot
		att.Item = &it
		att.AccAfter = 0
		return att, nil
	} else {
		fallback = model.FallbackMaxedOut
	}

	att.FallbackType = &fallback
	if cfg.AccumulatorEnabled {
		att.AccAfter = FallbackCeiling(cfg)
	}
	return att, nil
}
