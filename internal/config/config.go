// Package config loads gameplay tuning and the gear catalog from YAML.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"pet-arena/internal/engine"
	"pet-arena/internal/model"
)

//go:embed tuning.yaml
var defaultTuning []byte

//go:embed tuning.schema.json
var tuningSchema string

var schema = jsonschema.MustCompileString("tuning.schema.json", tuningSchema)

type Tuning struct {
	Battle    model.BattleConfig         `yaml:"battle" json:"battle"`
	Drop      model.DropConfig           `yaml:"drop" json:"drop"`
	CareCosts map[model.CareAction]int64 `yaml:"care_costs" json:"care_costs"`
	Catalog   []model.Item               `yaml:"catalog" json:"catalog"`
}

// Default returns the built-in tuning.
func Default() Tuning {
	t, err := Parse(defaultTuning)
	if err != nil {
		panic(fmt.Sprintf("built-in tuning: %v", err))
	}
	return t
}

// Load reads a tuning file. An empty path yields the built-in tuning.
func Load(path string) (Tuning, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	t, err := Parse(raw)
	if err != nil {
		return Tuning{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse checks raw YAML against the tuning schema, decodes it and applies
// the semantic checks the schema cannot express.
func Parse(raw []byte) (Tuning, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Tuning{}, fmt.Errorf("%w: tuning yaml: %v", model.ErrConfiguration, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Tuning{}, fmt.Errorf("%w: tuning yaml: %v", model.ErrConfiguration, err)
	}
	var v any
	if err := json.Unmarshal(asJSON, &v); err != nil {
		return Tuning{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	if err := schema.Validate(v); err != nil {
		return Tuning{}, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	var t Tuning
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("%w: tuning yaml: %v", model.ErrConfiguration, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if err := engine.ValidateBattleConfig(t.Battle); err != nil {
		return err
	}
	if err := engine.ValidateDropConfig(t.Drop); err != nil {
		return err
	}
	for action, cost := range t.CareCosts {
		if !action.Valid() {
			return fmt.Errorf("%w: unknown care action %q", model.ErrConfiguration, action)
		}
		if cost < 0 {
			return fmt.Errorf("%w: care cost for %s is negative", model.ErrConfiguration, action)
		}
	}
	_, err := t.BuildCatalog()
	return err
}

// BuildCatalog orders the configured gear into upgrade tiers.
func (t Tuning) BuildCatalog() (*engine.Catalog, error) {
	return engine.NewCatalog(t.Catalog)
}
