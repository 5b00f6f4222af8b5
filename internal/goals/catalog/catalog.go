// Package catalog loads the fixed set of goals users can be assigned.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"goalpay/internal/goals/models"
)

// ErrEmptyCatalog is returned when a catalog has no goals.
var ErrEmptyCatalog = errors.New("goal catalog is empty")

// Catalog is an immutable ordered goal list.
type Catalog struct {
	goals []models.GoalDefinition
}

// New validates goals and takes a private copy.
func New(goals []models.GoalDefinition) (*Catalog, error) {
	if len(goals) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(goals))
	for i, g := range goals {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if _, dup := seen[g.Name]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate goal %q", i, g.Name)
		}
		seen[g.Name] = struct{}{}
	}
	return &Catalog{goals: append([]models.GoalDefinition{}, goals...)}, nil
}

// Load reads a catalog file. Files ending in .yaml or .yml are parsed as
// YAML, anything else as JSON.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read goal catalog: %w", err)
	}
	var goals []models.GoalDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		goals, err = parseYAML(raw)
	default:
		goals, err = parseJSON(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse goal catalog %s: %w", path, err)
	}
	return New(goals)
}

func parseJSON(raw []byte) ([]models.GoalDefinition, error) {
	var goals []models.GoalDefinition
	if err := json.Unmarshal(raw, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

type yamlEntry struct {
	Goal   string    `yaml:"goal"`
	Reward yaml.Node `yaml:"reward"`
}

func parseYAML(raw []byte) ([]models.GoalDefinition, error) {
	var entries []yamlEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	goals := make([]models.GoalDefinition, 0, len(entries))
	for _, e := range entries {
		reward, err := decimal.NewFromString(e.Reward.Value)
		if err != nil {
			return nil, fmt.Errorf("goal %q: invalid reward %q: %w", e.Goal, e.Reward.Value, err)
		}
		goals = append(goals, models.GoalDefinition{Name: e.Goal, Reward: reward})
	}
	return goals, nil
}

// Goals returns a copy of the catalog in file order.
func (c *Catalog) Goals() []models.GoalDefinition {
	return append([]models.GoalDefinition{}, c.goals...)
}

func (c *Catalog) Len() int {
	return len(c.goals)
}
