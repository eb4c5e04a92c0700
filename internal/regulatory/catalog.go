package regulatory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk form of a rule set.
type Catalog struct {
	Rules []RuleSpec `yaml:"rules"`
}

// SeedResult summarizes a catalog load.
type SeedResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// LoadCatalogFile reads a YAML rule catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// LoadCatalog decodes a YAML rule catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var catalog Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&catalog); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode rule catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(catalog.Rules))
	for i, spec := range catalog.Rules {
		if err := ValidateRule(normalizeRule(spec.ToRule())); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if _, dup := seen[spec.RuleID]; dup {
			return nil, fmt.Errorf("catalog entry %d: %w: %s", i, ErrRuleExists, spec.RuleID)
		}
		seen[spec.RuleID] = struct{}{}
	}
	return &catalog, nil
}

// Seed writes the catalog into store. Rules whose content already matches are
// left alone so reseeding does not inflate versions.
func Seed(ctx context.Context, store Store, catalog *Catalog, logger *zap.Logger) (SeedResult, error) {
	var result SeedResult
	for _, spec := range catalog.Rules {
		desired := normalizeRule(spec.ToRule())

		current, err := store.GetRule(ctx, desired.RuleID)
		switch {
		case errors.Is(err, ErrRuleNotFound):
			if _, err := store.CreateRule(ctx, desired); err != nil {
				return result, fmt.Errorf("seed %s: %w", desired.RuleID, err)
			}
			result.Created++
		case err != nil:
			return result, fmt.Errorf("seed %s: %w", desired.RuleID, err)
		case current.SameContent(desired):
			result.Unchanged++
		default:
			if _, err := store.UpdateRule(ctx, desired); err != nil {
				return result, fmt.Errorf("seed %s: %w", desired.RuleID, err)
			}
			result.Updated++
		}
	}

	if logger != nil {
		logger.Info("Rule catalog seeded",
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
			zap.Int("unchanged", result.Unchanged),
		)
	}
	return result, nil
}
