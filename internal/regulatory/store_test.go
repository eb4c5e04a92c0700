package regulatory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func bsaRule(id string) Rule {
	return Rule{
		RuleID:        id,
		Jurisdiction:  "us",
		Framework:     "bsa",
		Description:   "Currency transaction reporting threshold",
		Citation:      "31 CFR 1010.311",
		Categories:    []string{"aml", "transaction"},
		Predicate:     Predicate{Type: "amount_threshold", Params: map[string]interface{}{"attribute": "amount", "threshold": "10000"}},
		EffectiveDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
}

func newTestGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"Memory": func(t *testing.T) Store {
			return NewMemoryStore(zap.NewNop())
		},
		"Gorm": func(t *testing.T) Store {
			return NewGormStore(newTestGormDB(t), zap.NewNop())
		},
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Create Normalizes And Starts At Version One", func(t *testing.T) {
				store := factory(t)
				created, err := store.CreateRule(ctx, bsaRule("R1"))
				require.NoError(t, err)
				assert.Equal(t, int64(1), created.Version)
				assert.Equal(t, "US", created.Jurisdiction)
				assert.Equal(t, "BSA", created.Framework)
				assert.Equal(t, []string{"AML", "TRANSACTION"}, created.Categories)
				assert.False(t, created.LastUpdated.IsZero())

				got, err := store.GetRule(ctx, "R1")
				require.NoError(t, err)
				assert.True(t, got.SameContent(*created))
			})

			t.Run("Duplicate Create Is Rejected", func(t *testing.T) {
				store := factory(t)
				_, err := store.CreateRule(ctx, bsaRule("R1"))
				require.NoError(t, err)
				_, err = store.CreateRule(ctx, bsaRule("R1"))
				assert.ErrorIs(t, err, ErrRuleExists)
			})

			t.Run("Missing Identity Fields Are Invalid", func(t *testing.T) {
				store := factory(t)
				for _, mutate := range []func(*Rule){
					func(r *Rule) { r.RuleID = "" },
					func(r *Rule) { r.Jurisdiction = "  " },
					func(r *Rule) { r.Framework = "" },
					func(r *Rule) { r.Predicate.Type = "" },
				} {
					rule := bsaRule("R1")
					mutate(&rule)
					_, err := store.UpsertRule(ctx, rule)
					assert.ErrorIs(t, err, ErrInvalidRule)
				}
			})

			t.Run("Update Increments Version And Refreshes Timestamp", func(t *testing.T) {
				store := factory(t)
				first, err := store.UpsertRule(ctx, bsaRule("R1"))
				require.NoError(t, err)

				changed := bsaRule("R1")
				changed.Description = "Raised threshold"
				second, err := store.UpsertRule(ctx, changed)
				require.NoError(t, err)
				assert.Greater(t, second.Version, first.Version)
				assert.True(t, second.LastUpdated.After(first.LastUpdated))
				assert.Equal(t, "Raised threshold", second.Description)
			})

			t.Run("Identity Fields Are Immutable", func(t *testing.T) {
				store := factory(t)
				_, err := store.CreateRule(ctx, bsaRule("R1"))
				require.NoError(t, err)

				moved := bsaRule("R1")
				moved.Jurisdiction = "EU"
				_, err = store.UpdateRule(ctx, moved)
				assert.ErrorIs(t, err, ErrImmutableField)

				reframed := bsaRule("R1")
				reframed.Framework = "GDPR"
				_, err = store.UpdateRule(ctx, reframed)
				assert.ErrorIs(t, err, ErrImmutableField)

				got, err := store.GetRule(ctx, "R1")
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.Version)
			})

			t.Run("Update Of Unknown Rule", func(t *testing.T) {
				store := factory(t)
				_, err := store.UpdateRule(ctx, bsaRule("nope"))
				assert.ErrorIs(t, err, ErrRuleNotFound)
				_, err = store.GetRule(ctx, "nope")
				assert.ErrorIs(t, err, ErrRuleNotFound)
				_, err = store.DeactivateRule(ctx, "nope")
				assert.ErrorIs(t, err, ErrRuleNotFound)
			})

			t.Run("Deactivate Keeps Identity And History", func(t *testing.T) {
				store := factory(t)
				_, err := store.CreateRule(ctx, bsaRule("R1"))
				require.NoError(t, err)

				deactivated, err := store.DeactivateRule(ctx, "R1")
				require.NoError(t, err)
				assert.False(t, deactivated.Active)
				assert.Equal(t, int64(2), deactivated.Version)

				got, err := store.GetRule(ctx, "R1")
				require.NoError(t, err)
				assert.False(t, got.Active)

				_, err = store.CreateRule(ctx, bsaRule("R1"))
				assert.ErrorIs(t, err, ErrRuleExists)

				versions, err := store.ListVersions(ctx, "R1")
				require.NoError(t, err)
				require.Len(t, versions, 2)
				assert.Equal(t, ChangeCreate, versions[0].ChangeType)
				assert.Equal(t, ChangeDeactivate, versions[1].ChangeType)
				assert.True(t, versions[0].Rule.Active)

				v1, err := store.GetRuleAt(ctx, "R1", 1)
				require.NoError(t, err)
				assert.True(t, v1.Active)
				_, err = store.GetRuleAt(ctx, "R1", 9)
				assert.ErrorIs(t, err, ErrRuleNotFound)
			})

			t.Run("Lookups Trim Rule IDs", func(t *testing.T) {
				store := factory(t)
				_, err := store.CreateRule(ctx, bsaRule(" R1 "))
				require.NoError(t, err)

				got, err := store.GetRule(ctx, "  R1")
				require.NoError(t, err)
				assert.Equal(t, "R1", got.RuleID)

				versions, err := store.ListVersions(ctx, "R1\t")
				require.NoError(t, err)
				assert.Len(t, versions, 1)

				_, err = store.GetRuleAt(ctx, " R1", 1)
				require.NoError(t, err)

				deactivated, err := store.DeactivateRule(ctx, "R1 ")
				require.NoError(t, err)
				assert.False(t, deactivated.Active)
			})

			t.Run("Active Rules Are Filtered And Ordered", func(t *testing.T) {
				store := factory(t)
				asOf := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

				gdpr := bsaRule("G1")
				gdpr.Jurisdiction = "EU"
				gdpr.Framework = "GDPR"
				future := bsaRule("F1")
				future.EffectiveDate = asOf.AddDate(1, 0, 0)
				inactive := bsaRule("X1")
				inactive.Active = false

				for _, r := range []Rule{gdpr, bsaRule("R2"), bsaRule("R1"), future, inactive} {
					_, err := store.CreateRule(ctx, r)
					require.NoError(t, err)
				}

				rules, err := store.GetActiveRules(ctx, asOf)
				require.NoError(t, err)
				ids := make([]string, 0, len(rules))
				for _, r := range rules {
					ids = append(ids, r.RuleID)
				}
				assert.Equal(t, []string{"R1", "R2", "G1"}, ids)
			})

			t.Run("Predicate Params Survive Storage", func(t *testing.T) {
				store := factory(t)
				rule := bsaRule("R1")
				rule.Predicate.Params["inclusive"] = true
				_, err := store.CreateRule(ctx, rule)
				require.NoError(t, err)

				got, err := store.GetRule(ctx, "R1")
				require.NoError(t, err)
				assert.Equal(t, "amount_threshold", got.Predicate.Type)
				assert.Equal(t, "10000", got.Predicate.Params["threshold"])
				assert.Equal(t, true, got.Predicate.Params["inclusive"])
			})
		})
	}
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(zap.NewNop())
	for i := 0; i < 10; i++ {
		_, err := store.CreateRule(ctx, bsaRule(fmt.Sprintf("R%02d", i)))
		require.NoError(t, err)
	}

	asOf := time.Now()
	before, err := store.GetActiveRules(ctx, asOf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = store.DeactivateRule(ctx, fmt.Sprintf("R%02d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			rules, err := store.GetActiveRules(ctx, asOf)
			assert.NoError(t, err)
			for _, r := range rules {
				assert.True(t, r.Active)
			}
		}
	}()
	wg.Wait()

	// Snapshot handed out earlier is unaffected by later writes.
	assert.Len(t, before, 10)
	for _, r := range before {
		assert.True(t, r.Active)
	}
	after, err := store.GetActiveRules(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestMemoryStore_ClockStandingStill(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(nil).WithClock(func() time.Time { return fixed })

	first, err := store.CreateRule(ctx, bsaRule("R1"))
	require.NoError(t, err)
	second, err := store.UpsertRule(ctx, bsaRule("R1"))
	require.NoError(t, err)

	assert.Equal(t, first.Version+1, second.Version)
	assert.True(t, second.LastUpdated.After(first.LastUpdated))
}

func TestMemoryStore_ReturnedRulesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	_, err := store.CreateRule(ctx, bsaRule("R1"))
	require.NoError(t, err)

	got, err := store.GetRule(ctx, "R1")
	require.NoError(t, err)
	got.Predicate.Params["threshold"] = "1"
	got.Categories[0] = "MUTATED"

	again, err := store.GetRule(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "10000", again.Predicate.Params["threshold"])
	assert.Equal(t, "AML", again.Categories[0])
}
