package pricing

import (
	"encoding/json"
	"testing"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(t *testing.T, def ruleDefinition) models.PricingRule {
	t.Helper()
	data, err := json.Marshal(def)
	require.NoError(t, err)
	return models.PricingRule{ID: "r1", Definition: data}
}

func TestDefaultEvaluator_Price_NoRulesReturnsBase(t *testing.T) {
	e := NewDefaultEvaluator()
	attrs, _ := json.Marshal(map[string]any{"price": 1000})

	price, err := e.Price(attrs, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), price)
}

func TestDefaultEvaluator_Price_AppliesMultiplierAndAddend(t *testing.T) {
	e := NewDefaultEvaluator()
	attrs, _ := json.Marshal(map[string]any{"price": 1000, "shape": "round"})

	rules := []models.PricingRule{
		rule(t, ruleDefinition{MatchAttribute: "shape", MatchValue: "round", Multiplier: 1.1}),
		rule(t, ruleDefinition{Addend: 50}),
	}

	price, err := e.Price(attrs, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(1150), price)
}

func TestDefaultEvaluator_Price_UnmatchedRuleSkipped(t *testing.T) {
	e := NewDefaultEvaluator()
	attrs, _ := json.Marshal(map[string]any{"price": 1000, "shape": "round"})

	rules := []models.PricingRule{
		rule(t, ruleDefinition{MatchAttribute: "shape", MatchValue: "princess", Multiplier: 2.0}),
	}

	price, err := e.Price(attrs, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), price)
}

func TestDefaultEvaluator_Price_NeverGoesNegative(t *testing.T) {
	e := NewDefaultEvaluator()
	attrs, _ := json.Marshal(map[string]any{"price": 100})

	rules := []models.PricingRule{
		rule(t, ruleDefinition{Addend: -500}),
	}

	price, err := e.Price(attrs, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(0), price)
}

func TestDefaultEvaluator_Rating_SumsMatchingRules(t *testing.T) {
	e := NewDefaultEvaluator()
	attrs, _ := json.Marshal(map[string]any{"price": 100, "carat_size": 1.5})

	ratingRule := func(def ruleDefinition) models.RatingRule {
		data, _ := json.Marshal(def)
		return models.RatingRule{ID: "rr1", Definition: data}
	}

	rules := []models.RatingRule{
		ratingRule(ruleDefinition{Addend: 3}),
		ratingRule(ruleDefinition{MatchAttribute: "carat_size", MatchValue: "1.5", Addend: 2}),
	}

	rating, err := e.Rating(attrs, rules)
	require.NoError(t, err)
	assert.Equal(t, 5.0, rating)
}
