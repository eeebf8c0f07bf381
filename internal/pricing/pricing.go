// Package pricing is the plumbing around rule evaluation: applying pricing
// and rating rules (loaded by internal/repository) through an evaluator. §1 explicitly treats "the
// pricing/rating rule evaluation internals" as out of scope — "pure
// functions from (raw_attributes, rules) to (price, rating)" — so this
// package defines the evaluator's shape and a default, rule-driven
// implementation simple enough to stand in for a real rules engine without
// claiming to be one.
package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub003/internal/models"
)

// Evaluator is the pure-function seam the consolidator's map phase calls.
// Implementations must not perform I/O; rules are loaded once per
// consolidation pass by internal/repository and handed in.
type Evaluator interface {
	Price(rawAttributes []byte, rules []models.PricingRule) (int64, error)
	Rating(rawAttributes []byte, rules []models.RatingRule) (float64, error)
}

// ruleDefinition is the shape a PricingRule/RatingRule's opaque Definition
// blob takes in the default evaluator: a flat multiplier/adjustment applied
// on top of the adapter-reported base price, keyed by an attribute match.
// A production deployment's actual rule language is out of scope per §1;
// this is the simplest evaluator that exercises the (attributes, rules) ->
// value contract end to end.
type ruleDefinition struct {
	MatchAttribute string  `json:"match_attribute"`
	MatchValue     string  `json:"match_value"`
	Multiplier     float64 `json:"multiplier"`
	Addend         int64   `json:"addend"`
}

type rawAttributeSet map[string]any

// DefaultEvaluator applies each matching rule in sequence: multiplier then
// addend, accumulating over the base price found under "price" in
// rawAttributes. Rules with no match_attribute apply unconditionally.
type DefaultEvaluator struct{}

func NewDefaultEvaluator() *DefaultEvaluator { return &DefaultEvaluator{} }

func (DefaultEvaluator) Price(rawAttributes []byte, rules []models.PricingRule) (int64, error) {
	attrs, base, err := decodeBase(rawAttributes)
	if err != nil {
		return 0, fmt.Errorf("pricing: decode attributes: %w", err)
	}

	price := float64(base)
	for _, rule := range rules {
		var def ruleDefinition
		if err := json.Unmarshal(rule.Definition, &def); err != nil {
			return 0, fmt.Errorf("pricing: decode rule %s: %w", rule.ID, err)
		}
		if !matches(attrs, def) {
			continue
		}
		if def.Multiplier != 0 {
			price *= def.Multiplier
		}
		price += float64(def.Addend)
	}

	if price < 0 {
		price = 0
	}
	return int64(price), nil
}

func (DefaultEvaluator) Rating(rawAttributes []byte, rules []models.RatingRule) (float64, error) {
	attrs, _, err := decodeBase(rawAttributes)
	if err != nil {
		return 0, fmt.Errorf("pricing: decode attributes: %w", err)
	}

	rating := 0.0
	for _, rule := range rules {
		var def ruleDefinition
		if err := json.Unmarshal(rule.Definition, &def); err != nil {
			return 0, fmt.Errorf("pricing: decode rating rule %s: %w", rule.ID, err)
		}
		if !matches(attrs, def) {
			continue
		}
		rating += float64(def.Addend)
	}
	return rating, nil
}

func decodeBase(rawAttributes []byte) (rawAttributeSet, int64, error) {
	var attrs rawAttributeSet
	if err := json.Unmarshal(rawAttributes, &attrs); err != nil {
		return nil, 0, err
	}
	base, _ := attrs["price"].(float64)
	return attrs, int64(base), nil
}

func matches(attrs rawAttributeSet, def ruleDefinition) bool {
	if def.MatchAttribute == "" {
		return true
	}
	v, ok := attrs[def.MatchAttribute]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", v) == def.MatchValue
}
