package generators

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/mmrzaf/dataforge/internal/domain"
)

type ChoiceGenerator struct{}

func (g *ChoiceGenerator) Validate(field domain.FieldSpec) error {
	if field.Options == nil {
		return errors.New("choice requires 'values' option")
	}
	valuesRaw, ok := field.Options["values"]
	if !ok {
		return errors.New("choice requires 'values' option")
	}

	values, ok := valuesRaw.([]interface{})
	if !ok {
		return errors.New("'values' must be a list")
	}

	if len(values) == 0 {
		return errors.New("'values' cannot be empty")
	}

	if weightsRaw, hasWeights := field.Options["weights"]; hasWeights {
		weights, ok := weightsRaw.([]interface{})
		if !ok {
			return errors.New("'weights' must be a list")
		}
		if len(weights) != len(values) {
			return errors.New("'weights' and 'values' must have the same length")
		}
		total := 0.0
		for _, w := range weights {
			if !isNumber(w) {
				return fmt.Errorf("non-numeric weight: %v", w)
			}
			if toFloat64(w) < 0 {
				return fmt.Errorf("negative weight: %v", w)
			}
			total += toFloat64(w)
		}
		if total == 0 {
			return errors.New("total weight is zero")
		}
	}

	return nil
}

func (g *ChoiceGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	values, ok := ctx.Options["values"].([]interface{})
	if !ok || len(values) == 0 {
		return nil, errors.New("'values' must be a non-empty list")
	}

	weights, hasWeights := ctx.Options["weights"].([]interface{})
	if !hasWeights {
		return values[rng.Intn(len(values))], nil
	}
	if len(weights) != len(values) {
		return nil, errors.New("'weights' and 'values' must have the same length")
	}

	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += toFloat64(w)
	}
	if totalWeight <= 0 {
		return nil, errors.New("total weight is zero")
	}

	r := rng.Float64() * totalWeight
	cumWeight := 0.0
	for i, w := range weights {
		cumWeight += toFloat64(w)
		if r < cumWeight {
			return values[i], nil
		}
	}

	return values[len(values)-1], nil
}

func (g *ChoiceGenerator) Semantic() domain.SemanticType {
	return domain.SemanticString
}

type BooleanGenerator struct{}

func (g *BooleanGenerator) Validate(field domain.FieldSpec) error {
	if p, ok := field.Options["probability"]; ok {
		if !isNumber(p) {
			return errors.New("'probability' must be a number")
		}
		if f := toFloat64(p); f < 0 || f > 1 {
			return fmt.Errorf("'probability' must be within [0,1], got %v", f)
		}
	}
	return nil
}

func (g *BooleanGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	p := 0.5
	if v, ok := ctx.Options["probability"]; ok {
		p = toFloat64(v)
	}
	return rng.Float64() < p, nil
}

func (g *BooleanGenerator) Semantic() domain.SemanticType {
	return domain.SemanticBoolean
}
