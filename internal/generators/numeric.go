package generators

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// IntegerGenerator draws uniformly from [min, max].
type IntegerGenerator struct{}

func (g *IntegerGenerator) Validate(field domain.FieldSpec) error {
	min, max, err := bounds(field.Options, 0, 1000)
	if err != nil {
		return err
	}
	if max < min {
		return fmt.Errorf("max (%v) must not be less than min (%v)", max, min)
	}
	return nil
}

func (g *IntegerGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	minF, maxF, err := bounds(ctx.Options, 0, 1000)
	if err != nil {
		return nil, err
	}
	min, max := int64(minF), int64(maxF)
	if max < min {
		return nil, fmt.Errorf("max (%d) must not be less than min (%d)", max, min)
	}
	return min + rng.Int63n(max-min+1), nil
}

func (g *IntegerGenerator) Semantic() domain.SemanticType {
	return domain.SemanticInteger
}

// FloatGenerator draws uniformly from [min, max), rounded to precision digits.
type FloatGenerator struct{}

func (g *FloatGenerator) Validate(field domain.FieldSpec) error {
	min, max, err := bounds(field.Options, 0, 1)
	if err != nil {
		return err
	}
	if max < min {
		return fmt.Errorf("max (%v) must not be less than min (%v)", max, min)
	}
	if p, ok := field.Options["precision"]; ok && (!isNumber(p) || toInt64(p) < 0) {
		return errors.New("'precision' must be a non-negative integer")
	}
	return nil
}

func (g *FloatGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	min, max, err := bounds(ctx.Options, 0, 1)
	if err != nil {
		return nil, err
	}
	v := min + rng.Float64()*(max-min)
	if p, ok := ctx.Options["precision"]; ok {
		v = round(v, int(toInt64(p)))
	}
	return v, nil
}

func (g *FloatGenerator) Semantic() domain.SemanticType {
	return domain.SemanticDecimal
}

type NormalGenerator struct{}

func (g *NormalGenerator) Validate(field domain.FieldSpec) error {
	_, hasMean := field.Options["mean"]
	_, hasStd := field.Options["std"]
	if !hasMean || !hasStd {
		return errors.New("normal requires 'mean' and 'std' options")
	}
	if !isNumber(field.Options["mean"]) || !isNumber(field.Options["std"]) {
		return errors.New("'mean' and 'std' must be numbers")
	}
	if toFloat64(field.Options["std"]) < 0 {
		return errors.New("'std' must not be negative")
	}
	return nil
}

func (g *NormalGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	meanVal, ok := ctx.Options["mean"]
	if !ok {
		return nil, errors.New("missing 'mean' option")
	}
	stdVal, ok := ctx.Options["std"]
	if !ok {
		return nil, errors.New("missing 'std' option")
	}
	v := rng.NormFloat64()*toFloat64(stdVal) + toFloat64(meanVal)
	if p, ok := ctx.Options["precision"]; ok {
		v = round(v, int(toInt64(p)))
	}
	return v, nil
}

func (g *NormalGenerator) Semantic() domain.SemanticType {
	return domain.SemanticDecimal
}

// SequenceGenerator yields start + row*step.
type SequenceGenerator struct{}

func (g *SequenceGenerator) Validate(field domain.FieldSpec) error {
	for _, k := range []string{"start", "step"} {
		if v, ok := field.Options[k]; ok && !isNumber(v) {
			return fmt.Errorf("'%s' must be a number", k)
		}
	}
	return nil
}

func (g *SequenceGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	start, step := int64(1), int64(1)
	if v, ok := ctx.Options["start"]; ok {
		start = toInt64(v)
	}
	if v, ok := ctx.Options["step"]; ok {
		step = toInt64(v)
	}
	return start + ctx.RowIndex*step, nil
}

func (g *SequenceGenerator) Semantic() domain.SemanticType {
	return domain.SemanticInteger
}

func bounds(opts map[string]interface{}, defMin, defMax float64) (float64, float64, error) {
	min, max := defMin, defMax
	if v, ok := opts["min"]; ok {
		if !isNumber(v) {
			return 0, 0, errors.New("'min' must be a number")
		}
		min = toFloat64(v)
	}
	if v, ok := opts["max"]; ok {
		if !isNumber(v) {
			return 0, 0, errors.New("'max' must be a number")
		}
		max = toFloat64(v)
	}
	return min, max, nil
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
