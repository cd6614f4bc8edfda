package generators

import (
	"errors"
	"math/rand"

	"github.com/mmrzaf/dataforge/internal/domain"
)

type ConstGenerator struct{}

func (g *ConstGenerator) Validate(field domain.FieldSpec) error {
	if field.Options == nil {
		return errors.New("const generator requires 'value' option")
	}
	if _, ok := field.Options["value"]; !ok {
		return errors.New("const generator requires 'value' option")
	}
	return nil
}

func (g *ConstGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	return ctx.Options["value"], nil
}

func (g *ConstGenerator) Semantic() domain.SemanticType {
	return domain.SemanticString
}
