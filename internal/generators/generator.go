package generators

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// Generator produces one field value per synthetic record.
type Generator interface {
	Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error)
	Validate(field domain.FieldSpec) error
	Semantic() domain.SemanticType
}

type GeneratorContext struct {
	RowIndex int64
	Options  map[string]interface{}
	Now      time.Time
}

func toFloat64(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0.0
	}
}

func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func isNumber(v interface{}) bool {
	switch val := v.(type) {
	case int, int64, float64, float32:
		return true
	case string:
		_, err := strconv.ParseFloat(val, 64)
		return err == nil
	default:
		return false
	}
}
