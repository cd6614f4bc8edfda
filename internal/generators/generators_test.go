package generators

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

func TestIntegerGeneratorStaysInInclusiveBounds(t *testing.T) {
	g := &IntegerGenerator{}
	opts := map[string]interface{}{"min": 1, "max": 3}
	if err := g.Validate(domain.FieldSpec{Name: "n", Type: "integer", Options: opts}); err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(7))
	seen := map[int64]bool{}
	for i := 0; i < 200; i++ {
		v, err := g.Generate(rng, GeneratorContext{Options: opts})
		if err != nil {
			t.Fatal(err)
		}
		n := v.(int64)
		if n < 1 || n > 3 {
			t.Fatalf("out of bounds: %d", n)
		}
		seen[n] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all values in range, got %v", seen)
	}
	if err := g.Validate(domain.FieldSpec{Options: map[string]interface{}{"min": 5, "max": 1}}); err == nil {
		t.Fatal("expected inverted bounds error")
	}
}

func TestChoiceWeightsValidation(t *testing.T) {
	g := &ChoiceGenerator{}
	if err := g.Validate(domain.FieldSpec{Options: map[string]interface{}{"values": []interface{}{"a", "b"}, "weights": []interface{}{1}}}); err == nil {
		t.Fatal("expected length mismatch error")
	}
	opts := map[string]interface{}{"values": []interface{}{"a", "b"}, "weights": []interface{}{0, 1}}
	if err := g.Validate(domain.FieldSpec{Options: opts}); err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		v, _ := g.Generate(rng, GeneratorContext{Options: opts})
		if v != "b" {
			t.Fatalf("zero-weight value chosen: %v", v)
		}
	}
}

func TestSeededGeneratorsRepeat(t *testing.T) {
	u := &UUID4Generator{}
	a, _ := u.Generate(rand.New(rand.NewSource(42)), GeneratorContext{})
	b, _ := u.Generate(rand.New(rand.NewSource(42)), GeneratorContext{})
	if a != b {
		t.Fatalf("seeded uuids differ: %v %v", a, b)
	}
}

func TestTimeSeriesAndSequence(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	ts := &TimeSeriesGenerator{}
	opts := map[string]interface{}{"start": "-2d", "step": "1h"}
	if err := ts.Validate(domain.FieldSpec{Options: opts}); err != nil {
		t.Fatal(err)
	}
	v, err := ts.Generate(rand.New(rand.NewSource(1)), GeneratorContext{RowIndex: 3, Options: opts, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if v != "2024-01-08T03:00:00Z" {
		t.Fatalf("unexpected timestamp %v", v)
	}

	seq := &SequenceGenerator{}
	got, _ := seq.Generate(nil, GeneratorContext{RowIndex: 4, Options: map[string]interface{}{"start": 10, "step": 5}})
	if got != int64(30) {
		t.Fatalf("unexpected sequence value %v", got)
	}
}

func TestBooleanProbability(t *testing.T) {
	g := &BooleanGenerator{}
	if err := g.Validate(domain.FieldSpec{Options: map[string]interface{}{"probability": 1.5}}); err == nil {
		t.Fatal("expected probability range error")
	}
	v, _ := g.Generate(rand.New(rand.NewSource(3)), GeneratorContext{Options: map[string]interface{}{"probability": 1.0}})
	if v != true {
		t.Fatalf("expected true with probability 1, got %v", v)
	}
}
