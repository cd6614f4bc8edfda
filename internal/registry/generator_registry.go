package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mmrzaf/dataforge/internal/generators"
)

// GeneratorRegistry maps synthetic field types to generators.
type GeneratorRegistry struct {
	mu         sync.RWMutex
	generators map[string]generators.Generator
}

func NewGeneratorRegistry() *GeneratorRegistry {
	return &GeneratorRegistry{
		generators: make(map[string]generators.Generator),
	}
}

func (r *GeneratorRegistry) Register(name string, gen generators.Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = gen
}

func (r *GeneratorRegistry) Get(name string) (generators.Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generators[name]
	if !ok {
		return nil, fmt.Errorf("generator not found: %s", name)
	}
	return gen, nil
}

func (r *GeneratorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func DefaultGeneratorRegistry() *GeneratorRegistry {
	r := NewGeneratorRegistry()
	r.Register("uuid", &generators.UUID4Generator{})
	r.Register("name", generators.NewFakerNameGenerator())
	r.Register("firstName", generators.NewFakerFirstNameGenerator())
	r.Register("lastName", generators.NewFakerLastNameGenerator())
	r.Register("email", generators.NewFakerEmailGenerator())
	r.Register("phone", generators.NewFakerPhoneGenerator())
	r.Register("word", generators.NewFakerWordGenerator())
	r.Register("sentence", generators.NewFakerSentenceGenerator())
	r.Register("city", &generators.CityGenerator{})
	r.Register("device", &generators.DeviceNameGenerator{})
	r.Register("integer", &generators.IntegerGenerator{})
	r.Register("float", &generators.FloatGenerator{})
	r.Register("normal", &generators.NormalGenerator{})
	r.Register("boolean", &generators.BooleanGenerator{})
	r.Register("choice", &generators.ChoiceGenerator{})
	r.Register("date", &generators.DateGenerator{})
	r.Register("timeseries", &generators.TimeSeriesGenerator{})
	r.Register("sequence", &generators.SequenceGenerator{})
	r.Register("const", &generators.ConstGenerator{})
	return r
}
