package generators

import (
	"math/rand"
	"strconv"

	"github.com/go-faker/faker/v4"
	"github.com/mmrzaf/dataforge/internal/domain"
)

// fakerGenerator wraps a go-faker producer. Its output does not follow the
// source seed.
type fakerGenerator struct {
	produce func() string
}

func (g *fakerGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	return g.produce(), nil
}

func (g *fakerGenerator) Validate(field domain.FieldSpec) error {
	return nil
}

func (g *fakerGenerator) Semantic() domain.SemanticType {
	return domain.SemanticString
}

func NewFakerNameGenerator() Generator      { return &fakerGenerator{produce: func() string { return faker.Name() }} }
func NewFakerFirstNameGenerator() Generator { return &fakerGenerator{produce: func() string { return faker.FirstName() }} }
func NewFakerLastNameGenerator() Generator  { return &fakerGenerator{produce: func() string { return faker.LastName() }} }
func NewFakerEmailGenerator() Generator     { return &fakerGenerator{produce: func() string { return faker.Email() }} }
func NewFakerPhoneGenerator() Generator     { return &fakerGenerator{produce: func() string { return faker.Phonenumber() }} }
func NewFakerWordGenerator() Generator      { return &fakerGenerator{produce: func() string { return faker.Word() }} }
func NewFakerSentenceGenerator() Generator  { return &fakerGenerator{produce: func() string { return faker.Sentence() }} }

type CityGenerator struct{}

var cities = []string{
	"New York", "Los Angeles", "Chicago", "Houston", "Phoenix",
	"Philadelphia", "San Antonio", "San Diego", "Dallas", "San Jose",
	"Austin", "Seattle", "Denver", "Boston", "Portland",
	"London", "Paris", "Tokyo", "Berlin", "Madrid",
	"Rome", "Amsterdam", "Vienna", "Prague", "Barcelona",
	"Munich", "Milan", "Stockholm", "Copenhagen", "Oslo",
}

func (g *CityGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	return cities[rng.Intn(len(cities))], nil
}

func (g *CityGenerator) Validate(field domain.FieldSpec) error {
	return nil
}

func (g *CityGenerator) Semantic() domain.SemanticType {
	return domain.SemanticString
}

type DeviceNameGenerator struct{}

func (g *DeviceNameGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	prefixes := []string{"Sensor", "Device", "Meter", "Gauge", "Monitor", "Detector", "Reader", "Tracker"}
	suffixes := []string{"Alpha", "Beta", "Gamma", "Delta", "Prime", "Pro", "Max", "Plus"}

	prefix := prefixes[rng.Intn(len(prefixes))]
	suffix := suffixes[rng.Intn(len(suffixes))]
	return prefix + "-" + suffix + "-" + strconv.Itoa(rng.Intn(10000)), nil
}

func (g *DeviceNameGenerator) Validate(field domain.FieldSpec) error {
	return nil
}

func (g *DeviceNameGenerator) Semantic() domain.SemanticType {
	return domain.SemanticString
}
