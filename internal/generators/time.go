package generators

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/timeutil"
)

// DateGenerator draws a timestamp uniformly between start and end. Both
// accept RFC3339 or relative offsets such as "-30d".
type DateGenerator struct{}

func (g *DateGenerator) Validate(field domain.FieldSpec) error {
	_, _, err := dateRange(field.Options, time.Now())
	return err
}

func (g *DateGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	start, end, err := dateRange(ctx.Options, ctx.Now)
	if err != nil {
		return nil, err
	}
	span := end.Sub(start)
	if span <= 0 {
		return start.UTC().Format(time.RFC3339), nil
	}
	t := start.Add(time.Duration(rng.Int63n(int64(span))))
	return t.UTC().Format(time.RFC3339), nil
}

func (g *DateGenerator) Semantic() domain.SemanticType {
	return domain.SemanticDatetime
}

func dateRange(opts map[string]interface{}, now time.Time) (time.Time, time.Time, error) {
	startStr, _ := opts["start"].(string)
	endStr, _ := opts["end"].(string)
	if startStr == "" {
		startStr = "-365d"
	}
	start, err := timeutil.ParseRelativeTime(startStr, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}
	end := now
	if endStr != "" {
		end, err = timeutil.ParseRelativeTime(endStr, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("end must not be before start")
	}
	return start, end, nil
}

type TimeSeriesGenerator struct{}

func (g *TimeSeriesGenerator) Validate(field domain.FieldSpec) error {
	startStr, ok := field.Options["start"].(string)
	if !ok {
		return errors.New("timeseries requires 'start' and 'step' options")
	}
	stepStr, ok := field.Options["step"].(string)
	if !ok {
		return errors.New("timeseries requires 'start' and 'step' options")
	}
	if _, err := timeutil.ParseRelativeTime(startStr, time.Now()); err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	if _, err := timeutil.ParseDuration(stepStr); err != nil {
		return fmt.Errorf("invalid step duration: %w", err)
	}
	return nil
}

func (g *TimeSeriesGenerator) Generate(rng *rand.Rand, ctx GeneratorContext) (interface{}, error) {
	startStr, ok := ctx.Options["start"].(string)
	if !ok {
		return nil, errors.New("'start' must be a string")
	}
	stepStr, ok := ctx.Options["step"].(string)
	if !ok {
		return nil, errors.New("'step' must be a string")
	}

	startTime, err := timeutil.ParseRelativeTime(startStr, ctx.Now)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	stepDuration, err := timeutil.ParseDuration(stepStr)
	if err != nil {
		return nil, fmt.Errorf("invalid step duration: %w", err)
	}

	timestamp := startTime.Add(time.Duration(ctx.RowIndex) * stepDuration)

	if jitterRaw, hasJitter := ctx.Options["jitter_seconds"]; hasJitter {
		jitterSeconds := toInt64(jitterRaw)
		if jitterSeconds > 0 {
			jitter := rng.Int63n(jitterSeconds*2) - jitterSeconds
			timestamp = timestamp.Add(time.Duration(jitter) * time.Second)
		}
	}

	return timestamp.UTC().Format(time.RFC3339), nil
}

func (g *TimeSeriesGenerator) Semantic() domain.SemanticType {
	return domain.SemanticDatetime
}
