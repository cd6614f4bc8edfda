package versioning

import (
	"sort"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/timeutil"
)

// ComputeDeletable returns the ids the policy allows to delete, oldest
// version first. It has no side effects.
//
// keep-last N keeps the N highest numbers regardless of age. keep-days D
// selects every version created strictly before now minus D days, the
// current one included unless KeepCurrent is set. keep-all and a nil policy
// select nothing.
func ComputeDeletable(versions []domain.DataVersion, policy *domain.RetentionPolicy, now time.Time) []string {
	if policy == nil || len(versions) == 0 {
		return nil
	}
	sorted := make([]domain.DataVersion, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	var out []domain.DataVersion
	switch policy.Strategy {
	case domain.RetentionKeepLast:
		if policy.Value < 1 || len(sorted) <= policy.Value {
			return nil
		}
		out = sorted[policy.Value:]
	case domain.RetentionKeepDays:
		if policy.Value < 0 {
			return nil
		}
		cutoff := timeutil.DaysBefore(now, policy.Value)
		for i, v := range sorted {
			if i == 0 && policy.KeepCurrent {
				continue
			}
			if v.CreatedAt.Before(cutoff) {
				out = append(out, v)
			}
		}
	default:
		return nil
	}

	ids := make([]string, 0, len(out))
	for i := len(out) - 1; i >= 0; i-- {
		ids = append(ids, out[i].ID)
	}
	return ids
}
