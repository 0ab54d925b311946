package recalc

import (
	"fmt"

	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/internal/domain/topology"
)

// Expand turns a scope and its parameters into the ordered, de-duplicated
// unit list a job walks. Unknown city and faction ids are kept so the job
// records them as unit failures.
func Expand(dir topology.Directory, scope model.JobScope, p model.JobParams) ([]model.Unit, error) {
	const op = "recalc.expand"
	var units []model.Unit
	switch scope {
	case model.ScopeGlobal:
		units = global(dir)
	case model.ScopeCities:
		if len(p.CityIDs) == 0 {
			return nil, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: city_ids is empty", ErrEmptyScope))
		}
		units = explicit(model.UnitCity, p.CityIDs)
	case model.ScopeFactions:
		if len(p.FactionIDs) == 0 {
			return nil, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: faction_ids is empty", ErrEmptyScope))
		}
		units = explicit(model.UnitFaction, p.FactionIDs)
	case model.ScopeCustom:
		for _, id := range p.RegionIDs {
			if !dir.HasRegion(id) {
				return nil, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrUnknownRegion, id))
			}
		}
		units = append(units, explicit(model.UnitCity, append(topology.CitiesIn(dir, p.RegionIDs), p.CityIDs...))...)
		units = append(units, explicit(model.UnitFaction, append(topology.FactionsIn(dir, p.RegionIDs), p.FactionIDs...))...)
		if len(units) == 0 && p.Predicate != nil {
			units = global(dir)
		}
		if p.Predicate != nil {
			kept := units[:0]
			for _, u := range units {
				if p.Predicate(u) {
					kept = append(kept, u)
				}
			}
			units = kept
		}
		if len(units) == 0 {
			return nil, failure.WrapKind(op, failure.ErrValidation, ErrEmptyScope)
		}
	default:
		return nil, failure.WrapKind(op, failure.ErrValidation, fmt.Errorf("%w: %q", ErrBadScope, scope))
	}
	return dedupe(units), nil
}

func global(dir topology.Directory) []model.Unit {
	units := explicit(model.UnitCity, dir.Cities())
	return append(units, explicit(model.UnitFaction, dir.Factions())...)
}

func explicit(kind model.UnitKind, ids []string) []model.Unit {
	out := make([]model.Unit, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Unit{Kind: kind, ID: id})
	}
	return out
}

func dedupe(units []model.Unit) []model.Unit {
	seen := make(map[string]struct{}, len(units))
	out := make([]model.Unit, 0, len(units))
	for _, u := range units {
		if _, ok := seen[u.Key()]; ok {
			continue
		}
		seen[u.Key()] = struct{}{}
		out = append(out, u)
	}
	return out
}
