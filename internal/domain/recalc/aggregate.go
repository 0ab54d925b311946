package recalc

import (
	"github.com/okian/worldsim/internal/domain/model"
)

const (
	economicBase  = 100.0
	economicScale = 25.0
	economicMax   = 200.0
)

func clamp(v, lo, hi float64) float64 { return min(max(v, lo), hi) }

// CityAggregate derives a city's figures from its active impacts. The result
// depends only on its arguments.
func CityAggregate(cityID string, ledgerVersion int64, active []model.ImpactRecord, crisis model.CrisisStatus, crisisVersion int64) model.CityAggregate {
	agg := model.CityAggregate{
		CityID:        cityID,
		LedgerVersion: ledgerVersion,
		ActiveImpacts: len(active),
		Profile:       make(map[model.EffectType]float64, len(model.EffectTypes)),
		CrisisStatus:  crisis,
		CrisisVersion: crisisVersion,
	}
	for _, t := range model.EffectTypes {
		agg.Profile[t] = 0
	}
	var mood float64
	moodCount := 0
	for i := range active {
		rec := &active[i]
		signed := rec.Magnitude * rec.Severity.Weight()
		agg.Pressure += rec.Pressure()
		agg.Profile[rec.EffectType] += signed
		if rec.EffectType == model.EffectSocial || rec.EffectType == model.EffectCultural {
			mood += signed
			moodCount++
		}
	}
	agg.EconomicIndex = clamp(economicBase+economicScale*agg.Profile[model.EffectEconomic], 0, economicMax)
	agg.PopulationSentiment = clamp(mood/float64(max(1, moodCount)), -1, 1)
	return agg
}

// FactionAggregate derives a faction's figures from the impacts it sourced
// and the current control of every region.
func FactionAggregate(factionID string, ledgerVersion, controlVersion int64, active []model.ImpactRecord, regions []model.RegionControl) model.FactionAggregate {
	agg := model.FactionAggregate{
		FactionID:      factionID,
		LedgerVersion:  ledgerVersion,
		ControlVersion: controlVersion,
		ActiveImpacts:  len(active),
		Trend:          model.TrendStable,
	}
	trends := map[model.Trend]int{}
	var stability float64
	for i := range regions {
		rc := &regions[i]
		agg.TotalControl += rc.Scores[factionID]
		if rc.OwnerFactionID != factionID {
			continue
		}
		agg.RegionsOwned++
		stability += rc.Stability
		trends[rc.Trend]++
	}
	if agg.RegionsOwned > 0 {
		agg.MeanStability = stability / float64(agg.RegionsOwned)
	}
	switch {
	case trends[model.TrendRising] > trends[model.TrendFalling] && trends[model.TrendRising] > trends[model.TrendStable]:
		agg.Trend = model.TrendRising
	case trends[model.TrendFalling] > trends[model.TrendRising] && trends[model.TrendFalling] > trends[model.TrendStable]:
		agg.Trend = model.TrendFalling
	}
	return agg
}
