// Package topology answers questions about the world map: which cities,
// factions, regions and characters exist and how cities nest in regions.
package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrInvalidTopology is returned when a Spec is internally inconsistent.
var ErrInvalidTopology = errors.New("invalid topology")

// Directory is the read-only world topology the core consults.
type Directory interface {
	HasCity(id string) bool
	HasFaction(id string) bool
	HasRegion(id string) bool
	HasCharacter(id string) bool
	RegionOfCity(cityID string) (string, bool)
	Cities() []string
	Factions() []string
	Regions() []string
	Region(id string) (Region, bool)
}

// Region is one controllable region and the cities inside it.
type Region struct {
	ID     string         `koanf:"id" yaml:"id" json:"id"`
	Cities []string       `koanf:"cities" yaml:"cities" json:"cities"`
	Owner  string         `koanf:"owner" yaml:"owner" json:"owner"`
	Scores map[string]int `koanf:"scores" yaml:"scores" json:"scores"`
}

// Spec is the declarative topology loaded from config or scenario files.
type Spec struct {
	Regions    []Region `koanf:"regions" yaml:"regions" json:"regions"`
	Factions   []string `koanf:"factions" yaml:"factions" json:"factions"`
	Characters []string `koanf:"characters" yaml:"characters" json:"characters,omitempty"`
}

// Static is an immutable Directory built from a Spec.
type Static struct {
	cityRegion map[string]string
	regions    map[string]Region
	factions   map[string]struct{}
	characters map[string]struct{}
	cities     []string
	factionIDs []string
	regionIDs  []string
}

// NewStatic validates spec and builds a Directory from it. An empty
// character roster accepts every character id.
func NewStatic(spec Spec) (*Static, error) {
	s := &Static{
		cityRegion: make(map[string]string),
		regions:    make(map[string]Region, len(spec.Regions)),
		factions:   make(map[string]struct{}, len(spec.Factions)),
		characters: make(map[string]struct{}, len(spec.Characters)),
	}
	for _, f := range spec.Factions {
		if f == "" {
			return nil, fmt.Errorf("%w: empty faction id", ErrInvalidTopology)
		}
		s.factions[f] = struct{}{}
	}
	for _, r := range spec.Regions {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: empty region id", ErrInvalidTopology)
		}
		if _, dup := s.regions[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate region %q", ErrInvalidTopology, r.ID)
		}
		for _, c := range r.Cities {
			if prev, dup := s.cityRegion[c]; dup {
				return nil, fmt.Errorf("%w: city %q in regions %q and %q", ErrInvalidTopology, c, prev, r.ID)
			}
			s.cityRegion[c] = r.ID
		}
		for f, score := range r.Scores {
			if _, ok := s.factions[f]; !ok {
				return nil, fmt.Errorf("%w: region %q scores unknown faction %q", ErrInvalidTopology, r.ID, f)
			}
			if score < -100 || score > 100 {
				return nil, fmt.Errorf("%w: region %q score %d out of range", ErrInvalidTopology, r.ID, score)
			}
		}
		if r.Owner != "" {
			if _, ok := s.factions[r.Owner]; !ok {
				return nil, fmt.Errorf("%w: region %q owned by unknown faction %q", ErrInvalidTopology, r.ID, r.Owner)
			}
		}
		r.Cities = slices.Clone(r.Cities)
		scores := make(map[string]int, len(r.Scores))
		for f, v := range r.Scores {
			scores[f] = v
		}
		r.Scores = scores
		s.regions[r.ID] = r
	}
	for _, c := range spec.Characters {
		s.characters[c] = struct{}{}
	}

	s.cities = sortedKeys(s.cityRegion)
	s.factionIDs = sortedKeys(s.factions)
	s.regionIDs = sortedKeys(s.regions)
	return s, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Static) HasCity(id string) bool {
	_, ok := s.cityRegion[id]
	return ok
}

func (s *Static) HasFaction(id string) bool {
	_, ok := s.factions[id]
	return ok
}

func (s *Static) HasRegion(id string) bool {
	_, ok := s.regions[id]
	return ok
}

func (s *Static) HasCharacter(id string) bool {
	if id == "" {
		return false
	}
	if len(s.characters) == 0 {
		return true
	}
	_, ok := s.characters[id]
	return ok
}

func (s *Static) RegionOfCity(cityID string) (string, bool) {
	r, ok := s.cityRegion[cityID]
	return r, ok
}

func (s *Static) Cities() []string   { return slices.Clone(s.cities) }
func (s *Static) Factions() []string { return slices.Clone(s.factionIDs) }
func (s *Static) Regions() []string  { return slices.Clone(s.regionIDs) }

// Region returns a copy of the region definition.
func (s *Static) Region(id string) (Region, bool) {
	r, ok := s.regions[id]
	if !ok {
		return Region{}, false
	}
	r.Cities = slices.Clone(r.Cities)
	scores := make(map[string]int, len(r.Scores))
	for f, v := range r.Scores {
		scores[f] = v
	}
	r.Scores = scores
	return r, true
}

// CitiesIn returns the cities of the given regions, sorted and unique.
func CitiesIn(d Directory, regionIDs []string) []string {
	set := map[string]struct{}{}
	for _, id := range regionIDs {
		r, ok := d.Region(id)
		if !ok {
			continue
		}
		for _, c := range r.Cities {
			set[c] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// FactionsIn returns the factions holding a score or ownership in the given regions.
func FactionsIn(d Directory, regionIDs []string) []string {
	set := map[string]struct{}{}
	for _, id := range regionIDs {
		r, ok := d.Region(id)
		if !ok {
			continue
		}
		if r.Owner != "" {
			set[r.Owner] = struct{}{}
		}
		for f := range r.Scores {
			set[f] = struct{}{}
		}
	}
	return sortedKeys(set)
}
