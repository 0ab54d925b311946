// Package scenario replays a scripted sequence of world events through an
// in-process core on a simulated clock and renders the resulting state.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/okian/worldsim/internal/domain/topology"
	"gopkg.in/yaml.v3"
)

// Step kinds.
const (
	KindImpact   = "impact"
	KindResolve  = "resolve"
	KindShift    = "shift"
	KindXP       = "xp"
	KindMitigate = "mitigate"
	KindAdvance  = "advance"
	KindRecalc   = "recalc"
)

// ExpectOK is the expectation of a step that must succeed.
const ExpectOK = "ok"

// crisisRefPrefix marks an evidence reference to a city's crisis, e.g. "crisis:aldport".
const crisisRefPrefix = "crisis:"

// File is a scenario document.
type File struct {
	Name     string         `yaml:"name"`
	Start    time.Time      `yaml:"start"`
	Topology *topology.Spec `yaml:"topology"`
	Steps    []Step         `yaml:"steps"`
}

// Step is one scripted action. Only the fields relevant to Kind are read.
type Step struct {
	Kind string `yaml:"kind"`
	// Ref names the impact recorded by an impact step so later steps can refer to it.
	Ref string `yaml:"ref"`
	// Expect, when set, is the failure code the step must produce, or "ok".
	Expect string `yaml:"expect"`
	Actor  string `yaml:"actor"`

	City       string        `yaml:"city"`
	Faction    string        `yaml:"faction"`
	EffectType string        `yaml:"effect_type"`
	Severity   string        `yaml:"severity"`
	Magnitude  float64       `yaml:"magnitude"`
	DecayAfter time.Duration `yaml:"decay_after"`
	Triggers   []string      `yaml:"triggers"`

	Region   string   `yaml:"region"`
	Owner    string   `yaml:"owner"`
	Trigger  string   `yaml:"trigger"`
	Delta    int      `yaml:"delta"`
	Evidence []string `yaml:"evidence"`

	Character string  `yaml:"character"`
	Skill     string  `yaml:"skill"`
	Amount    float64 `yaml:"amount"`
	RequestID string  `yaml:"request_id"`

	Title   string   `yaml:"title"`
	Actions []string `yaml:"actions"`

	Duration time.Duration `yaml:"duration"`

	Scope    string   `yaml:"scope"`
	Cities   []string `yaml:"cities"`
	Factions []string `yaml:"factions"`
	Regions  []string `yaml:"regions"`
	Force    bool     `yaml:"force"`
}

// Load reads a scenario from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	return Parse(data)
}

// Parse decodes and checks a scenario document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidStep)
	}
	refs := make(map[string]struct{})
	for i, s := range f.Steps {
		switch s.Kind {
		case KindImpact:
			if s.Ref != "" {
				if _, dup := refs[s.Ref]; dup {
					return fmt.Errorf("%w: step %d: duplicate ref %q", ErrInvalidStep, i+1, s.Ref)
				}
				refs[s.Ref] = struct{}{}
			}
		case KindResolve:
			if s.Ref == "" {
				return fmt.Errorf("%w: step %d: resolve needs a ref", ErrInvalidStep, i+1)
			}
		case KindAdvance:
			if s.Duration <= 0 {
				return fmt.Errorf("%w: step %d: advance needs a positive duration", ErrInvalidStep, i+1)
			}
		case KindShift, KindXP, KindMitigate, KindRecalc:
		default:
			return fmt.Errorf("%w: step %d: unknown kind %q", ErrInvalidStep, i+1, s.Kind)
		}
	}
	return nil
}
