// Package bypass implements the layered kill switches: individual features,
// whole components, the entire system, and the startup bypass that prevents
// any automatic activity until explicitly lifted. Checks are cheap enough to
// sit on every hot path.
package bypass

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level orders the bypass scopes. A broader level implies every narrower one.
type Level int

const (
	// LevelFeature disables one named feature ("redundancy-pruning").
	LevelFeature Level = iota + 1
	// LevelComponent disables a whole component ("engine", "maintenance").
	LevelComponent
	// LevelSystem halts every automatic action; observation continues.
	LevelSystem
	// LevelStartup is the boot-time system bypass set via environment. It is
	// lifted only by an explicit operator action, never by a timer.
	LevelStartup
)

func (l Level) String() string {
	switch l {
	case LevelFeature:
		return "feature"
	case LevelComponent:
		return "component"
	case LevelSystem:
		return "system"
	case LevelStartup:
		return "startup"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Switch is the shared bypass registry.
type Switch struct {
	mu         sync.RWMutex
	features   map[string]bool
	components map[string]bool
	system     bool
	startup    bool
	log        zerolog.Logger
}

// New creates a switch with nothing bypassed.
func New(log zerolog.Logger) *Switch {
	return &Switch{
		features:   make(map[string]bool),
		components: make(map[string]bool),
		log:        log.With().Str("component", "bypass").Logger(),
	}
}

// ParseStartup applies the boot-time bypass spec, a comma-separated list of
// "system", "component:<name>" or "feature:<name>" items. The bare word
// "startup" (or "system") engages the startup bypass.
func (s *Switch) ParseStartup(spec string) error {
	if spec == "" {
		return nil
	}
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
		case item == "startup" || item == "system":
			s.mu.Lock()
			s.startup = true
			s.mu.Unlock()
			s.log.Warn().Msg("Startup bypass engaged; no automatic actions until lifted")
		case strings.HasPrefix(item, "component:"):
			s.SetComponent(strings.TrimPrefix(item, "component:"), true)
		case strings.HasPrefix(item, "feature:"):
			s.SetFeature(strings.TrimPrefix(item, "feature:"), true)
		default:
			return fmt.Errorf("invalid bypass spec item %q", item)
		}
	}
	return nil
}

// Allowed reports whether a feature of a component may act. Broader bypasses
// win: startup and system bypass everything, a component bypass covers all
// its features.
func (s *Switch) Allowed(component, feature string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startup || s.system {
		return false
	}
	if component != "" && s.components[component] {
		return false
	}
	if feature != "" && s.features[feature] {
		return false
	}
	return true
}

// SetFeature toggles a feature bypass.
func (s *Switch) SetFeature(name string, bypassed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bypassed {
		s.features[name] = true
	} else {
		delete(s.features, name)
	}
	s.log.Info().Str("feature", name).Bool("bypassed", bypassed).Msg("Feature bypass changed")
}

// SetComponent toggles a component bypass.
func (s *Switch) SetComponent(name string, bypassed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bypassed {
		s.components[name] = true
	} else {
		delete(s.components, name)
	}
	s.log.Info().Str("component_name", name).Bool("bypassed", bypassed).Msg("Component bypass changed")
}

// SetSystem toggles the system-wide bypass.
func (s *Switch) SetSystem(bypassed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = bypassed
	s.log.Warn().Bool("bypassed", bypassed).Msg("System bypass changed")
}

// LiftStartup clears the startup bypass. Explicit operator action only.
func (s *Switch) LiftStartup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startup {
		s.startup = false
		s.log.Warn().Msg("Startup bypass lifted")
	}
}

// State is the effective bypass set for the read API.
type State struct {
	Startup    bool     `json:"startup"`
	System     bool     `json:"system"`
	Components []string `json:"components"`
	Features   []string `json:"features"`
}

// Snapshot returns the effective bypass set.
func (s *Switch) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{Startup: s.startup, System: s.system}
	for c := range s.components {
		st.Components = append(st.Components, c)
	}
	for f := range s.features {
		st.Features = append(st.Features, f)
	}
	sort.Strings(st.Components)
	sort.Strings(st.Features)
	return st
}
