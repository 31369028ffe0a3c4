package safeguard

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/indexpilot/indexpilot/internal/db"
	"github.com/indexpilot/indexpilot/internal/domain"
)

// BreakerTrigger selects which keys the breaker set tracks.
type BreakerTrigger string

const (
	TriggerTable BreakerTrigger = "table"
	TriggerError BreakerTrigger = "error"
	TriggerBoth  BreakerTrigger = "both"
)

// BreakerSet maintains one circuit breaker per table and one per error kind.
// Consecutive DDL failures open the matching circuit; while open, actions
// against that key are deferred. After the cooldown a single probe is let
// through (half-open) and its outcome closes or re-opens the circuit.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	trigger  BreakerTrigger
	failures uint32
	cooldown time.Duration
	log      zerolog.Logger
}

// NewBreakerSet creates a breaker set.
func NewBreakerSet(trigger BreakerTrigger, failures uint32, cooldown time.Duration, log zerolog.Logger) *BreakerSet {
	if trigger != TriggerTable && trigger != TriggerError {
		trigger = TriggerBoth
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		trigger:  trigger,
		failures: failures,
		cooldown: cooldown,
		log:      log.With().Str("component", "breaker").Logger(),
	}
}

// Allow checks every circuit relevant to a DDL action against the table: the
// table's own circuit and any error-kind circuit previous failures opened,
// whatever table they happened on. States are inspected before any circuit is
// entered, so a refused attempt never touches another circuit's counts. When
// the call is admitted, the returned done funcs must be invoked with the
// action's success once it completes; Report does that.
func (s *BreakerSet) Allow(table string, errKind string) (domain.GateOutcome, []func(bool)) {
	if key, open := s.openCircuit(table, errKind); open {
		return domain.GateOutcome{
			Decision: domain.GateDefer,
			Gate:     "circuit-breaker",
			Reason:   "circuit open for " + key,
		}, nil
	}

	var dones []func(bool)
	if s.trigger == TriggerTable || s.trigger == TriggerBoth {
		key := "table:" + table
		done, err := s.breakerFor(key).Allow()
		if err != nil {
			return domain.GateOutcome{
				Decision: domain.GateDefer,
				Gate:     "circuit-breaker",
				Reason:   "circuit open for " + key,
			}, nil
		}
		dones = append(dones, done)
	}
	return domain.GateOutcome{Decision: domain.GateAllow, Gate: "circuit-breaker"}, dones
}

// openCircuit reports the first open circuit guarding an action. Error-kind
// circuits are consulted by state only: they are charged after failures and
// credited after recoveries, never entered on admission.
func (s *BreakerSet) openCircuit(table, errKind string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trigger == TriggerTable || s.trigger == TriggerBoth {
		key := "table:" + table
		if cb, ok := s.breakers[key]; ok && cb.State() == gobreaker.StateOpen {
			return key, true
		}
	}
	if s.trigger == TriggerError || s.trigger == TriggerBoth {
		if errKind != "" {
			key := "error:" + errKind
			if cb, ok := s.breakers[key]; ok && cb.State() == gobreaker.StateOpen {
				return key, true
			}
		}
		keys := make([]string, 0, len(s.breakers))
		for key := range s.breakers {
			if strings.HasPrefix(key, "error:") {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			if s.breakers[key].State() == gobreaker.StateOpen {
				return key, true
			}
		}
	}
	return "", false
}

// Report closes out an Allow with the action's outcome. A failure is charged
// to the table circuit and to the circuit of the observed error kind, so a
// string of lock timeouts across different tables still opens a circuit. A
// success lets any half-open error-kind circuit close.
func (s *BreakerSet) Report(dones []func(bool), err error) {
	success := err == nil
	for _, done := range dones {
		done(success)
	}
	if s.trigger == TriggerTable {
		return
	}
	if err != nil {
		if kind := db.ErrorKind(err); kind != "" {
			s.chargeErrorKind(kind)
		}
		return
	}
	s.creditErrorKinds()
}

// chargeErrorKind records a failure on the error-kind circuit without the
// Allow/done handshake (the kind is only known after the failure).
func (s *BreakerSet) chargeErrorKind(kind string) {
	done, allowErr := s.breakerFor("error:" + kind).Allow()
	if allowErr != nil {
		return // already open
	}
	done(false)
}

// creditErrorKinds reports a success to every half-open error-kind circuit.
// The kind of a condition that did not recur is unknowable, so a successful
// action stands in as the probe for all recovering kinds.
func (s *BreakerSet) creditErrorKinds() {
	s.mu.Lock()
	var halfOpen []*gobreaker.TwoStepCircuitBreaker
	for key, cb := range s.breakers {
		if strings.HasPrefix(key, "error:") && cb.State() == gobreaker.StateHalfOpen {
			halfOpen = append(halfOpen, cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range halfOpen {
		done, err := cb.Allow()
		if err != nil {
			continue
		}
		done(true)
	}
}

func (s *BreakerSet) breakerFor(key string) *gobreaker.TwoStepCircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[key]
	if !ok {
		threshold := s.failures
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1, // single probe in half-open
			Timeout:     s.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.log.Warn().
					Str("circuit", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit state changed")
			},
		})
		s.breakers[key] = cb
	}
	return cb
}

// State returns a snapshot of circuit states for the health report.
func (s *BreakerSet) State() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for key, cb := range s.breakers {
		out[key] = cb.State().String()
	}
	return out
}
