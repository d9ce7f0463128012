package accounting

import "fmt"

type GuardConfig struct {
	// CeilingMinutes is the most a device can accumulate in one logical day.
	// A total strictly above it is treated as corrupt and reset.
	CeilingMinutes int
	// ResetSeedMax bounds the minutes credited right after a reset.
	ResetSeedMax int
	// LegacyMaxDelta is the largest forward step trusted from an absolute counter.
	LegacyMaxDelta int
	// LegacyRestartMax is the largest regressed value still read as an agent restart.
	LegacyRestartMax int
	// ImplausibleSeed is the largest first absolute value trusted as a seed.
	ImplausibleSeed int
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CeilingMinutes:   960,
		ResetSeedMax:     60,
		LegacyMaxDelta:   5,
		LegacyRestartMax: 5,
		ImplausibleSeed:  600,
	}
}

// GuardState is the slice of an accumulator entry the guard needs.
type GuardState struct {
	Total        int
	LastReported int
	HasReported  bool
}

type Action int

const (
	ActionApply Action = iota
	ActionReset
	ActionCap
)

func (a Action) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionReset:
		return "reset"
	case ActionCap:
		return "cap"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the guard's verdict on a single signal. For ActionReset, Delta
// is the seed credited after the reset.
type Decision struct {
	Action  Action
	Delta   int
	Anomaly *AnomalyDetected
}

type Guard struct {
	cfg GuardConfig
}

func NewGuard(cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.CeilingMinutes <= 0 {
		cfg.CeilingMinutes = def.CeilingMinutes
	}
	if cfg.ResetSeedMax <= 0 {
		cfg.ResetSeedMax = def.ResetSeedMax
	}
	if cfg.LegacyMaxDelta <= 0 {
		cfg.LegacyMaxDelta = def.LegacyMaxDelta
	}
	if cfg.LegacyRestartMax <= 0 {
		cfg.LegacyRestartMax = def.LegacyRestartMax
	}
	if cfg.ImplausibleSeed <= 0 {
		cfg.ImplausibleSeed = def.ImplausibleSeed
	}
	return &Guard{cfg: cfg}
}

func (g *Guard) Config() GuardConfig { return g.cfg }

// Evaluate decides how many minutes a signal may add to state.Total. It has
// no side effects; the caller applies the decision.
func (g *Guard) Evaluate(state GuardState, sig AgentSignal) Decision {
	ceiling := g.cfg.CeilingMinutes

	if state.Total > ceiling {
		seed := clamp(sig.minutes(), 1, g.cfg.ResetSeedMax)
		return Decision{
			Action: ActionReset,
			Delta:  seed,
			Anomaly: &AnomalyDetected{
				Kind:   AnomalyAbsurdTotal,
				Detail: fmt.Sprintf("total %d exceeds ceiling %d, restarting from %d", state.Total, ceiling, seed),
			},
		}
	}
	if state.Total >= ceiling {
		return Decision{Action: ActionCap}
	}

	var d Decision
	switch s := sig.(type) {
	case LegacyAbsolute:
		d = g.legacyDelta(state, s.CumulativeMinutes)
	case Incremental:
		d = Decision{Action: ActionApply, Delta: max(s.Minutes, 0)}
	default:
		d = Decision{Action: ActionApply}
	}

	if state.Total+d.Delta > ceiling {
		capped := ceiling - state.Total
		d.Anomaly = &AnomalyDetected{
			Kind:   AnomalyCapReached,
			Detail: fmt.Sprintf("delta %d clamped to %d at ceiling %d", d.Delta, capped, ceiling),
		}
		d.Delta = capped
	}
	return d
}

func (g *Guard) legacyDelta(state GuardState, reported int) Decision {
	if !state.HasReported {
		switch {
		case reported > g.cfg.ImplausibleSeed:
			return Decision{
				Action: ActionApply,
				Delta:  1,
				Anomaly: &AnomalyDetected{
					Kind:   AnomalyImplausibleSeed,
					Detail: fmt.Sprintf("first counter value %d above %d", reported, g.cfg.ImplausibleSeed),
				},
			}
		case reported <= 0:
			return Decision{Action: ActionApply}
		case reported > state.Total:
			return Decision{Action: ActionApply, Delta: reported - state.Total}
		default:
			return Decision{Action: ActionApply, Delta: 1}
		}
	}

	last := state.LastReported
	switch {
	case reported == last:
		return Decision{Action: ActionApply}
	case reported > last:
		delta := reported - last
		if delta <= g.cfg.LegacyMaxDelta {
			return Decision{Action: ActionApply, Delta: delta}
		}
		return Decision{
			Action: ActionApply,
			Delta:  1,
			Anomaly: &AnomalyDetected{
				Kind:   AnomalyLegacyJump,
				Detail: fmt.Sprintf("counter jumped %d -> %d", last, reported),
			},
		}
	case reported <= g.cfg.LegacyRestartMax:
		return Decision{
			Action: ActionApply,
			Delta:  1,
			Anomaly: &AnomalyDetected{
				Kind:   AnomalyLegacyRestart,
				Detail: fmt.Sprintf("counter restarted %d -> %d", last, reported),
			},
		}
	default:
		return Decision{
			Action: ActionApply,
			Delta:  1,
			Anomaly: &AnomalyDetected{
				Kind:   AnomalyLegacyRegression,
				Detail: fmt.Sprintf("counter regressed %d -> %d", last, reported),
			},
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
