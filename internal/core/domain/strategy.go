package domain

// =============================================================================
// Deployment Strategy
// =============================================================================

// Strategy is the deployment mechanism chosen for a run.
type Strategy string

const (
	// StrategyUnknown is the zero value; it is never a valid detection result.
	StrategyUnknown         Strategy = ""
	StrategySingleContainer Strategy = "single-container"
	StrategyCompose         Strategy = "compose"
)

// IsValid checks if the strategy is one of the two deployable strategies.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySingleContainer, StrategyCompose:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if s == StrategyUnknown {
		return "unknown"
	}
	return string(s)
}
