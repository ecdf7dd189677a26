package domain

// =============================================================================
// Pipeline Stages
// =============================================================================

// Stage is one discrete step of a deploy or cleanup run.
type Stage string

const (
	StageInit      Stage = "init"
	StageFetch     Stage = "fetch"
	StageDetect    Stage = "detect"
	StageConnect   Stage = "connect"
	StageProvision Stage = "provision"
	StageTransfer  Stage = "transfer"
	StageDeploy    Stage = "deploy"
	StageProxy     Stage = "proxy"
	StageValidate  Stage = "validate"
	StageCleanup   Stage = "cleanup"
	StageDone      Stage = "done"
)

// DeployStages is the ordered stage sequence of a deploy run.
var DeployStages = []Stage{
	StageInit,
	StageFetch,
	StageDetect,
	StageConnect,
	StageProvision,
	StageTransfer,
	StageDeploy,
	StageProxy,
	StageValidate,
	StageDone,
}

// CleanupStages is the ordered stage sequence of a cleanup run.
var CleanupStages = []Stage{
	StageInit,
	StageConnect,
	StageCleanup,
	StageDone,
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}

// IsTerminal reports whether no stage follows s.
func (s Stage) IsTerminal() bool {
	return s == StageDone
}

// NextIn returns the stage that follows s in the given sequence.
// ok is false when s is terminal or not part of the sequence.
func (s Stage) NextIn(sequence []Stage) (next Stage, ok bool) {
	for i, st := range sequence {
		if st == s {
			if i+1 < len(sequence) {
				return sequence[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// CanTransition reports whether moving from one stage to another follows the sequence.
func CanTransition(sequence []Stage, from, to Stage) bool {
	next, ok := from.NextIn(sequence)
	return ok && next == to
}
