package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind classifies a failure by the policy the pipeline applies to it.
type Kind int

const (
	KindUnexpected Kind = iota
	KindInput
	KindRepository
	KindPrecondition
	KindConnectivity
	KindProvisioning
	KindTransfer
	KindDeployment
	KindProxyConfig
	KindValidationHard
	KindValidationSoft
)

var kindNames = map[Kind]string{
	KindUnexpected:     "unexpected",
	KindInput:          "input-validation",
	KindRepository:     "repository",
	KindPrecondition:   "precondition",
	KindConnectivity:   "connectivity",
	KindProvisioning:   "provisioning",
	KindTransfer:       "transfer",
	KindDeployment:     "deployment",
	KindProxyConfig:    "proxy-configuration",
	KindValidationHard: "validation-hard",
	KindValidationSoft: "validation-soft",
}

// String returns the kind name used in logs and history records.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsFatal reports whether a failure of this kind aborts the pipeline.
// Only soft validation failures are downgraded to warnings.
func (k Kind) IsFatal() bool {
	return k != KindValidationSoft
}

// =============================================================================
// Stage Error
// =============================================================================

// ErrStageTransition is returned when the pipeline attempts an out-of-order stage.
var ErrStageTransition = errors.New("invalid stage transition")

// StageError is the typed failure a pipeline stage reports at its boundary.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stage Stage, kind Kind, err error) *StageError {
	return &StageError{
		Stage: stage,
		Kind:  kind,
		Err:   err,
	}
}

// KindOf extracts the failure kind from an error chain.
// Errors that never crossed a stage boundary are unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	var sErr *StageError
	if errors.As(err, &sErr) {
		return sErr.Kind
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return KindInput
	}
	return KindUnexpected
}
