package main

import (
	"errors"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/shell/git"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitUsage   = 2

	ExitRepoURLInvalid = 10
	ExitTokenMissing   = 11
	ExitBranchInvalid  = 12
	ExitUserInvalid    = 13
	ExitHostInvalid    = 14
	ExitKeyFileMissing = 15
	ExitPortInvalid    = 16

	ExitCloneFailed    = 20
	ExitFetchFailed    = 21
	ExitCheckoutFailed = 22
	ExitPullFailed     = 23

	ExitProjectStructure = 30

	ExitSSHConnect = 40
	ExitSSHAuth    = 41

	ExitProvisioning = 50
	ExitTransfer     = 51
	ExitDeployment   = 52
	ExitProxy        = 53

	ExitValidation = 60

	ExitUnexpected = 99
)

var inputExitCodes = []struct {
	err  error
	code int
}{
	{domain.ErrRepoURLInvalid, ExitRepoURLInvalid},
	{domain.ErrTokenRequired, ExitTokenMissing},
	{domain.ErrBranchInvalid, ExitBranchInvalid},
	{domain.ErrUserInvalid, ExitUserInvalid},
	{domain.ErrHostInvalid, ExitHostInvalid},
	{domain.ErrKeyFileMissing, ExitKeyFileMissing},
	{domain.ErrPortInvalid, ExitPortInvalid},
}

var repositoryExitCodes = []struct {
	err  error
	code int
}{
	{git.ErrClone, ExitCloneFailed},
	{git.ErrFetch, ExitFetchFailed},
	{git.ErrCheckout, ExitCheckoutFailed},
	{git.ErrPull, ExitPullFailed},
}

// InputExitCode maps a configuration validation error to its exit code.
func InputExitCode(err error) int {
	for _, m := range inputExitCodes {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return ExitUnexpected
}

// ExitCode maps the outcome of a run to the process exit code.
func ExitCode(o domain.PipelineOutcome) int {
	if o.Succeeded() {
		return ExitSuccess
	}

	switch o.Kind {
	case domain.KindInput:
		return InputExitCode(o.Err)
	case domain.KindRepository:
		for _, m := range repositoryExitCodes {
			if o.Is(m.err) {
				return m.code
			}
		}
		return ExitCloneFailed
	case domain.KindPrecondition:
		return ExitProjectStructure
	case domain.KindConnectivity:
		if o.Is(remote.ErrAuthentication) {
			return ExitSSHAuth
		}
		return ExitSSHConnect
	case domain.KindProvisioning:
		return ExitProvisioning
	case domain.KindTransfer:
		return ExitTransfer
	case domain.KindDeployment:
		return ExitDeployment
	case domain.KindProxyConfig:
		return ExitProxy
	case domain.KindValidationHard, domain.KindValidationSoft:
		return ExitValidation
	default:
		return ExitUnexpected
	}
}
