package main

import (
	"errors"

	"github.com/acms-dev/acms/runtime/orchestrator"
)

// exitCodeFor maps a run error onto spec.md §6's process exit codes: 0 is
// handled by the caller (no error), 1 for an ordinary run failure reported
// without an error, 2 for invalid plan input, 3 for infrastructure errors.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var invalid *orchestrator.ErrInvalidPlan
	if errors.As(err, &invalid) {
		return 2
	}
	var infra *orchestrator.ErrInfrastructure
	if errors.As(err, &infra) {
		return 3
	}
	return 1
}
