package agentloop

import "fmt"

// ProvisioningError reports a failure to create or reach a run's sandbox.
// Step names the step that failed.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision sandbox (%s): %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
