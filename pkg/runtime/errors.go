package runtime

import "errors"

// Error kinds recognized at the core boundary. LeafViolation,
// PrivilegeViolation and RegionDependence surface synchronously at the call
// site; poisoned outcomes flow asynchronously through events instead.
var (
	// ErrLeafViolation is returned when a leaf task attempts to launch a
	// child operation.
	ErrLeafViolation = errors.New("leaf violation: leaf task may not launch child operations")

	// ErrPrivilegeViolation is returned when a child requires privileges its
	// parent does not hold, or a field outside the parent's requirement.
	ErrPrivilegeViolation = errors.New("privilege violation")

	// ErrRegionDependence is returned when two operations conflict in a way
	// the current coherence mode does not allow.
	ErrRegionDependence = errors.New("region dependence violation")

	// ErrResourceLeak reports created handles not destroyed before their
	// context ended. Surfaced as a teardown warning, not a failure.
	ErrResourceLeak = errors.New("resource leak")

	// ErrUnknownTask is returned when launching an unregistered task id.
	ErrUnknownTask = errors.New("unknown task id")

	// ErrNoVariant is returned when no registered variant of a task fits
	// the launch constraints.
	ErrNoVariant = errors.New("no suitable task variant")

	// ErrTraceMismatch is returned when end_trace does not match the
	// innermost begin_trace.
	ErrTraceMismatch = errors.New("mismatched begin/end trace")

	// ErrShutdown is returned when submitting work to a stopped runtime.
	ErrShutdown = errors.New("runtime is shut down")
)
