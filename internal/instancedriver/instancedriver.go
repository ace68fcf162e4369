// Package instancedriver abstracts the cloud provider that owns the VMs a
// Pool schedules onto. The conductor core never imports a cloud SDK
// directly; it only ever sees this interface, so a new provider is a new
// InstanceDriver implementation, not a change to pool, minion, or backend.
package instancedriver

// Instance is a discovered cloud VM: enough to construct a Minion and
// nothing more. InstanceDriver implementations are expected to filter out
// instances in a terminal state themselves.
type Instance struct {
	ID           string
	Name         string
	InstanceType string
	IP           string
}

// InstanceDriver is the external collaborator that turns a desired minion
// state into an actual API call against a fleet of cloud VMs.
//
// Implementations must be safe for concurrent use; Backend may poll several
// minions belonging to the same driver concurrently.
type InstanceDriver interface {
	// FindInstances returns every non-terminated instance whose tags match
	// all of the given key/value pairs, ordered however the provider
	// returns them (callers are responsible for any ordering they need).
	FindInstances(tags map[string]string) ([]Instance, error)

	// DescribeInstance returns the provider's lifecycle state for id
	// (one of the minion.State* constants) and its current private IP.
	DescribeInstance(id string) (state string, ip string, err error)

	// StartInstance requests that a stopped instance begin booting.
	StartInstance(id string) error

	// StopInstance requests that a running instance begin shutting down.
	StopInstance(id string) error

	// MemoryMiB returns the amount of RAM, in MiB, that instances of the
	// given instance type carry. It is used to size pools by RAM class
	// without having to query the provider for every instance.
	MemoryMiB(instanceType string) (int, bool)
}
