package output

import "github.com/ericogr/nanosense/pkg/poller"

// Output receives every published acquisition cycle.
type Output interface {
	Publish(poller.Cycle) error
	Close() error
}

// helper constructors are in subpackages
