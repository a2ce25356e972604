package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// reNodeID is a regexp for valid node IDs.
var reNodeID = regexp.MustCompile(`^[0-9a-z_\-.]{1,64}$`)

// NodeID identifies a connected peer. Transports are free to pick their own
// naming schema as long as it is lowercased and unique per connection.
type NodeID string

// NewNodeID returns a lowercased (normalized) NodeID, or errors if the
// node ID is invalid.
func NewNodeID(nodeID string) (NodeID, error) {
	n := NodeID(strings.ToLower(nodeID))
	return n, n.Validate()
}

// Validate validates the NodeID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case !reNodeID.MatchString(string(id)):
		return fmt.Errorf("invalid node ID %q", string(id))

	default:
		return nil
	}
}
