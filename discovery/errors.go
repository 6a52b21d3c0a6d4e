package discovery

import (
	"errors"
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// ConnectivityError marks a failure that makes the whole endpoint
// unreachable. It is recoverable: the controller reacts with a backoff, not
// a crash.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// NodeReadError marks a failure scoped to a single node. The walker skips
// the node and carries on; it is never escalated past the walker.
type NodeReadError struct {
	NodeID string
	Err    error
}

func (e *NodeReadError) Error() string {
	return fmt.Sprintf("read node %s: %v", e.NodeID, e.Err)
}

func (e *NodeReadError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err aborts the whole discovery pass.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// nodeScopedStatus lists the OPC UA status codes that condemn a single node
// rather than the session. Anything else coming back from a browse or read
// is treated as a connectivity problem, which errs on the side of aborting
// the pass instead of silently dropping reachable nodes.
var nodeScopedStatus = map[ua.StatusCode]bool{
	ua.StatusBadNodeIDInvalid:        true,
	ua.StatusBadNodeIDUnknown:        true,
	ua.StatusBadAttributeIDInvalid:   true,
	ua.StatusBadNotReadable:          true,
	ua.StatusBadUserAccessDenied:     true,
	ua.StatusBadSecurityModeRejected: true,
}

func classifyNodeErr(endpoint, nodeID string, err error) error {
	var code ua.StatusCode
	if errors.As(err, &code) && nodeScopedStatus[code] {
		return &NodeReadError{NodeID: nodeID, Err: err}
	}
	return &ConnectivityError{Endpoint: endpoint, Err: err}
}
