// Package status defines the exhaustive client-visible status set. It
// is its own package (rather than living in the root metaring package)
// so that internal/pending and internal/engine can depend on it without
// the root package having to sit underneath them.
package status

import "github.com/jsp-lqk/metaring/internal/wire"

// Status is the outcome a continuation receives. The zero value is never
// a valid status; every code path that completes a pending operation
// picks one of the named constants below.
type Status int

const (
	// Success: operation applied; for get, values are returned.
	Success Status = iota + 1
	// NotFound: key absent.
	NotFound
	// WrongArity: payload doesn't match the space's schema.
	WrongArity
	// NotASpace: space name unknown under the current topology.
	NotASpace
	// BadDimension: update names an attribute not in the schema.
	BadDimension
	// CoordFail: cannot reach or maintain the coordinator link.
	CoordFail
	// ServerError: the server returned an error, or the reply was
	// undecodable, or its type was unexpected.
	ServerError
	// Disconnect: channel failure before a reply was received.
	Disconnect
	// ConnectFail: cannot open a channel to the destination instance.
	ConnectFail
	// Reconfigure: topology changed; this pending's destination is no
	// longer correct, the caller should retry.
	Reconfigure
	// LogicError: a programmer or environment contract was violated.
	LogicError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NotFound:
		return "NotFound"
	case WrongArity:
		return "WrongArity"
	case NotASpace:
		return "NotASpace"
	case BadDimension:
		return "BadDimension"
	case CoordFail:
		return "CoordFail"
	case ServerError:
		return "ServerError"
	case Disconnect:
		return "Disconnect"
	case ConnectFail:
		return "ConnectFail"
	case Reconfigure:
		return "Reconfigure"
	case LogicError:
		return "LogicError"
	default:
		return "Status(invalid)"
	}
}

// FromNetCode maps a server-supplied net_code to a client-visible
// Status.
func FromNetCode(code wire.NetCode) Status {
	switch code {
	case wire.NetSuccess:
		return Success
	case wire.NetNotFound:
		return NotFound
	case wire.NetWrongArity:
		return WrongArity
	case wire.NetNotUs:
		return LogicError // the server claims it isn't responsible.
	case wire.NetServerError:
		return ServerError
	default:
		return ServerError
	}
}
