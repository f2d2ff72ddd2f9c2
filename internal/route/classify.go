// Package route decides which upstream class serves a request.
package route

import "net/http"

// Class is the routing class of an inbound request.
type Class int

const (
	// Write requests go to the write endpoint.
	Write Class = iota
	// Read requests try the read endpoints in priority order.
	Read
	// Fallback covers methods with no explicit policy; routed like Write.
	Fallback
)

// adminPaths must observe write-endpoint state even though they are GETs.
var adminPaths = map[string]bool{
	"/_health": true,
	"/export":  true,
}

// Classify maps a method and path to a routing class.
func Classify(method, path string) Class {
	switch method {
	case http.MethodPost:
		return Write
	case http.MethodGet:
		if adminPaths[path] {
			return Write
		}
		return Read
	default:
		return Fallback
	}
}

// UsesWriteEndpoint reports whether the class is served by the write endpoint.
func (c Class) UsesWriteEndpoint() bool {
	return c != Read
}

func (c Class) String() string {
	switch c {
	case Write:
		return "write"
	case Read:
		return "read"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}
