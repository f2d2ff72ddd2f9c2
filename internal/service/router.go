package service

import (
	"fmt"
	"log/slog"

	"rwsplit-proxy/internal/metrics"
	"rwsplit-proxy/internal/model"
	"rwsplit-proxy/internal/route"
)

// ExhaustedError is returned when every read endpoint was tried without a 2xx.
type ExhaustedError struct {
	// LastStatus is the status of the last endpoint that answered, or 0 when
	// every attempt failed at the transport level.
	LastStatus int
	Attempts   int
}

func (e *ExhaustedError) Error() string {
	if e.LastStatus == 0 {
		return fmt.Sprintf("no read endpoint responded (%d attempts)", e.Attempts)
	}
	return fmt.Sprintf("no read endpoint succeeded (%d attempts, last status %d)", e.Attempts, e.LastStatus)
}

// Router sends each request to the endpoint(s) its class calls for.
type Router struct {
	topo    *model.Topology
	fwd     *Forwarder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a Router. The metrics parameter is optional.
func NewRouter(topo *model.Topology, fwd *Forwarder, logger *slog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		topo:    topo,
		fwd:     fwd,
		logger:  logger.With("component", "router"),
		metrics: m,
	}
}

// Topology returns the endpoints the router was built with.
func (r *Router) Topology() *model.Topology {
	return r.topo
}

// Route forwards the request and returns the response to relay.
//
// Write and fallback requests go once to the write endpoint and any response
// is returned; a transport failure is returned as an error wrapping
// client.ErrTransport. Read requests try the read endpoints strictly in order
// and return the first 2xx. Any other status, 404 included, moves on to the
// next endpoint since replicas may lag. When none succeeds an *ExhaustedError
// is returned.
func (r *Router) Route(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	class := route.Classify(pr.Method, pr.Path)
	if class.UsesWriteEndpoint() {
		return r.routeWrite(class, pr)
	}
	return r.routeRead(pr)
}

func (r *Router) routeWrite(class route.Class, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ep := r.topo.Write

	resp, err := r.fwd.Forward(ep, pr)
	if err != nil {
		r.recordAttempt(ep, metrics.OutcomeTransport)
		r.logger.Error("upstream attempt failed",
			"class", class.String(),
			"role", ep.Role,
			"endpoint", ep.String(),
			"method", pr.Method,
			"path", pr.Path,
			"err", err,
		)
		return nil, err
	}

	r.recordAttempt(ep, outcomeOf(resp))
	r.logger.Info("upstream attempt",
		"class", class.String(),
		"role", ep.Role,
		"endpoint", ep.String(),
		"method", pr.Method,
		"path", pr.Path,
		"status", resp.StatusCode,
	)
	return resp, nil
}

func (r *Router) routeRead(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx := pr.Context()
	lastStatus := 0
	attempts := 0

	for i, ep := range r.topo.Reads {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read attempts abandoned after %d: %w", attempts, err)
		}
		attempts++

		resp, err := r.fwd.Forward(ep, pr)
		switch {
		case err != nil:
			r.recordAttempt(ep, metrics.OutcomeTransport)
			r.logger.Warn("skipping read endpoint",
				"endpoint", ep.String(),
				"priority", ep.Index,
				"path", pr.Path,
				"reason", "transport error",
				"err", err,
			)
		case resp.OK():
			r.recordAttempt(ep, metrics.OutcomeOK)
			r.logger.Info("upstream attempt",
				"class", route.Read.String(),
				"role", ep.Role,
				"endpoint", ep.String(),
				"priority", ep.Index,
				"method", pr.Method,
				"path", pr.Path,
				"status", resp.StatusCode,
			)
			return resp, nil
		default:
			lastStatus = resp.StatusCode
			r.recordAttempt(ep, metrics.OutcomeStatus)
			r.logger.Warn("skipping read endpoint",
				"endpoint", ep.String(),
				"priority", ep.Index,
				"path", pr.Path,
				"reason", "non-2xx status",
				"status", resp.StatusCode,
			)
		}

		if i < len(r.topo.Reads)-1 && r.metrics != nil {
			r.metrics.ReadFailovers.Inc()
		}
	}

	if r.metrics != nil {
		r.metrics.ReadsExhausted.Inc()
	}
	return nil, &ExhaustedError{LastStatus: lastStatus, Attempts: attempts}
}

func (r *Router) recordAttempt(ep model.Endpoint, outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.UpstreamAttempts.WithLabelValues(ep.Role, ep.String(), outcome).Inc()
}

func outcomeOf(resp *model.ProxyResponse) string {
	if resp.OK() {
		return metrics.OutcomeOK
	}
	return metrics.OutcomeStatus
}
