package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"rwsplit-proxy/internal/client"
	"rwsplit-proxy/internal/model"
	"rwsplit-proxy/internal/route"
	"rwsplit-proxy/internal/service"
)

// ProxyHandler forwards every inbound request through the router.
type ProxyHandler struct {
	router *service.Router
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(router *service.Router, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		router: router,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the inbound body, routes the request and relays the chosen
// upstream response. Nothing is written to the client until a complete
// response or a synthesized error is available.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversized bodies through the reader.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read request body",
		})
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	resp, err := h.router.Route(pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}
	c.Set(model.ContextKeyUpstream, resp.Endpoint)
	return relay(c, req.Method, resp)
}

func relay(c echo.Context, method string, resp *model.ProxyResponse) error {
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	if !bodyAllowed(resp.StatusCode) {
		dst.Del(echo.HeaderContentLength)
		c.Response().WriteHeader(resp.StatusCode)
		return nil
	}
	if method != http.MethodHead {
		dst.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	}

	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := c.Response().Write(resp.Body)
	return err
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	var exhausted *service.ExhaustedError
	if errors.As(err, &exhausted) {
		h.logger.Warn("read endpoints exhausted",
			"err", err,
			"path", pr.Path,
			"last_status", exhausted.LastStatus,
		)
		if exhausted.LastStatus == 0 {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "no read endpoint responded",
			})
		}
		if !bodyAllowed(exhausted.LastStatus) {
			return c.NoContent(exhausted.LastStatus)
		}
		text := http.StatusText(exhausted.LastStatus)
		if text == "" {
			text = strconv.Itoa(exhausted.LastStatus)
		}
		return c.String(exhausted.LastStatus, text)
	}

	h.logger.Error("proxy error",
		"err", err,
		"class", route.Classify(pr.Method, pr.Path).String(),
		"path", pr.Path,
	)

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if isTimeout(err) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, client.ErrTransport) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "upstream request failed",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "internal proxy error",
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
