package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/nidhogg/alara-bridge/internal/bridge"
	"go.uber.org/zap"
)

const (
	// ReinforcementHeader is set by the upstream AI service on responses
	// that delivered the reinforcement signal.
	ReinforcementHeader = "X-Alara-Reinforcement"
	// ReinforcementDelivered is the ReinforcementHeader value that commits
	// the loop.
	ReinforcementDelivered = "delivered"

	// ContextField is the JSON member added to forwarded request bodies.
	ContextField = "veridian_context"
)

// Proxy forwards enriched interaction requests to the AI endpoint.
type Proxy struct {
	proxy  *httputil.ReverseProxy
	logger *zap.Logger
}

// New creates a Proxy to upstream. timeout bounds the wait for upstream
// response headers.
func New(upstream string, timeout time.Duration, logger *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", upstream)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}

	p := &Proxy{logger: logger}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if err := injectContext(pr.Out); err != nil {
				logger.Warn("context not injected into upstream request", zap.Error(err))
			}
		},
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
		Transport:      transport,
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

// modifyResponse runs the deferred commit once the upstream confirms the
// reinforcement reached the user.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	delivered := resp.Header.Get(ReinforcementHeader) == ReinforcementDelivered
	resp.Header.Del(ReinforcementHeader)
	if !delivered || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	bridge.CommitFrom(resp.Request.Context())()
	return nil
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"})
}

// injectContext adds the assembled context to a JSON object body. Requests
// without an enrichment or with a non-object body are forwarded unchanged.
func injectContext(r *http.Request) error {
	vc, ok := bridge.ContextFrom(r.Context())
	if !ok || r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	setBody(r, body)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return nil
	}
	raw, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	doc[ContextField] = raw
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	setBody(r, out)
	return nil
}

func setBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
}
