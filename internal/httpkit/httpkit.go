// Package httpkit builds the outbound HTTP clients Reeve uses to reach
// model providers, search engines, and whatever pages a conversation
// fetches. Routing every call through NewClient keeps timeouts, pool
// limits, and the User-Agent header uniform instead of scattered per
// caller.
//
// Transient-failure retry does not live here. The model layer classifies
// provider errors and retries with its own policy; a generic retry
// underneath it would multiply attempts.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/reeveworks/reeve-agent/internal/buildinfo"
)

// Transport tuning. Reeve talks to a small, stable set of hosts (the
// local model daemon, a search backend, the occasional fetched page),
// so the idle pool stays modest.
const (
	dialTimeout     = 10 * time.Second
	keepAlivePeriod = 30 * time.Second
	tlsTimeout      = 10 * time.Second
	headerTimeout   = 15 * time.Second
	idleConnExpiry  = 90 * time.Second
	idlePoolTotal   = 20
	idlePoolPerHost = 5

	// Request timeout when the caller does not choose one.
	defaultTimeout = 30 * time.Second
)

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*settings)

type settings struct {
	timeout   time.Duration
	transport *http.Transport
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// streaming callers need: a model can legitimately spend minutes
// producing a response.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.timeout = d }
}

// WithTransport substitutes a caller-owned transport. Callers that tune
// pool limits build one via NewTransport, adjust it, and pass it here.
func WithTransport(t *http.Transport) ClientOption {
	return func(s *settings) { s.transport = t }
}

// NewTransport returns a transport with the shared dial, TLS, and
// idle-pool tuning. NewClient uses it unless WithTransport overrides.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlivePeriod,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleConnExpiry,
		MaxIdleConns:          idlePoolTotal,
		MaxIdleConnsPerHost:   idlePoolPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient returns an *http.Client that identifies itself as Reeve and
// carries the shared transport tuning.
func NewClient(opts ...ClientOption) *http.Client {
	s := settings{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}

	base := s.transport
	if base == nil {
		base = NewTransport()
	}

	return &http.Client{
		Timeout: s.timeout,
		Transport: &identifyTransport{
			next: base,
			ua:   buildinfo.UserAgent(),
		},
	}
}

// identifyTransport stamps the Reeve User-Agent on requests that do not
// already carry one.
type identifyTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *identifyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	stamped := req.Clone(req.Context())
	stamped.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(stamped)
}

// DrainAndClose consumes at most limit bytes from rc and closes it.
// A response body left unread pins its connection; draining lets the
// transport reuse it.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for use in an error
// message, draining and closing the remainder. Nil rc yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(unreadable error body: %v)", err)
	}
	return string(body)
}
