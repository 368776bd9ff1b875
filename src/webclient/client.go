package webclient

import (
	"net/http"
	"time"
)

// UserAgent is sent on every request made by a client from NewDefault.
const UserAgent = "agentexec/1"

// NewDefault returns the client agents share for outbound calls. A zero
// timeout means 60s. Requests carry UserAgent unless they set their own.
func NewDefault(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 4
	base.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{Timeout: timeout, Transport: agentTransport{next: base}}
}

type agentTransport struct{ next http.RoundTripper }

func (t agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return t.next.RoundTrip(req)
}
