package internal

import (
	"net/http"

	"golang.org/x/time/rate"
)

// throttledTransport paces requests with the provider's rate limit. ISBNdb
// Premium allows 3 req/s; OpenLibrary asks for 1 request every 3 seconds.
type throttledTransport struct {
	http.RoundTripper
	limiter *rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// scopedTransport pins requests to one host so redirects can't send our
// credentials elsewhere.
type scopedTransport struct {
	host string
	http.RoundTripper
}

func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// headerTransport sets a header on every request. Best combined with a
// scopedTransport.
type headerTransport struct {
	key   string
	value string
	http.RoundTripper
}

func (t headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set(t.key, t.value)
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport converts 4XX and 5XX responses into statusErr so
// callers can branch on the upstream code with errors.Is / status().
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

// newProviderClient assembles the standard client stack for an upstream:
// status mapping over auth header over host scoping over rate limiting.
func newProviderClient(host string, limiter *rate.Limiter, headerKey, headerValue string) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport
	if limiter != nil {
		transport = throttledTransport{RoundTripper: transport, limiter: limiter}
	}
	transport = scopedTransport{host: host, RoundTripper: transport}
	if headerKey != "" {
		transport = headerTransport{key: headerKey, value: headerValue, RoundTripper: transport}
	}
	return &http.Client{Transport: errorProxyTransport{RoundTripper: transport}}
}
