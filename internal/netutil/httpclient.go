// Package netutil holds the HTTP client shared by outbound REST callers.
package netutil

import (
	"net"
	"net/http"
	"time"
)

// NewPooledHTTPClient returns a client that keeps up to poolSize idle
// connections per host. Response headers must arrive within timeout, or 30s
// when timeout is longer.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: min(timeout, 30*time.Second),
			ForceAttemptHTTP2:     true,
		},
	}
}
