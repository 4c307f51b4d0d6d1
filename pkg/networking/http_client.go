// Package networking builds the HTTP clients the gateway uses to reach
// remote backends.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// HttpTimeout is the default timeout for outgoing HTTP requests.
const HttpTimeout = 30 * time.Second

// AddressReferencesPrivateIp rejects dial targets inside private, loopback,
// or link-local ranges. Backend URLs come from tenant configuration, so an
// unguarded dial is a request-forgery hole.
func AddressReferencesPrivateIp(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("could not parse IP address %q", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("access to the address %s is forbidden", address)
	}
	return nil
}

// Dialer control function for validating addresses prior to connection
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIp(address)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowPrivate          bool
	streaming             bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithPrivateIPs allows connections to private IP addresses
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithStreaming drops the overall client timeout so long-lived event
// streams are not cut off. Connection-phase timeouts still apply.
func (b *HttpClientBuilder) WithStreaming() *HttpClientBuilder {
	b.streaming = true
	return b
}

// WithTimeout overrides the overall client timeout
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	b.clientTimeout = d
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout: b.tlsHandshakeTimeout,
	}
	if !b.streaming {
		// A response header deadline would kill an idle event stream.
		transport.ResponseHeaderTimeout = b.responseHeaderTimeout
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	client := &http.Client{
		Transport: transport,
	}
	if !b.streaming {
		client.Timeout = b.clientTimeout
	}
	return client, nil
}
