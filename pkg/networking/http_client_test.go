package networking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressReferencesPrivateIp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "loopback", address: "127.0.0.1:8080", wantErr: true},
		{name: "private 10/8", address: "10.0.0.5:443", wantErr: true},
		{name: "private 192.168/16", address: "192.168.1.1:80", wantErr: true},
		{name: "link local", address: "169.254.169.254:80", wantErr: true},
		{name: "unspecified", address: "0.0.0.0:80", wantErr: true},
		{name: "public", address: "93.184.216.34:443", wantErr: false},
		{name: "unparseable", address: "not-an-ip:443", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := AddressReferencesPrivateIp(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHttpClientBuilder_Defaults(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, HttpTimeout, client.Timeout)
}

func TestHttpClientBuilder_Streaming(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().WithStreaming().WithPrivateIPs(true).Build()
	require.NoError(t, err)
	assert.Zero(t, client.Timeout, "streaming clients must not carry an overall deadline")

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Zero(t, transport.ResponseHeaderTimeout, "idle streams must not be cut off")
}

func TestHttpClientBuilder_BlocksPrivateDials(t *testing.T) {
	t.Parallel()

	// httptest binds to loopback, which the protected dialer refuses.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	blocked, err := NewHttpClientBuilder().WithTimeout(2 * time.Second).Build()
	require.NoError(t, err)
	_, err = blocked.Get(server.URL)
	assert.Error(t, err)

	allowed, err := NewHttpClientBuilder().WithTimeout(2 * time.Second).WithPrivateIPs(true).Build()
	require.NoError(t, err)
	resp, err := allowed.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
