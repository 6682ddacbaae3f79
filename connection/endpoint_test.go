package connection

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
	}{
		{"udp", UDPEndpoint("127.0.0.1", 9000)},
		{"ipc", IPCEndpoint(1)},
		{"tcp", TCPEndpoint("example.com", 443)},
		{"websocket", WebSocketEndpoint("::1", 8080)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.endpoint.MarshalBinary()
			require.NoError(t, err)

			var got Endpoint
			n, err := got.UnmarshalBinary(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, tt.endpoint, got)
		})
	}
}

func TestEndpointMarshalRejectsLongHost(t *testing.T) {
	ep := UDPEndpoint(strings.Repeat("x", 64), 1)

	_, err := ep.MarshalBinary()
	assert.ErrorIs(t, err, ErrEndpointTooLong)
}

func TestEndpointUnmarshalRejectsTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", []byte{1, 0}},
		{"short host", []byte{1, 0x23, 0x28, 9, 'l', 'o'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ep Endpoint
			_, err := ep.UnmarshalBinary(tt.data)
			assert.ErrorIs(t, err, ErrEndpointMalformed)
		})
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "udp://10.0.0.1:33445", UDPEndpoint("10.0.0.1", 33445).String())
	assert.Equal(t, "invalid://", Endpoint{}.String())
}

func TestEndpointValidity(t *testing.T) {
	assert.False(t, Endpoint{}.IsValid())
	assert.True(t, IPCEndpoint(2).IsValid())
}
