package connection

import (
	"errors"
	"fmt"
)

// Network identifies the transport family an endpoint belongs to.
type Network uint8

const (
	// NetworkInvalid is the zero value; endpoints with it are not usable.
	NetworkInvalid Network = iota
	// NetworkUDP addresses a UDP socket.
	NetworkUDP
	// NetworkIPC addresses an in-process loopback queue keyed by port.
	NetworkIPC
	// NetworkTCP addresses a TCP stream carrying length-framed datagrams.
	NetworkTCP
	// NetworkWebSocket addresses a WebSocket carrying binary messages.
	NetworkWebSocket
)

// String returns a human-readable network name.
func (n Network) String() string {
	switch n {
	case NetworkUDP:
		return "udp"
	case NetworkIPC:
		return "ipc"
	case NetworkTCP:
		return "tcp"
	case NetworkWebSocket:
		return "ws"
	default:
		return "invalid"
	}
}

// maxEndpointHost bounds the host portion of a serialized endpoint. 45 bytes
// fits a full IPv6 textual address.
const maxEndpointHost = 45

// ErrEndpointTooLong indicates a host string too large to serialize.
var ErrEndpointTooLong = errors.New("endpoint host exceeds maximum length")

// ErrEndpointMalformed indicates serialized endpoint bytes that cannot be parsed.
var ErrEndpointMalformed = errors.New("malformed serialized endpoint")

// Endpoint is a comparable network address value. The zero value is invalid.
type Endpoint struct {
	Net  Network
	Host string
	Port uint16
}

// UDPEndpoint builds a UDP endpoint.
func UDPEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Net: NetworkUDP, Host: host, Port: port}
}

// IPCEndpoint builds an in-process loopback endpoint. IPC endpoints are
// addressed by port alone.
func IPCEndpoint(port uint16) Endpoint {
	return Endpoint{Net: NetworkIPC, Host: "ipc", Port: port}
}

// TCPEndpoint builds a TCP endpoint.
func TCPEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Net: NetworkTCP, Host: host, Port: port}
}

// WebSocketEndpoint builds a WebSocket endpoint.
func WebSocketEndpoint(host string, port uint16) Endpoint {
	return Endpoint{Net: NetworkWebSocket, Host: host, Port: port}
}

// IsValid reports whether the endpoint carries a usable network family.
func (e Endpoint) IsValid() bool {
	return e.Net != NetworkInvalid
}

// String formats the endpoint as net://host:port.
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "invalid://"
	}
	return fmt.Sprintf("%s://%s:%d", e.Net, e.Host, e.Port)
}

// SerializedSize returns the number of bytes MarshalBinary will produce.
func (e Endpoint) SerializedSize() int {
	return 4 + len(e.Host)
}

// MarshalBinary serializes the endpoint.
//
// Format: [network (1 byte)][port (2 bytes, big endian)][host length (1 byte)][host].
func (e Endpoint) MarshalBinary() ([]byte, error) {
	if len(e.Host) > maxEndpointHost {
		return nil, ErrEndpointTooLong
	}
	out := make([]byte, 4+len(e.Host))
	out[0] = byte(e.Net)
	out[1] = byte(e.Port >> 8)
	out[2] = byte(e.Port)
	out[3] = byte(len(e.Host))
	copy(out[4:], e.Host)
	return out, nil
}

// UnmarshalBinary parses a serialized endpoint and returns the number of
// bytes consumed.
func (e *Endpoint) UnmarshalBinary(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, ErrEndpointMalformed
	}
	hostLen := int(data[3])
	if hostLen > maxEndpointHost || len(data) < 4+hostLen {
		return 0, ErrEndpointMalformed
	}
	e.Net = Network(data[0])
	e.Port = uint16(data[1])<<8 | uint16(data[2])
	e.Host = string(data[4 : 4+hostLen])
	return 4 + hostLen, nil
}
