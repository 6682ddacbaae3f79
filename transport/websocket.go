package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/netdriver/connection"
	"github.com/opd-ai/netdriver/settings"
)

// WebSocket carries datagrams as binary WebSocket messages. Remote peers
// connect to the HTTP upgrade endpoint served by Listen; outbound sockets
// are dialed lazily on first send, mirroring the TCP backend.
type WebSocket struct {
	mu       sync.Mutex
	params   Params
	local    connection.Endpoint
	bindTo   connection.Endpoint
	server   *http.Server
	conns    map[connection.Endpoint]*wsConn
	incoming chan datagram
	bound    bool

	ctx    context.Context
	cancel context.CancelFunc
}

type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex // gorilla permits one concurrent writer per socket
}

// NewWebSocket creates an uninitialized WebSocket backend.
func NewWebSocket() *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		conns:  make(map[connection.Endpoint]*wsConn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize implements Interface. WebSocket framing lives below the
// message boundary, so no padding is reserved.
func (w *WebSocket) Initialize(s *settings.Settings, packetPadding *int) error {
	w.params = settings.GetOrDefault(s, DefaultParams())
	w.incoming = make(chan datagram, w.params.ReceiveBacklog)
	_ = packetPadding
	return nil
}

// Bind records the local endpoint; Listen opens the HTTP server.
func (w *WebSocket) Bind(endpoint connection.Endpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bound {
		return opError("bind", ResultNotBound, fmt.Errorf("already bound to %s", w.local))
	}
	w.bindTo = endpoint
	w.local = connection.WebSocketEndpoint(endpoint.Host, endpoint.Port)
	w.bound = true
	return nil
}

// Listen starts serving WebSocket upgrades.
func (w *WebSocket) Listen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.bound {
		return opError("listen", ResultNotBound, nil)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", w.bindTo.Host, w.bindTo.Port))
	if err != nil {
		return opError("listen", ResultInterfaceFailed, err)
	}
	addr := listener.Addr().(*net.TCPAddr)
	w.local = connection.WebSocketEndpoint(addr.IP.String(), uint16(addr.Port))

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Listen",
				"backend":  "websocket",
				"error":    err,
			}).Warn("WebSocket upgrade failed")
			return
		}
		ep := endpointFromWSAddr(c.RemoteAddr())
		wc := &wsConn{c: c}

		w.mu.Lock()
		w.conns[ep] = wc
		w.mu.Unlock()

		go w.readLoop(wc, ep)
	})
	w.server = &http.Server{Handler: mux}
	go func() { _ = w.server.Serve(listener) }()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"backend":  "websocket",
		"local":    w.local.String(),
	}).Info("WebSocket backend listening")
	return nil
}

// ScheduleReceive drains buffered messages into the receive queue.
func (w *WebSocket) ScheduleReceive(args ReceiveArgs) error {
	w.mu.Lock()
	bound := w.bound
	w.mu.Unlock()

	if !bound {
		return opError("receive", ResultNotBound, nil)
	}
	return drainIncoming(w.incoming, args.Queue)
}

// ScheduleSend writes every live packet as one binary message.
func (w *WebSocket) ScheduleSend(args SendArgs) error {
	w.mu.Lock()
	bound := w.bound
	w.mu.Unlock()

	if !bound {
		return opError("send", ResultNotBound, nil)
	}

	var firstErr error
	for _, p := range args.Queue.Packets() {
		if p.Metadata().Length == 0 {
			continue
		}
		if err := w.sendTo(p.Endpoint(), p.Payload()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LocalEndpoint implements Interface.
func (w *WebSocket) LocalEndpoint() connection.Endpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.local
}

// Close shuts down the server and every socket.
func (w *WebSocket) Close() error {
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.server != nil {
		_ = w.server.Close()
	}
	for _, wc := range w.conns {
		_ = wc.c.Close()
	}
	w.conns = make(map[connection.Endpoint]*wsConn)
	return nil
}

func (w *WebSocket) sendTo(ep connection.Endpoint, payload []byte) error {
	wc, err := w.connFor(ep)
	if err != nil {
		return err
	}

	wc.wmu.Lock()
	err = wc.c.WriteMessage(websocket.BinaryMessage, payload)
	wc.wmu.Unlock()
	if err != nil {
		w.dropConn(ep)
		logrus.WithFields(logrus.Fields{
			"function": "sendTo",
			"backend":  "websocket",
			"endpoint": ep.String(),
			"error":    err,
		}).Error("WebSocket send failed, dropping socket")
		return opError("send", ResultSendFailure, err)
	}
	return nil
}

func (w *WebSocket) connFor(ep connection.Endpoint) (*wsConn, error) {
	w.mu.Lock()
	wc, ok := w.conns[ep]
	w.mu.Unlock()
	if ok {
		return wc, nil
	}

	url := fmt.Sprintf("ws://%s:%d/", ep.Host, ep.Port)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, opError("send", ResultUnreachable, err)
	}
	wc = &wsConn{c: c}

	w.mu.Lock()
	w.conns[ep] = wc
	w.mu.Unlock()

	go w.readLoop(wc, ep)
	return wc, nil
}

func (w *WebSocket) dropConn(ep connection.Endpoint) {
	w.mu.Lock()
	if wc, ok := w.conns[ep]; ok {
		_ = wc.c.Close()
		delete(w.conns, ep)
	}
	w.mu.Unlock()
}

func (w *WebSocket) readLoop(wc *wsConn, ep connection.Endpoint) {
	for {
		kind, data, err := wc.c.ReadMessage()
		if err != nil {
			w.dropConn(ep)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		offerIncoming(w.incoming, ep, data)
	}
}

func endpointFromWSAddr(addr net.Addr) connection.Endpoint {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return connection.Endpoint{}
	}
	return connection.WebSocketEndpoint(tcpAddr.IP.String(), uint16(tcpAddr.Port))
}
