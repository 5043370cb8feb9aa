package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

var (
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream closed")

	// ErrUnexpectedFrame is returned when the peer sends a non-binary frame.
	ErrUnexpectedFrame = errors.New("unexpected websocket frame type")
)

// HandshakeStatusError reports a websocket upgrade rejected by the server.
type HandshakeStatusError struct {
	StatusCode int
}

func (e *HandshakeStatusError) Error() string {
	return fmt.Sprintf("websocket upgrade rejected: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// WebSocketConnector opens websocket streams to replica routes.
type WebSocketConnector struct {
	// HandshakeTimeout bounds the websocket upgrade when ctx has no deadline.
	HandshakeTimeout time.Duration
	// TLSConfig is cloned for every wss:// dial. Nil uses system roots.
	TLSConfig *tls.Config
	// MaxMessageSize limits inbound frames. Zero means 1 MiB.
	MaxMessageSize int64

	Log *slog.Logger
}

// NewWebSocketConnector returns a connector with default settings.
func NewWebSocketConnector(log *slog.Logger) *WebSocketConnector {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketConnector{
		HandshakeTimeout: 45 * time.Second,
		MaxMessageSize:   1 << 20,
		Log:              log,
	}
}

// Connect dials route and upgrades to a websocket at path. header is sent with
// the upgrade request; a route HostHeader overrides both the Host header and
// the TLS server name.
func (c *WebSocketConnector) Connect(ctx context.Context, route interfaces.ConnectionParams, path string, header http.Header) (interfaces.Stream, error) {
	var tlsConfig *tls.Config
	if c.TLSConfig != nil {
		tlsConfig = c.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	requestHeader := header.Clone()
	if requestHeader == nil {
		requestHeader = http.Header{}
	}
	if route.HostHeader != "" {
		requestHeader.Set("Host", route.HostHeader)
		tlsConfig.ServerName = route.HostHeader
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
		TLSClientConfig:  tlsConfig,
	}

	target := route.URL(path)
	conn, resp, err := dialer.DialContext(ctx, target.String(), requestHeader)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeStatusError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("dial %s: %w", route, err)
	}

	c.log().Debug("Websocket connected", slog.String("route", route.String()), slog.String("path", path))
	return newWSStream(conn, c.maxMessageSize()), nil
}

func (c *WebSocketConnector) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *WebSocketConnector) maxMessageSize() int64 {
	if c.MaxMessageSize <= 0 {
		return 1 << 20
	}
	return c.MaxMessageSize
}

// Upgrader accepts replica-side websocket connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Accept upgrades an HTTP request to a replica-side stream.
func Accept(w http.ResponseWriter, r *http.Request) (interfaces.Stream, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn, 1<<20), nil
}

type wsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, limit int64) *wsStream {
	conn.SetReadLimit(limit)
	return &wsStream{conn: conn}
}

func (s *wsStream) Send(ctx context.Context, msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return s.translate(ctx, err)
	}
	return nil
}

func (s *wsStream) Receive(ctx context.Context) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	// Cancellation unblocks the pending read by expiring its deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	messageType, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.translate(ctx, err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedFrame, messageType)
	}
	return msg, nil
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsStream) translate(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return ErrClosed
	}
	return err
}
