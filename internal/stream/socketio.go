package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Engine.IO v4 packet types, and the Socket.IO packet types carried in
// Engine.IO message packets.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	writeTimeout        = 5 * time.Second
	messageBuffer       = 64
)

var (
	ErrHandshake    = errors.New("socket.io handshake failed")
	ErrConnectError = errors.New("socket.io connection refused")
	ErrClosed       = errors.New("transport closed")
)

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// SocketIODialer connects to a Socket.IO server over a plain websocket,
// skipping the HTTP long-polling upgrade.
type SocketIODialer struct {
	URL    string
	Header http.Header
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewSocketIODialer(rawURL string, header http.Header, log zerolog.Logger) *SocketIODialer {
	return &SocketIODialer{
		URL:    rawURL,
		Header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (d *SocketIODialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket and completes the Engine.IO open and Socket.IO
// namespace connect exchange before returning.
func (d *SocketIODialer) Dial(ctx context.Context) (Transport, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}

	// Unblock handshake reads when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	open, err := handshake(conn)
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	t := newSocketTransport(conn, open, d.log)
	go t.readLoop()
	return t, nil
}

func handshake(conn *websocket.Conn) (openPacket, error) {
	var open openPacket

	packet, err := readText(conn)
	if err != nil {
		return open, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(packet) == 0 || packet[0] != eioOpen {
		return open, fmt.Errorf("%w: expected open packet, got %q", ErrHandshake, packet)
	}
	if err := json.Unmarshal([]byte(packet[1:]), &open); err != nil {
		return open, fmt.Errorf("%w: bad open packet: %v", ErrHandshake, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect}); err != nil {
		return open, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	for {
		packet, err := readText(conn)
		if err != nil {
			return open, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch {
		case packet == string(eioPing):
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return open, fmt.Errorf("%w: %v", ErrHandshake, err)
			}
		case strings.HasPrefix(packet, string([]byte{eioMessage, sioConnect})):
			return open, nil
		case strings.HasPrefix(packet, string([]byte{eioMessage, sioConnectError})):
			return open, fmt.Errorf("%w: %s", ErrConnectError, connectErrorMessage(packet[2:]))
		default:
			return open, fmt.Errorf("%w: unexpected packet %q", ErrHandshake, packet)
		}
	}
}

func connectErrorMessage(body string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return body
}

func readText(conn *websocket.Conn) (string, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if kind != websocket.TextMessage {
		return "", fmt.Errorf("unexpected binary frame of %d bytes", len(data))
	}
	return string(data), nil
}

type socketTransport struct {
	conn     *websocket.Conn
	log      zerolog.Logger
	messages chan Message
	done     chan struct{}
	idle     time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func newSocketTransport(conn *websocket.Conn, open openPacket, log zerolog.Logger) *socketTransport {
	interval := time.Duration(open.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(open.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &socketTransport{
		conn:     conn,
		log:      log.With().Str("sid", open.SID).Logger(),
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
		idle:     interval + timeout,
	}
}

func (t *socketTransport) Messages() <-chan Message {
	return t.messages
}

func (t *socketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Emit sends a Socket.IO event. A nil payload sends the bare event name.
func (t *socketTransport) Emit(event string, payload any) error {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return t.write(append([]byte{eioMessage, sioEvent}, data...))
}

func (t *socketTransport) write(packet []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, packet)
}

// Close sends a namespace disconnect and closes the socket.
func (t *socketTransport) Close() error {
	var err error
	t.once.Do(func() {
		_ = t.write([]byte{eioMessage, sioDisconnect})
		t.finish(ErrClosed)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *socketTransport) finish(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.err = cause
}

func (t *socketTransport) readLoop() {
	defer close(t.messages)

	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
		packet, err := readText(t.conn)
		if err != nil {
			t.finish(fmt.Errorf("connection lost: %w", err))
			return
		}
		if packet == "" {
			continue
		}

		switch packet[0] {
		case eioPing:
			if err := t.write([]byte{eioPong}); err != nil {
				t.log.Warn().Err(err).Msg("failed to answer ping")
			}
		case eioClose:
			t.finish(errors.New("server closed the connection"))
			_ = t.conn.Close()
			return
		case eioMessage:
			if len(packet) < 2 {
				continue
			}
			switch packet[1] {
			case sioEvent:
				msg, err := decodeEvent(packet[2:])
				if err != nil {
					t.log.Warn().Err(err).Msg("dropping undecodable event")
					continue
				}
				select {
				case t.messages <- msg:
				case <-t.done:
					return
				}
			case sioDisconnect:
				t.finish(errors.New("server disconnected the namespace"))
				_ = t.conn.Close()
				return
			}
		}
	}
}

// decodeEvent parses `["name", data]`, with an optional ack id in front.
func decodeEvent(body string) (Message, error) {
	if i := strings.IndexByte(body, '['); i > 0 {
		body = body[i:]
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil {
		return Message{}, fmt.Errorf("bad event body: %w", err)
	}
	if len(parts) == 0 {
		return Message{}, errors.New("event without a name")
	}
	var msg Message
	if err := json.Unmarshal(parts[0], &msg.Event); err != nil {
		return Message{}, fmt.Errorf("bad event name: %w", err)
	}
	if len(parts) > 1 {
		msg.Data = parts[1]
	}
	return msg, nil
}
