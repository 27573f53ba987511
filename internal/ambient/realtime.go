package ambient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// DefaultRealtimeURL is the Socket.IO endpoint that pushes new readings.
const DefaultRealtimeURL = "https://rt2.ambientweather.net"

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

const (
	handshakeTimeout = 30 * time.Second
	maxFrameSize     = 1 << 20
)

// ErrStreamClosed is returned when the server ends the realtime session.
var ErrStreamClosed = errors.New("ambient: realtime session closed by server")

// StreamHandler receives realtime events. Calls are made from the read
// loop, one at a time.
type StreamHandler interface {
	OnSubscribed(devices int)
	OnReading(r Reading)
}

// Stream is a client for the Socket.IO realtime API.
type Stream struct {
	apiKey         string
	applicationKey string
	baseURL        string
	http           *http.Client
	logger         *slog.Logger
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamURL overrides the realtime endpoint. An empty u keeps the
// default.
func WithStreamURL(u string) StreamOption {
	return func(s *Stream) {
		if u != "" {
			s.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithStreamHTTPClient sets the client used for the WebSocket handshake.
func WithStreamHTTPClient(h *http.Client) StreamOption {
	return func(s *Stream) { s.http = h }
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// NewStream creates a realtime client for the given key pair.
func NewStream(apiKey, applicationKey string, opts ...StreamOption) (*Stream, error) {
	if apiKey == "" || applicationKey == "" {
		return nil, errors.New("ambient: api key and application key are required")
	}
	s := &Stream{
		apiKey:         apiKey,
		applicationKey: applicationKey,
		baseURL:        DefaultRealtimeURL,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.endpoint(); err != nil {
		return nil, err
	}
	return s, nil
}

// endpoint returns the WebSocket URL of the Engine.IO transport.
func (s *Stream) endpoint() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("ambient: realtime url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("ambient: realtime url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/socket.io/"
	q := url.Values{}
	q.Set("api", "1")
	q.Set("applicationKey", s.applicationKey)
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"` // ms
	PingTimeout  int    `json:"pingTimeout"`  // ms
}

// Run connects, subscribes with the api key, and passes each pushed
// reading to h. It returns when the session ends: ctx.Err() after
// cancellation, otherwise the error that ended it.
func (s *Stream) Run(ctx context.Context, h StreamHandler) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPClient: s.http})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ambient: dialing realtime api: %w", err)
	}
	defer conn.CloseNow() //nolint:errcheck
	conn.SetReadLimit(maxFrameSize)

	s.logger.Info("connected to realtime api", "url", s.baseURL)

	readTimeout := handshakeTimeout
	for {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		_, msg, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			return fmt.Errorf("ambient: realtime read: %w", err)
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioOpen:
			var open openPacket
			if err := json.Unmarshal(msg[1:], &open); err != nil {
				return fmt.Errorf("ambient: realtime handshake: %w", err)
			}
			if open.PingInterval > 0 {
				readTimeout = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
			}
			if err := s.send(ctx, conn, string([]byte{eioMessage, sioConnect})); err != nil {
				return err
			}
		case eioPing:
			if err := s.send(ctx, conn, string(eioPong)); err != nil {
				return err
			}
		case eioClose:
			return ErrStreamClosed
		case eioNoop:
		case eioMessage:
			if err := s.handleMessage(ctx, conn, msg[1:], h); err != nil {
				return err
			}
		default:
			s.logger.Debug("ignoring realtime packet", "type", string(msg[0]))
		}
	}
}

func (s *Stream) handleMessage(ctx context.Context, conn *websocket.Conn, p []byte, h StreamHandler) error {
	if len(p) == 0 {
		return nil
	}
	switch p[0] {
	case sioConnect:
		sub, err := json.Marshal([]any{"subscribe", map[string][]string{"apiKeys": {s.apiKey}}})
		if err != nil {
			return err
		}
		if err := s.send(ctx, conn, string([]byte{eioMessage, sioEvent})+string(sub)); err != nil {
			return err
		}
		s.logger.Debug("realtime subscription requested")
	case sioConnectError:
		return fmt.Errorf("ambient: realtime connect refused: %s", p[1:])
	case sioDisconnect:
		return ErrStreamClosed
	case sioEvent:
		name, arg, err := parseEvent(p[1:])
		if err != nil {
			s.logger.Warn("malformed realtime event", "error", err)
			return nil
		}
		switch name {
		case "subscribed":
			var ack struct {
				Devices []json.RawMessage `json:"devices"`
			}
			_ = json.Unmarshal(arg, &ack)
			s.logger.Info("realtime subscription confirmed", "devices", len(ack.Devices))
			h.OnSubscribed(len(ack.Devices))
		case "data":
			var r Reading
			if err := json.Unmarshal(arg, &r); err != nil || r == nil {
				s.logger.Warn("unexpected realtime data payload", "payload", string(arg))
				return nil
			}
			h.OnReading(r)
		default:
			s.logger.Debug("realtime event", "event", name)
		}
	}
	return nil
}

func (s *Stream) send(ctx context.Context, conn *websocket.Conn, packet string) error {
	wctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, []byte(packet)); err != nil {
		return fmt.Errorf("ambient: realtime write: %w", err)
	}
	return nil
}

// parseEvent splits a Socket.IO event body such as
// `/ns,12["data",{...}]` into its name and first argument. The namespace
// and ack id are optional.
func parseEvent(p []byte) (string, json.RawMessage, error) {
	if len(p) > 0 && p[0] == '/' {
		i := bytes.IndexByte(p, ',')
		if i < 0 {
			return "", nil, errors.New("namespace without payload")
		}
		p = p[i+1:]
	}
	p = bytes.TrimLeft(p, "0123456789")

	var parts []json.RawMessage
	if err := json.Unmarshal(p, &parts); err != nil {
		return "", nil, fmt.Errorf("decoding event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, errors.New("empty event")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("decoding event name: %w", err)
	}
	if len(parts) < 2 {
		return name, nil, nil
	}
	return name, parts[1], nil
}
