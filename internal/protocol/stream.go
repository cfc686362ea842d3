package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter       = 10 * time.Second
	disconnectAfter = 120 * time.Second
	heartbeatCheck  = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// wsReadLimit bounds a single stream frame. Event batches are
	// metadata-sized; 4MB leaves generous headroom.
	wsReadLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// streamConn abstracts the WebSocket connection so StreamClient can be
// tested without a real server. *websocket.Conn satisfies this interface.
type streamConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// initMessage is sent as the first frame after connect.
type initMessage struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	UserID string `json:"user"`
	Device string `json:"device"`
	Since  string `json:"since,omitempty"`
}

// initResponse is the server reply to an init message.
type initResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg"`
}

// batchMessage acknowledges a delivered batch and advances the stream
// position.
type batchMessage struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

// StreamConfig holds the parameters needed to open an event stream.
type StreamConfig struct {
	Host   string
	Token  string
	UserID string
	Device string

	// Since is the stream position to resume from. Empty starts from
	// the live edge.
	Since string
}

// StreamClient maintains a WebSocket event stream to the homeserver.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// frames. A single event loop goroutine processes inbound frames and
// heartbeat ticks, dispatching decoded events to the registered
// Handlers. All writes to the connection happen from the event loop.
// The loop reconnects with exponential backoff and jitter on transient
// failures; permanent failures (auth) surface as StreamError.
type StreamClient struct {
	conn   streamConn
	logger *slog.Logger

	host   string
	token  string
	userID string
	device string
	since  string

	handlers Handlers

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// retryCh is nudged by RetryImmediately to skip the current
	// reconnect backoff wait.
	retryCh chan struct{}

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context, stopping the
	// reader goroutine before a reconnect.
	connCancel context.CancelFunc

	// stop cancels the whole listen loop; done closes when it exits.
	stop context.CancelFunc
	done chan struct{}

	runningMu sync.Mutex
	running   bool
}

// NewStreamClient creates a StreamClient from the given config.
func NewStreamClient(cfg StreamConfig, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		logger:  logger,
		host:    cfg.Host,
		token:   cfg.Token,
		userID:  cfg.UserID,
		device:  cfg.Device,
		since:   cfg.Since,
		retryCh: make(chan struct{}, 1),
	}
}

// StartStreaming dials the stream, authenticates, and starts the
// background listen loop. since overrides the configured resume
// position when non-empty. Returns after the handshake succeeds; event
// delivery happens asynchronously through the handlers. Calling
// StartStreaming while already streaming is an error.
func (s *StreamClient) StartStreaming(ctx context.Context, since string, h Handlers) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("stream already running")
	}

	if since != "" {
		s.since = since
	}

	s.handlers = h

	if err := s.connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = cancel
	s.done = make(chan struct{})
	s.running = true

	s.emitState(StreamPrepared, "")

	go func() {
		defer close(s.done)
		s.listen(loopCtx)
	}()

	return nil
}

// StopStreaming shuts down the listen loop and closes the connection.
// Safe to call when not streaming.
func (s *StreamClient) StopStreaming(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return nil
	}

	s.stop()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	s.running = false
	s.emitState(StreamStopped, "")

	return nil
}

// RetryImmediately skips the current reconnect backoff, if any. Called
// by the orchestrator after key recovery so a crypto-induced stream
// error is retried without waiting out the schedule.
func (s *StreamClient) RetryImmediately() {
	select {
	case s.retryCh <- struct{}{}:
	default:
	}
}

// connect dials the WebSocket and performs the init/auth handshake.
func (s *StreamClient) connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	url := "wss://" + s.host + "/archive/v1/stream"
	s.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"chat-archive"},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return s.handshake(ctx, conn)
}

// handshake performs the post-dial init/auth sequence. Extracted from
// connect so the auth logic can be tested with a mock streamConn.
func (s *StreamClient) handshake(ctx context.Context, conn streamConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	init := initMessage{
		Op:     "init",
		Token:  s.token,
		UserID: s.userID,
		Device: s.device,
		Since:  s.since,
	}

	if err := s.writeJSON(ctx, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	var resp initResponse
	if err := s.readJSON(ctx, &resp); err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	s.logger.Info("stream authenticated", slog.String("since", s.since))

	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The goroutine captures the channel and conn by value
// so a stale reader from a previous connection cannot send into the
// current channel.
func (s *StreamClient) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// listen runs the event loop with automatic reconnection until ctx is
// cancelled or a permanent error occurs.
func (s *StreamClient) listen(ctx context.Context) {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)

	for {
		err := s.eventLoop(ctx, connCtx)
		connCancel()

		if ctx.Err() != nil {
			return
		}

		if isPermanentStreamError(err) {
			s.emitState(StreamError, err.Error())
			return
		}

		s.logger.Warn("stream connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		s.emitState(StreamError, err.Error())

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.retryCh:
			timer.Stop()
		case <-timer.C:
		}

		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			if isPermanentStreamError(err) {
				s.emitState(StreamError, err.Error())
				return
			}

			s.logger.Warn("stream reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)

		backoff = reconnectMin

		s.emitState(StreamPrepared, "")
		s.logger.Info("stream reconnected")
	}
}

// eventLoop processes inbound frames and heartbeat ticks for one
// connection. All writes happen here. Returns on read error, heartbeat
// timeout, or context cancellation.
func (s *StreamClient) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(msg.data)

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("stream timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound decodes a single text frame and dispatches it to the
// registered handlers. Frames that fail to decode are logged and
// skipped; a malformed frame must not take down the stream.
func (s *StreamClient) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong":
		return

	case "event":
		var ev TimelineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to decode timeline event", slog.String("error", err.Error()))
			return
		}

		backfill := gjson.GetBytes(data, "backfill").Bool()
		if s.handlers.OnTimelineEvent != nil {
			s.handlers.OnTimelineEvent(ev, backfill)
		}

	case "member":
		var ev MembershipEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to decode membership event", slog.String("error", err.Error()))
			return
		}

		if s.handlers.OnMembershipChange != nil {
			s.handlers.OnMembershipChange(ev)
		}

	case "room":
		var room RoomHandle
		if err := json.Unmarshal(data, &room); err != nil {
			s.logger.Warn("failed to decode room state", slog.String("error", err.Error()))
			return
		}

		if s.handlers.OnRoomStateChange != nil {
			s.handlers.OnRoomStateChange(room)
		}

	case "batch":
		var batch batchMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.logger.Warn("failed to decode batch ack", slog.String("error", err.Error()))
			return
		}

		if batch.Token != "" {
			s.since = batch.Token
			if s.handlers.OnCheckpoint != nil {
				s.handlers.OnCheckpoint(batch.Token)
			}
		}

	case "ready":
		token := gjson.GetBytes(data, "token").Str
		if token != "" {
			s.since = token
			if s.handlers.OnCheckpoint != nil {
				s.handlers.OnCheckpoint(token)
			}
		}

		s.logger.Info("stream caught up", slog.String("token", token))
		s.emitState(StreamSyncing, "")

	case "error":
		msg := gjson.GetBytes(data, "msg").Str
		s.logger.Warn("server stream error", slog.String("msg", msg))
		s.emitState(StreamError, msg)

	default:
		s.logger.Debug("unexpected stream op", slog.String("op", op))
	}
}

func (s *StreamClient) emitState(state StreamState, errText string) {
	if s.handlers.OnStreamState != nil {
		s.handlers.OnStreamState(state, errText)
	}
}

// isPermanentStreamError returns true for errors that won't resolve on
// retry.
func isPermanentStreamError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	return strings.Contains(msg, "auth failed") ||
		strings.Contains(msg, "account deactivated")
}

func (s *StreamClient) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame.
// Only called from the event loop or during connect.
func (s *StreamClient) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v.
// Only called during connect, before the reader goroutine starts.
func (s *StreamClient) readJSON(ctx context.Context, v any) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}

	s.touchLastMessage()

	return json.Unmarshal(data, v)
}
