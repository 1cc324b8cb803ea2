package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errTooManyRequests = errors.New("all request ids are in flight")

// Session is a websocket connection to the g3api endpoint. A background
// reader routes responses to the request with the matching id and signal
// notifications to their subscriptions.
type Session struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	opts    options
	address string

	writeMu sync.Mutex

	mu      sync.Mutex
	lastID  int
	pending map[int]chan *Response
	subs    map[string][]*Subscription

	done      chan struct{}
	err       error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Subscription receives the bodies of one signal's notifications. C is
// closed when the subscription or its session ends.
type Subscription struct {
	ID   string
	Path string
	C    <-chan json.RawMessage

	ch      chan json.RawMessage
	session *Session
	closed  bool
}

// WebsocketURL returns the control endpoint of the glasses at address.
func WebsocketURL(address string) string {
	u := url.URL{Scheme: "ws", Host: address, Path: websocketPath}
	return u.String()
}

// Dial opens a session to the glasses at address (host or host:port).
func Dial(ctx context.Context, address string, opts ...Option) (*Session, error) {
	return dial(ctx, address, buildOptions(opts))
}

func dial(ctx context.Context, address string, o options) (*Session, error) {
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: o.handshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	wsURL := WebsocketURL(address)
	o.logger.Debug("Opening websocket session", "url", wsURL)

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, &ConnectionError{Address: address, Err: err}
	}

	s := &Session{
		conn:    conn,
		logger:  o.logger.With("address", address),
		opts:    o,
		address: address,
		pending: make(map[int]chan *Response),
		subs:    make(map[string][]*Subscription),
		done:    make(chan struct{}),
	}

	if o.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(o.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(o.pongWait))
		})
	}

	s.wg.Add(1)
	go s.readLoop()
	if o.pingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop()
	}

	s.logger.Info("Websocket session established", "subprotocol", conn.Subprotocol())
	return s, nil
}

// Address returns the host[:port] the session is connected to.
func (s *Session) Address() string { return s.address }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active reports whether the session can still carry requests.
func (s *Session) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() error {
	if s.Active() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.writeWait))
	}
	s.shutdown(ErrConnectionClosed)
	s.wg.Wait()
	return nil
}

// shutdown records err, wakes every waiter and closes every subscription.
func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		for key, subs := range s.subs {
			for _, sub := range subs {
				sub.closeLocked()
			}
			delete(s.subs, key)
		}
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.Active() {
				s.logger.Warn("Websocket read failed", "error", err)
			}
			s.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		if s.opts.pongWait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.pongWait))
		}

		resp, err := decodeResponse(data)
		if err != nil {
			var ok bool
			if resp, ok = undecodableResponse(data, err); !ok {
				s.logger.Warn("Dropping undecodable frame", "error", err, "frame", string(data))
				continue
			}
		}
		s.dispatch(resp)
	}
}

func (s *Session) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.writeWait)); err != nil {
				s.logger.Warn("Keep-alive ping failed", "error", err)
				s.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
				return
			}
		}
	}
}

func (s *Session) dispatch(resp *Response) {
	if resp.ID == nil {
		if len(resp.Signal) > 0 {
			s.deliver(signalKey(resp.Signal), resp.Body)
			return
		}
		s.logger.Debug("Ignoring unsolicited frame", "frame", string(resp.raw))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[*resp.ID]
	if ok {
		delete(s.pending, *resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("Dropping response with unknown id", "id", *resp.ID)
		return
	}
	ch <- resp
}

func (s *Session) deliver(key string, body json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[key]
	if len(subs) == 0 {
		s.logger.Debug("Ignoring notification for unknown signal", "signal", key)
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- body:
		default:
			s.logger.Warn("Subscription buffer full, dropping notification", "signal", key, "path", sub.Path)
		}
	}
}

// nextID must be called with s.mu held.
func (s *Session) nextID() (int, error) {
	for i := 0; i < maxRequestID; i++ {
		s.lastID = (s.lastID + 1) % maxRequestID
		if s.lastID == 0 {
			continue
		}
		if _, busy := s.pending[s.lastID]; !busy {
			return s.lastID, nil
		}
	}
	return 0, errTooManyRequests
}

// Do sends req and waits for the response carrying the same id. The id field
// of req is assigned by the session.
func (s *Session) Do(ctx context.Context, req Request) (*Response, error) {
	if !s.Active() {
		return nil, &RequestError{Path: req.Path, Err: ErrNotConnected}
	}

	ch := make(chan *Response, 1)

	s.mu.Lock()
	id, err := s.nextID()
	if err != nil {
		s.mu.Unlock()
		return nil, &RequestError{Path: req.Path, Err: err}
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req.ID = id
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Path: req.Path, Err: err}
	}

	if err := s.write(ctx, data); err != nil {
		return nil, &RequestError{Path: req.Path, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.decodeErr != nil {
			return nil, &ProtocolError{Path: req.Path, Msg: "undecodable response " + string(resp.raw), Err: resp.decodeErr}
		}
		return resp, nil
	case <-s.done:
		return nil, &RequestError{Path: req.Path, Err: s.Err()}
	case <-ctx.Done():
		return nil, &RequestError{Path: req.Path, Err: ctx.Err()}
	}
}

func (s *Session) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.Active() {
		return s.Err()
	}

	deadline := time.Now().Add(s.opts.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// GetProperty reads parent.name.
func (s *Session) GetProperty(ctx context.Context, parent, name string) (json.RawMessage, error) {
	req := NewGetRequest(parent, name)
	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(req.Path); err != nil {
		return nil, err
	}
	return resp.Value(), nil
}

// SetProperty writes parent.name. The device answering false is an error.
func (s *Session) SetProperty(ctx context.Context, parent, name string, value any) (json.RawMessage, error) {
	req, err := NewSetRequest(parent, name, value)
	if err != nil {
		return nil, &RequestError{Path: PropertyPath(parent, name), Err: err}
	}
	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(req.Path); err != nil {
		return nil, err
	}
	body := resp.Value()
	if isFalse(body) {
		return nil, &ResponseError{Path: req.Path, Message: fmt.Sprintf("failed to set property to %s", req.Body)}
	}
	return body, nil
}

// SendAction calls parent!name with args.
func (s *Session) SendAction(ctx context.Context, parent, name string, args ...any) (json.RawMessage, error) {
	req, err := NewActionRequest(parent, name, args...)
	if err != nil {
		return nil, &RequestError{Path: ActionPath(parent, name), Err: err}
	}
	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(req.Path); err != nil {
		return nil, err
	}
	body := resp.Value()
	if isFalse(body) {
		return nil, &ResponseError{Path: req.Path, Message: fmt.Sprintf("action failed with arguments %s", req.Body)}
	}
	return body, nil
}

// Subscribe registers for parent:name notifications.
func (s *Session) Subscribe(ctx context.Context, parent, name string) (*Subscription, error) {
	req := NewSignalRequest(parent, name)
	resp, err := s.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(req.Path); err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 || isNull(resp.Body) {
		return nil, &ProtocolError{Path: req.Path, Msg: "subscription response carries no signal id"}
	}

	ch := make(chan json.RawMessage, s.opts.signalBuffer)
	sub := &Subscription{
		ID:      signalKey(resp.Body),
		Path:    req.Path,
		C:       ch,
		ch:      ch,
		session: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &RequestError{Path: req.Path, Err: s.err}
	}
	s.subs[sub.ID] = append(s.subs[sub.ID], sub)

	s.logger.Debug("Subscribed to signal", "path", req.Path, "signal", sub.ID)
	return sub, nil
}

// Close stops delivery and closes C. The device side subscription is left
// to expire with the session.
func (sub *Subscription) Close() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[sub.ID]
	for i, other := range subs {
		if other == sub {
			s.subs[sub.ID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[sub.ID]) == 0 {
		delete(s.subs, sub.ID)
	}
	sub.closeLocked()
}

func (sub *Subscription) closeLocked() {
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
