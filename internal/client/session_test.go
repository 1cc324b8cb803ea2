package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func dialFake(t *testing.T, d *fakeDevice, opts ...Option) *Session {
	t.Helper()
	s, err := Dial(context.Background(), d.address(), opts...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_GetProperty(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	raw, err := s.GetProperty(context.Background(), "system/battery", "state")
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if string(raw) != `"good"` {
		t.Errorf("Expected \"good\", got %s", raw)
	}

	reqs := d.received()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Path != "system/battery.state" || reqs[0].Method != MethodGet || reqs[0].ID != 1 {
		t.Errorf("Unexpected request %+v", reqs[0])
	}
	if reqs[0].Body != nil {
		t.Errorf("Expected no body on a property read, got %s", reqs[0].Body)
	}
}

func TestSession_ErrorResponse(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	_, err := s.GetProperty(context.Background(), "system", "missing")
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("Expected ResponseError, got %v", err)
	}
	if respErr.Code != 2 || respErr.Message != "no such property" {
		t.Errorf("Unexpected error contents %+v", respErr)
	}
}

func TestSession_SendActionSendsArray(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	if _, err := s.SendAction(context.Background(), "recorder", "start"); err != nil {
		t.Fatalf("SendAction failed: %v", err)
	}
	if _, err := s.SendAction(context.Background(), "recorder", "send-event", "tag", map[string]int{"n": 1}); err != nil {
		t.Fatalf("SendAction failed: %v", err)
	}

	reqs := d.received()
	if string(reqs[0].Body) != "[]" {
		t.Errorf("Expected empty array body, got %s", reqs[0].Body)
	}
	if reqs[0].Path != "recorder!start" || reqs[0].Method != MethodPost {
		t.Errorf("Unexpected request %+v", reqs[0])
	}
	if string(reqs[1].Body) != `["tag",{"n":1}]` {
		t.Errorf("Unexpected body %s", reqs[1].Body)
	}
}

func TestSession_FalseBodyIsError(t *testing.T) {
	d := newFakeDevice(t)
	d.onAction("calibrate!run", func([]any) any { return false })
	s := dialFake(t, d)

	_, err := s.SendAction(context.Background(), "calibrate", "run")
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("Expected ResponseError, got %v", err)
	}
}

func TestSession_OutOfOrderResponses(t *testing.T) {
	d := newFakeDevice(t)

	var (
		mu   sync.Mutex
		held []Request
	)
	// Hold the first request until the second arrives, then answer in
	// reverse order.
	d.handle = func(fc *fakeConn, req Request) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, req)
		if len(held) < 2 {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			r := held[i]
			_ = fc.send(map[string]any{"id": r.ID, "body": r.Path})
		}
		held = nil
	}
	s := dialFake(t, d)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, name := range []string{"first", "second"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := s.GetProperty(context.Background(), "test", name)
			errs[i] = err
			_ = json.Unmarshal(raw, &results[i])
		}()
		// Keep submission order deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, name := range []string{"first", "second"} {
		if errs[i] != nil {
			t.Fatalf("Request %s failed: %v", name, errs[i])
		}
		if results[i] != "test."+name {
			t.Errorf("Request %s got response for %s", name, results[i])
		}
	}
}

func TestSession_UnknownIDIgnored(t *testing.T) {
	d := newFakeDevice(t)
	d.handle = func(fc *fakeConn, req Request) {
		_ = fc.send(map[string]any{"id": req.ID + 500, "body": "stray"})
		_ = fc.send(map[string]any{"id": req.ID, "body": "mine"})
	}
	s := dialFake(t, d)

	raw, err := s.GetProperty(context.Background(), "system", "version")
	if err != nil {
		t.Fatalf("GetProperty failed: %v", err)
	}
	if string(raw) != `"mine"` {
		t.Errorf("Expected \"mine\", got %s", raw)
	}
}

func TestSession_ContextTimeout(t *testing.T) {
	d := newFakeDevice(t)
	d.handle = func(*fakeConn, Request) {}
	s := dialFake(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.GetProperty(ctx, "system", "version")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("Expected RequestError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if !s.Active() {
		t.Error("Session should survive a timed out request")
	}
}

func TestSession_RequestAfterClose(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}

	_, err := s.GetProperty(context.Background(), "system/battery", "level")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSession_PeerDisconnectFailsPending(t *testing.T) {
	d := newFakeDevice(t)
	d.handle = func(*fakeConn, Request) {
		go d.dropConnections()
	}
	s := dialFake(t, d)

	_, err := s.GetProperty(context.Background(), "system", "version")
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Expected ErrConnectionClosed, got %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Session did not end after peer disconnect")
	}
	if !errors.Is(s.Err(), ErrConnectionClosed) {
		t.Errorf("Expected session error ErrConnectionClosed, got %v", s.Err())
	}
}

func TestSession_Subscribe(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	sub, err := s.Subscribe(context.Background(), "recorder", "started")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.ID != "sig-recorder:started" {
		t.Errorf("Unexpected signal id %q", sub.ID)
	}

	d.broadcast(map[string]any{"signal": "sig-other", "body": []any{"ignored"}})
	d.broadcast(map[string]any{"signal": "sig-recorder:started", "body": []any{"3a5c"}})

	select {
	case body := <-sub.C:
		if string(body) != `["3a5c"]` {
			t.Errorf("Unexpected notification body %s", body)
		}
	case <-time.After(time.Second):
		t.Fatal("No notification received")
	}

	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Error("Expected channel to be closed after Close")
	}
	sub.Close()
}

func TestSession_SubscriptionClosedWithSession(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	sub, err := s.Subscribe(context.Background(), "recorder", "stopped")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	s.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Subscription not closed with session")
	}
}

func TestSession_IDsWrap(t *testing.T) {
	s := &Session{pending: make(map[int]chan *Response), lastID: maxRequestID - 2}

	id, _ := s.nextID()
	if id != maxRequestID-1 {
		t.Errorf("Expected %d, got %d", maxRequestID-1, id)
	}
	id, _ = s.nextID()
	if id != 1 {
		t.Errorf("Expected wrap to 1, got %d", id)
	}

	s.pending[2] = make(chan *Response)
	id, _ = s.nextID()
	if id != 3 {
		t.Errorf("Expected in-flight id 2 to be skipped, got %d", id)
	}
}

func TestSession_IDsExhausted(t *testing.T) {
	s := &Session{pending: make(map[int]chan *Response)}
	for i := 1; i < maxRequestID; i++ {
		s.pending[i] = make(chan *Response)
	}
	if _, err := s.nextID(); !errors.Is(err, errTooManyRequests) {
		t.Errorf("Expected errTooManyRequests, got %v", err)
	}
}

func TestDial_Refused(t *testing.T) {
	d := newFakeDevice(t)
	addr := d.address()
	d.srv.Close()

	_, err := Dial(context.Background(), addr, WithHandshakeTimeout(time.Second))
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if connErr.Address != addr {
		t.Errorf("Expected address %s, got %s", addr, connErr.Address)
	}
}

func TestSession_ConcurrentRequests(t *testing.T) {
	d := newFakeDevice(t)
	for i := 0; i < 50; i++ {
		d.set(fmt.Sprintf("load.p%d", i), i)
	}
	s := dialFake(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := s.GetProperty(context.Background(), "load", fmt.Sprintf("p%d", i))
			if err != nil {
				t.Errorf("Request %d failed: %v", i, err)
				return
			}
			var got int
			if err := json.Unmarshal(raw, &got); err != nil || got != i {
				t.Errorf("Request %d got %s", i, raw)
			}
		}()
	}
	wg.Wait()
}

func TestSession_UndecodableResponse(t *testing.T) {
	d := newFakeDevice(t)
	d.handle = func(fc *fakeConn, req Request) {
		_ = fc.send(map[string]any{"id": req.ID, "error": 2, "message": map[string]string{"detail": "bad"}})
	}
	s := dialFake(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.GetProperty(ctx, "system/battery", "level")
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if protoErr.Path != "system/battery.level" {
		t.Errorf("Expected path system/battery.level, got %s", protoErr.Path)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Error("Request should fail on the frame, not on its deadline")
	}
	if !s.Active() {
		t.Error("Session should survive an undecodable frame")
	}
}

func TestSession_MissedPongsCloseSession(t *testing.T) {
	d := newFakeDevice(t)
	// The device stops reading after the first request, so pings go
	// unanswered.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	d.handle = func(*fakeConn, Request) { <-release }

	s := dialFake(t, d, WithKeepAlive(50*time.Millisecond, 150*time.Millisecond))

	reqErr := make(chan error, 1)
	go func() {
		_, err := s.GetProperty(context.Background(), "system", "version")
		reqErr <- err
	}()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not end after missed pongs")
	}
	if !errors.Is(s.Err(), ErrConnectionClosed) {
		t.Errorf("Expected session error ErrConnectionClosed, got %v", s.Err())
	}

	select {
	case err := <-reqErr:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Expected pending request to fail with ErrConnectionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending request not failed when the session ended")
	}
}

func TestSession_WriteAfterShutdown(t *testing.T) {
	d := newFakeDevice(t)
	s := dialFake(t, d)

	s.shutdown(ErrConnectionClosed)
	if err := s.write(context.Background(), []byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}
