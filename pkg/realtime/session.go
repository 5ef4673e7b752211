package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/chatsock/pkg/transport"
)

const (
	outboxSize  = 256
	controlSize = 16
)

// session is one live transport connection. The writer goroutine owns every
// write; the reader goroutine dispatches inbound frames in arrival order.
type session struct {
	c           *Client
	conn        transport.Conn
	outbox      chan QueuedMessage
	control     chan []byte
	wake        chan struct{}
	done        chan struct{}
	outstanding map[uint64]time.Time
	pingWaiters map[uint64]chan time.Duration
	flush       []chan error
	pingSeq     uint64
	closeOnce   sync.Once
	mu          sync.Mutex
	closed      bool
}

func newSession(c *Client, conn transport.Conn) *session {
	return &session{
		c:           c,
		conn:        conn,
		outbox:      make(chan QueuedMessage, outboxSize),
		control:     make(chan []byte, controlSize),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		outstanding: make(map[uint64]time.Time),
		pingWaiters: make(map[uint64]chan time.Duration),
	}
}

// serve runs the reader and writer until either fails, then tears down.
// early frames are dispatched before anything is read.
func (s *session) serve(ctx context.Context, early []Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.readLoop(ctx, early) }()
	go func() { errc <- s.writeLoop(ctx) }()

	err := <-errc
	cancel()
	s.closeConn()
	<-errc
	s.release()
	return err
}

func (s *session) closeConn() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.c.logger.Debug("closing realtime connection", "error", err)
		}
	})
}

// release marks the session closed, returns unsent outbox messages to the
// queue and fails pending flushes.
func (s *session) release() {
	s.mu.Lock()
	s.closed = true
	close(s.done)
	waiters := s.flush
	s.flush = nil
	s.mu.Unlock()

	for drained := false; !drained; {
		select {
		case m := <-s.outbox:
			s.c.requeue(m)
		default:
			drained = true
		}
	}
	for _, w := range waiters {
		w <- ErrConnectionLost
	}
}

// enqueue hands m to the writer without blocking.
func (s *session) enqueue(m QueuedMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbox <- m:
		return true
	default:
		return false
	}
}

func (s *session) sendControl(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.control <- frame:
		return true
	default:
		s.c.logger.Warn("control channel full, dropping frame")
		return false
	}
}

func (s *session) wakeWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) addFlushWaiter() (<-chan error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	ch := make(chan error, 1)
	s.flush = append(s.flush, ch)
	return ch, true
}

func (s *session) settleFlush() {
	s.mu.Lock()
	waiters := s.flush
	s.flush = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- nil
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if iv := s.c.cfg.HeartbeatInterval; iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case f := <-s.control:
			if err := s.write(ctx, f); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case m := <-s.outbox:
			if err := s.writeMessage(ctx, m); err != nil {
				s.c.requeue(m)
				return err
			}
			continue
		default:
		}

		if m, ok := s.c.queue.peek(); ok {
			if err := s.writeMessage(ctx, m); err != nil {
				return err
			}
			if s.c.queue.remove(m.ID) {
				s.c.syncQueue()
			}
			continue
		}
		s.settleFlush()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.control:
			if err := s.write(ctx, f); err != nil {
				return err
			}
		case m := <-s.outbox:
			if err := s.writeMessage(ctx, m); err != nil {
				s.c.requeue(m)
				return err
			}
		case <-s.wake:
		case <-tick:
			if err := s.heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *session) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.c.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *session) writeMessage(ctx context.Context, m QueuedMessage) error {
	frame, err := m.frame()
	if err != nil {
		s.c.logger.Error("dropping message that cannot be framed", "type", m.Type, "id", m.ID, "error", err)
		return nil
	}
	if err := s.write(ctx, frame); err != nil {
		return err
	}
	s.c.metrics.MessageSent(m.Type)
	return nil
}

// heartbeat sends a ping, or fails when too many pings are unanswered.
func (s *session) heartbeat(ctx context.Context) error {
	s.mu.Lock()
	missed := len(s.outstanding)
	s.mu.Unlock()
	if missed >= s.c.cfg.MaxMissedPongs {
		s.c.logger.Warn("realtime heartbeat timed out", "missed_pongs", missed)
		return ErrHeartbeatTimeout
	}
	frame, _ := s.registerPing(false)
	return s.write(ctx, frame)
}

// registerPing allocates a sequence number and builds the ping frame.
func (s *session) registerPing(wait bool) ([]byte, chan time.Duration) {
	now := time.Now()
	s.mu.Lock()
	s.pingSeq++
	seq := s.pingSeq
	s.outstanding[seq] = now
	var ch chan time.Duration
	if wait {
		ch = make(chan time.Duration, 1)
		s.pingWaiters[seq] = ch
	}
	s.mu.Unlock()

	frame, err := EncodeFrame(TypePing, PingData{Timestamp: now.UnixMilli(), Seq: seq}, nil)
	if err != nil {
		s.c.logger.Error("encoding ping", "error", err)
	}
	return frame, ch
}

func (s *session) ping(ctx context.Context) (time.Duration, error) {
	frame, ch := s.registerPing(true)
	if !s.sendControl(frame) {
		return 0, ErrConnectionLost
	}
	s.wakeWriter()
	select {
	case rtt := <-ch:
		return rtt, nil
	case <-s.done:
		return 0, ErrConnectionLost
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handlePong measures latency. Any pong proves the connection is alive, so
// all outstanding pings are cleared.
func (s *session) handlePong(env Envelope) {
	now := time.Now()
	var d PingData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			s.c.logger.Debug("malformed pong payload", "error", err)
		}
	}

	s.mu.Lock()
	sent, ok := s.outstanding[d.Seq]
	if !ok && d.Timestamp > 0 {
		sent, ok = time.UnixMilli(d.Timestamp), true
	}
	if !ok {
		for _, t := range s.outstanding {
			if !ok || t.Before(sent) {
				sent, ok = t, true
			}
		}
	}
	clear(s.outstanding)
	var waiters []chan time.Duration
	for seq, w := range s.pingWaiters {
		if d.Seq == 0 || seq <= d.Seq {
			waiters = append(waiters, w)
			delete(s.pingWaiters, seq)
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	rtt := max(now.Sub(sent), 0)
	for _, w := range waiters {
		w <- rtt
	}
	s.c.recordLatency(rtt)
}

func (s *session) readLoop(ctx context.Context, early []Message) error {
	for _, m := range early {
		s.c.deliver(m)
	}
	for {
		b, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		env, err := DecodeFrame(b)
		if err != nil {
			s.c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case TypePing:
			s.sendControl(pongFrame(env))
			s.wakeWriter()
			continue
		case TypePong:
			s.handlePong(env)
			continue
		case TypeHeartbeat:
			continue
		case TypeError:
			var d ErrorData
			if err := json.Unmarshal(env.Data, &d); err == nil {
				if ferr := errorFromFrame(d); ferr != nil {
					s.c.deliver(env.message(time.Now()))
					return ferr
				}
			}
		}
		s.c.deliver(env.message(time.Now()))
	}
}

// pongFrame answers a ping, echoing its payload.
func pongFrame(ping Envelope) []byte {
	b, err := json.Marshal(Envelope{Type: TypePong, Data: ping.Data})
	if err != nil {
		return []byte(`{"type":"pong"}`)
	}
	return b
}
