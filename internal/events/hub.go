package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// subscriberBuffer is the number of notifications queued per subscriber
// before further ones are dropped for it.
const subscriberBuffer = 16

// ErrHubStopped is returned to subscribers when the hub shuts down.
var ErrHubStopped = errors.New("tenant event hub stopped")

// listenConn is the dedicated connection the hub listens on.
type listenConn interface {
	Exec(ctx context.Context, sql string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type pgxListenConn struct {
	conn *pgx.Conn
}

func (c pgxListenConn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

func (c pgxListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.conn.WaitForNotification(ctx)
}

func (c pgxListenConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// TenantHub relays tenant channel notifications to any number of in-process
// subscribers over a single connection outside the shared pool. A channel is
// listened on while it has at least one subscriber.
type TenantHub struct {
	connect func(ctx context.Context) (listenConn, error)
	logger  zerolog.Logger

	mu      sync.Mutex
	subs    map[string]map[int]chan []byte
	next    int
	stopped bool
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTenantHub creates a hub that opens its own connection to databaseURL.
func NewTenantHub(databaseURL string, logger zerolog.Logger) *TenantHub {
	return newTenantHub(func(ctx context.Context) (listenConn, error) {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return pgxListenConn{conn: conn}, nil
	}, logger)
}

func newTenantHub(connect func(ctx context.Context) (listenConn, error), logger zerolog.Logger) *TenantHub {
	return &TenantHub{
		connect: connect,
		logger:  logger.With().Str("component", "tenant-hub").Logger(),
		subs:    make(map[string]map[int]chan []byte),
		wake:    make(chan struct{}, 1),
	}
}

// Start spawns the listen loop.
func (h *TenantHub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(loopCtx, h.done)
}

// Stop ends the listen loop and releases every subscriber with ErrHubStopped.
func (h *TenantHub) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.stopped = true
	for channel, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, channel)
	}
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Subscribe calls fn with every payload published on channel until ctx is
// done or fn fails.
func (h *TenantHub) Subscribe(ctx context.Context, channel string, fn func(payload []byte) error) error {
	ch, id, err := h.add(channel)
	if err != nil {
		return err
	}
	defer h.remove(channel, id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return ErrHubStopped
			}
			if err := fn(payload); err != nil {
				return err
			}
		}
	}
}

func (h *TenantHub) add(channel string) (chan []byte, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, 0, ErrHubStopped
	}
	ch := make(chan []byte, subscriberBuffer)
	id := h.next
	h.next++
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]chan []byte)
		h.signal()
	}
	h.subs[channel][id] = ch
	return ch, id, nil
}

func (h *TenantHub) remove(channel string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[channel]
	if !ok {
		return
	}
	if _, ok := subs[id]; !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subs, channel)
		h.signal()
	}
}

// signal interrupts the wait so the listened channels are synced. Callers
// hold h.mu.
func (h *TenantHub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *TenantHub) broadcast(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[channel] {
		select {
		case ch <- payload:
		default:
			h.logger.Warn().Str("channel", channel).Msg("subscriber too slow, dropping notification")
		}
	}
}

func (h *TenantHub) wanted() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	want := make(map[string]bool, len(h.subs))
	for channel := range h.subs {
		want[channel] = true
	}
	return want
}

func (h *TenantHub) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	reconnect := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
	for ctx.Err() == nil {
		var conn listenConn
		err := retry.Do(ctx, reconnect, func(ctx context.Context) error {
			c, err := h.connect(ctx)
			if err != nil {
				h.logger.Error().Err(err).Msg("tenant hub connect failed")
				return retry.RetryableError(err)
			}
			conn = c
			return nil
		})
		if err != nil {
			return
		}
		err = h.listen(ctx, conn)
		conn.Close(context.WithoutCancel(ctx))
		if err != nil && ctx.Err() == nil {
			h.logger.Error().Err(err).Msg("tenant hub connection lost")
		}
	}
}

// listen serves one connection until it fails or ctx is done. Every channel
// is LISTENed once regardless of its subscriber count.
func (h *TenantHub) listen(ctx context.Context, conn listenConn) error {
	listening := map[string]bool{}
	for {
		want := h.wanted()
		for channel := range want {
			if !listening[channel] {
				if err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
					return fmt.Errorf("listen %s: %w", channel, err)
				}
				listening[channel] = true
			}
		}
		for channel := range listening {
			if !want[channel] {
				if err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
					return fmt.Errorf("unlisten %s: %w", channel, err)
				}
				delete(listening, channel)
			}
		}

		waitCtx, cancel := context.WithCancel(ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-h.wake:
				cancel()
			case <-stop:
			}
		}()
		n, err := conn.WaitForNotification(waitCtx)
		close(stop)
		woken := waitCtx.Err() != nil
		cancel()

		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && woken:
			continue
		case err != nil:
			return fmt.Errorf("wait for notification: %w", err)
		}
		h.broadcast(n.Channel, []byte(n.Payload))
	}
}
