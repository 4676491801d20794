package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pricearena/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the longest a connection may stay silent before it is
	// treated as dead and redialled.
	readWait = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// stream is the Closer returned by WSProvider.Stream.
type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Stream implements Provider.
func (p *WSProvider) Stream(ctx context.Context, onSample SampleFunc, onStatus StatusFunc) Closer {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{cancel: cancel, done: make(chan struct{})}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	go func() {
		defer close(s.done)
		p.run(ctx, onSample, onStatus)
	}()
	return s
}

// backoff returns min(max, base * 2^retry).
func (p *WSProvider) backoff(retry int) time.Duration {
	d := p.backoffBase
	for i := 0; i < retry && d < p.backoffMax; i++ {
		d *= 2
	}
	return min(d, p.backoffMax)
}

// run dials, reads until the connection fails, then waits out the backoff and
// dials again. The retry counter resets once a connection opens.
func (p *WSProvider) run(ctx context.Context, onSample SampleFunc, onStatus StatusFunc) {
	retry := 0
	for {
		onStatus(Status{Provider: p.def.Name, State: StateConnecting})

		conn, err := p.dial(ctx)
		if err == nil {
			retry = 0
			onStatus(Status{Provider: p.def.Name, State: StateOpen})
			err = p.read(ctx, conn, onSample)
		}
		if ctx.Err() != nil {
			return
		}

		wait := p.backoff(retry)
		retry++
		onStatus(Status{Provider: p.def.Name, State: StateRetry, Wait: wait, Err: err})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *WSProvider) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, p.def.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange/%s: dial: %w", p.def.Name, err)
	}
	if p.def.Subscribe != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, p.def.Subscribe); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exchange/%s: subscribe: %w", p.def.Name, err)
		}
	}
	return conn, nil
}

// read delivers samples until the connection errors or ctx is done.
// Unparseable frames are dropped silently.
func (p *WSProvider) read(ctx context.Context, conn *websocket.Conn, onSample SampleFunc) error {
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		case <-readDone:
		}
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("exchange/%s: %w: %v", p.def.Name, domain.ErrWSDisconnect, err)
		}
		if price, ok := p.def.ParseStream(msg); ok && onSample != nil {
			onSample(price, p.def.Name, domain.TransportStream)
		}
	}
}
