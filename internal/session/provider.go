package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while the socket is down; callers
// drop the frame and rely on the next handshake to converge.
var ErrNotConnected = errors.New("session: websocket not connected")

// Provider owns the websocket to the gateway. It is constructed idle so
// no traffic can arrive before the session finishes bootstrapping, and it
// keeps retrying with exponential backoff once connected.
type Provider struct {
	url       string
	onFrame   func([]byte)
	onConnect func()
	log       *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProvider builds a disconnected provider.
func NewProvider(url string, onFrame func([]byte), onConnect func(), log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		url:       url,
		onFrame:   onFrame,
		onConnect: onConnect,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect starts the dial/read loop. Safe to call once.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

func (p *Provider) run() {
	defer p.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		if p.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(p.ctx, p.url, nil)
		if err != nil {
			wait := policy.NextBackOff()
			p.log.Debug("websocket dial failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-p.ctx.Done():
				return
			}
		}

		policy.Reset()
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()

		if p.onConnect != nil {
			p.onConnect()
		}

		p.readLoop(conn)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		conn.Close()
	}
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		p.onFrame(message)
	}
}

// Connected reports whether a socket is currently open.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Send writes one binary frame.
func (p *Provider) Send(frame []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close tears the provider down and waits for its goroutine.
func (p *Provider) Close() {
	p.cancel()
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
