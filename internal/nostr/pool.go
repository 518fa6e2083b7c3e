package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thesimplekid/cashu-escrow-kit/internal/metrics"
)

var (
	// ErrReceiveTimeout reports that no matching message arrived within the
	// bound. Callers should treat it as a normal, recoverable outcome.
	ErrReceiveTimeout = errors.New("nostr: receive timed out")

	// ErrTransport reports a messaging-layer failure (dial, write, or no
	// usable relay). Retry policy, if any, belongs to the caller.
	ErrTransport = errors.New("nostr: transport failure")
)

// Subscription is an armed listening resource. It delivers at most one
// payload and is released on every exit path of Await.
type Subscription interface {
	// Await blocks until a matching message arrives, the timeout elapses,
	// or ctx is done. The subscription is closed before Await returns.
	Await(ctx context.Context, timeout time.Duration) (string, error)
	// Close releases the subscription. Safe to call more than once.
	Close()
}

// Message is one decrypted direct message.
type Message struct {
	Sender  string
	Payload string
}

// Inbox is a long-lived direct-message stream. Unlike Subscription it stays
// armed across reads; the caller releases it with Close.
type Inbox interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) (*Message, error)
	Close()
}

// PoolOption configures the relay pool.
type PoolOption func(*RelayPool)

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *RelayPool) {
		p.logger = logger
	}
}

// WithDialer sets a custom websocket dialer (useful for testing).
func WithDialer(d *websocket.Dialer) PoolOption {
	return func(p *RelayPool) {
		p.dialer = d
	}
}

// RelayPool is an encrypted direct-message client over a fixed set of
// relays. One pool may serve the sequential phases of a trade, but its
// subscriptions are independent, so phases never share mutable state.
type RelayPool struct {
	keys   *Keys
	urls   []string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conns  []*relayConn
	subs   map[string]*poolSub
	closed bool
}

// NewPool creates a pool for the given identity and relay URLs.
// Call Connect before use.
func NewPool(keys *Keys, urls []string, opts ...PoolOption) *RelayPool {
	p := &RelayPool{
		keys:   keys,
		urls:   urls,
		logger: slog.Default(),
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]*poolSub),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublicKey returns the pool identity's x-only public key.
func (p *RelayPool) PublicKey() string {
	return p.keys.PublicKeyHex()
}

// Connected reports how many relays are currently connected.
func (p *RelayPool) Connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Connect dials every configured relay. It succeeds if at least one relay
// is reachable; unreachable relays are logged and skipped.
func (p *RelayPool) Connect(ctx context.Context) error {
	var dialErrs []error
	for _, url := range p.urls {
		conn, _, err := p.dialer.DialContext(ctx, url, nil)
		if err != nil {
			p.logger.Warn("relay unreachable", "relay", url, "error", err)
			dialErrs = append(dialErrs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		rc := &relayConn{url: url, conn: conn, pool: p}
		p.mu.Lock()
		p.conns = append(p.conns, rc)
		p.mu.Unlock()
		metrics.ConnectedRelays.Inc()
		go rc.readLoop()
		p.logger.Debug("relay connected", "relay", url)
	}

	p.mu.Lock()
	connected := len(p.conns)
	p.mu.Unlock()
	if connected == 0 {
		return fmt.Errorf("%w: no relay reachable: %v", ErrTransport, errors.Join(dialErrs...))
	}
	return nil
}

// Close shuts down all relay connections and forgets open subscriptions.
func (p *RelayPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.subs = make(map[string]*poolSub)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.close()
	}
	return nil
}

// SendDirect encrypts payload for the recipient and publishes it as a
// direct-message event. Delivery is best effort: the call succeeds when at
// least one relay accepts the event, with no end-to-end acknowledgment.
func (p *RelayPool) SendDirect(ctx context.Context, recipient, payload string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	content, err := EncryptDM(payload, p.keys, recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindDirectMessage,
		Tags:      [][]string{{"p", recipient}},
		Content:   content,
	}
	if err := ev.Sign(p.keys); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if err := p.broadcast([]interface{}{"EVENT", ev}); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
	p.logger.Debug("direct message published", "recipient", recipient, "event", ev.ID)
	return nil
}

// Subscribe arms a listening resource for direct messages addressed to this
// identity, optionally restricted to one sender. The subscription is live on
// every connected relay before Subscribe returns, so a reply racing the
// next send cannot be lost.
func (p *RelayPool) Subscribe(from string) (Subscription, error) {
	return p.newSub(from)
}

// OpenInbox arms a long-lived stream of direct messages addressed to this
// identity, optionally restricted to one sender. Meant for party-facing
// services that handle messages as they arrive rather than awaiting one
// specific reply.
func (p *RelayPool) OpenInbox(from string) (Inbox, error) {
	return p.newSub(from)
}

func (p *RelayPool) newSub(from string) (*poolSub, error) {
	sub := &poolSub{
		id:   uuid.NewString(),
		from: from,
		pool: p,
		ch:   make(chan *Event, 16),
		seen: make(map[string]struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool is closed", ErrTransport)
	}
	p.subs[sub.id] = sub
	p.mu.Unlock()

	filter := Filter{
		Kinds: []int{KindDirectMessage},
		PTags: []string{p.keys.PublicKeyHex()},
		Limit: 0,
	}
	if from != "" {
		filter.Authors = []string{from}
	}
	if err := p.broadcast([]interface{}{"REQ", sub.id, filter}); err != nil {
		p.removeSub(sub.id)
		return nil, err
	}
	return sub, nil
}

// Receive waits for one direct message, optionally from a specific sender,
// bounded by timeout. The listening resource is acquired fresh and released
// on every exit path, so a timed-out call never leaks subscription state.
func (p *RelayPool) Receive(ctx context.Context, from string, timeout time.Duration) (string, error) {
	sub, err := p.Subscribe(from)
	if err != nil {
		return "", err
	}
	return sub.Await(ctx, timeout)
}

// broadcast writes a frame to every live relay connection; one successful
// write is enough.
func (p *RelayPool) broadcast(frame []interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	p.mu.Lock()
	conns := make([]*relayConn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()

	var wrote int
	for _, rc := range conns {
		if err := rc.write(data); err != nil {
			p.logger.Warn("relay write failed", "relay", rc.url, "error", err)
			continue
		}
		wrote++
	}
	if wrote == 0 {
		return fmt.Errorf("%w: no connected relay accepted the message", ErrTransport)
	}
	return nil
}

func (p *RelayPool) removeSub(id string) {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
}

// dispatch routes one relay frame to the matching subscription.
func (p *RelayPool) dispatch(relayURL string, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		p.logger.Debug("unparseable relay frame", "relay", relayURL)
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return
	}

	switch kind {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(frame[1], &subID); err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			p.logger.Debug("unparseable event", "relay", relayURL)
			return
		}
		p.mu.Lock()
		sub := p.subs[subID]
		p.mu.Unlock()
		if sub != nil {
			sub.offer(&ev)
		}
	case "EOSE", "OK", "NOTICE", "CLOSED":
		p.logger.Debug("relay frame", "relay", relayURL, "kind", kind)
	}
}

// dropConn forgets a connection after a read failure.
func (p *RelayPool) dropConn(rc *relayConn) {
	p.mu.Lock()
	closed := p.closed
	for i, c := range p.conns {
		if c == rc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	metrics.ConnectedRelays.Dec()
	if !closed {
		p.logger.Warn("relay disconnected", "relay", rc.url)
	}
}

// ---------------------------------------------------------------------------
// Relay connection
// ---------------------------------------------------------------------------

type relayConn struct {
	url  string
	conn *websocket.Conn
	pool *RelayPool
	wmu  sync.Mutex
}

func (rc *relayConn) write(data []byte) error {
	rc.wmu.Lock()
	defer rc.wmu.Unlock()
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *relayConn) close() {
	rc.wmu.Lock()
	_ = rc.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	rc.wmu.Unlock()
	_ = rc.conn.Close()
}

func (rc *relayConn) readLoop() {
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			rc.pool.dropConn(rc)
			return
		}
		rc.pool.dispatch(rc.url, data)
	}
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

type poolSub struct {
	id   string
	from string
	pool *RelayPool
	ch   chan *Event

	seenMu sync.Mutex
	seen   map[string]struct{}

	once sync.Once
}

// offer hands an event to the waiter. Duplicates from other relays are
// dropped by event id; a full channel drops the event rather than blocking
// the relay read loop.
func (s *poolSub) offer(ev *Event) {
	s.seenMu.Lock()
	if _, dup := s.seen[ev.ID]; dup {
		s.seenMu.Unlock()
		return
	}
	s.seen[ev.ID] = struct{}{}
	s.seenMu.Unlock()

	select {
	case s.ch <- ev:
	default:
	}
}

// accept filters, verifies, and decrypts one raw event. Events that are not
// a well-formed direct message for this subscription are dropped.
func (s *poolSub) accept(ev *Event) (*Message, bool) {
	if ev.Kind != KindDirectMessage || ev.Tag("p") != s.pool.keys.PublicKeyHex() {
		return nil, false
	}
	if s.from != "" && ev.PubKey != s.from {
		return nil, false
	}
	if err := ev.Verify(); err != nil {
		s.pool.logger.Debug("dropping event with bad signature", "event", ev.ID)
		return nil, false
	}
	plain, err := DecryptDM(ev.Content, s.pool.keys, ev.PubKey)
	if err != nil {
		s.pool.logger.Debug("dropping undecryptable event", "event", ev.ID)
		return nil, false
	}
	metrics.EventsReceived.Inc()
	return &Message{Sender: ev.PubKey, Payload: plain}, true
}

// Await implements Subscription.
func (s *poolSub) Await(ctx context.Context, timeout time.Duration) (string, error) {
	defer s.Close()

	start := time.Now()
	defer func() {
		metrics.ReceiveDuration.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-s.ch:
			if msg, ok := s.accept(ev); ok {
				return msg.Payload, nil
			}
		case <-timer.C:
			metrics.ReceiveTimeouts.Inc()
			return "", ErrReceiveTimeout
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		}
	}
}

// Next implements Inbox.
func (s *poolSub) Next(ctx context.Context) (*Message, error) {
	for {
		select {
		case ev := <-s.ch:
			if msg, ok := s.accept(ev); ok {
				return msg, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
		}
	}
}

// Close implements Subscription.
func (s *poolSub) Close() {
	s.once.Do(func() {
		s.pool.removeSub(s.id)
		// Best effort; the local resource is already released.
		_ = s.pool.broadcastClose(s.id)
	})
}

func (p *RelayPool) broadcastClose(subID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.broadcast([]interface{}{"CLOSE", subID})
}
