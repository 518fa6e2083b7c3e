// Package coordinator implements the escrow coordinator: a relay-facing
// service that pairs mirrored trade contracts and issues escrow
// registrations.
//
// Flow:
//  1. Buyer and seller each submit their contract as an encrypted direct
//     message to the coordinator's nostr identity
//  2. Two submissions with the same fingerprint and opposite trade modes
//     form a trade
//  3. The coordinator generates an escrow id and a fresh escrow keypair and
//     sends the identical registration payload to both parties
//
// The escrow secret key is held in memory for the lifetime of the trade; it
// is what the duty phase would later use to release or revoke the locked
// token.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/thesimplekid/cashu-escrow-kit/internal/contract"
	"github.com/thesimplekid/cashu-escrow-kit/internal/idgen"
	"github.com/thesimplekid/cashu-escrow-kit/internal/metrics"
	"github.com/thesimplekid/cashu-escrow-kit/internal/nostr"
)

// ErrMismatch reports a submission that conflicts with an already pending
// one for the same trade.
var ErrMismatch = errors.New("coordinator: conflicting contract submission")

// DefaultPendingTTL bounds how long an unmatched submission is kept before
// the counterparty is assumed absent.
const DefaultPendingTTL = 10 * time.Minute

// Relay is the messaging surface the coordinator needs.
type Relay interface {
	PublicKey() string
	SendDirect(ctx context.Context, recipient, payload string) error
	OpenInbox(from string) (nostr.Inbox, error)
}

var _ Relay = (*nostr.RelayPool)(nil)

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPendingTTL overrides how long unmatched submissions are retained.
func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Service) { s.pendingTTL = ttl }
}

// Service matches contract submissions into escrows.
type Service struct {
	relay      Relay
	logger     *slog.Logger
	pendingTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*submission   // fingerprint -> first arrival
	active  map[string]*activeEscrow // escrow id -> live trade
}

// submission is a contract waiting for its counterpart.
type submission struct {
	contract *contract.TradeContract
	sender   string
	at       time.Time
}

// activeEscrow is a matched trade with its coordinator-held escrow key.
type activeEscrow struct {
	registration *contract.EscrowRegistration
	escrowKey    *btcec.PrivateKey
	buyerKey     string
	sellerKey    string
	amountSat    uint64
	timeLimit    time.Duration
}

// New creates a coordinator service on the given relay.
func New(relay Relay, opts ...Option) *Service {
	s := &Service{
		relay:      relay,
		logger:     slog.Default(),
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
		pending:    make(map[string]*submission),
		active:     make(map[string]*activeEscrow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes contract submissions until ctx is done. It returns ctx's
// error on shutdown and a transport error if the inbox cannot be armed or
// fails.
func (s *Service) Run(ctx context.Context) error {
	inbox, err := s.relay.OpenInbox("")
	if err != nil {
		return fmt.Errorf("coordinator: open inbox: %w", err)
	}
	defer inbox.Close()

	s.logger.Info("coordinator listening", "pubkey", s.relay.PublicKey())
	for {
		msg, err := inbox.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("coordinator: inbox: %w", err)
		}
		if err := s.handleSubmission(ctx, msg.Sender, msg.Payload); err != nil {
			s.logger.Warn("submission rejected", "sender", msg.Sender, "error", err)
		}
	}
}

// ActiveTrades reports how many escrows are currently live.
func (s *Service) ActiveTrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// handleSubmission validates one incoming contract and either parks it or
// pairs it with a pending counterpart.
func (s *Service) handleSubmission(ctx context.Context, sender, payload string) error {
	c, err := contract.Decode([]byte(payload))
	if err != nil {
		metrics.SubmissionsRejected.WithLabelValues("malformed").Inc()
		return err
	}
	if c.CoordinatorKey != s.relay.PublicKey() {
		metrics.SubmissionsRejected.WithLabelValues("wrong_coordinator").Inc()
		return fmt.Errorf("%w: contract names a different coordinator", contract.ErrInvalidContract)
	}
	// The sender must own the slot its declared mode claims; anyone else
	// submitting this contract is an impostor.
	own := c.BuyerNostrKey
	if c.Mode == contract.RoleSeller {
		own = c.SellerNostrKey
	}
	if sender != own {
		metrics.SubmissionsRejected.WithLabelValues("sender_mismatch").Inc()
		return fmt.Errorf("%w: sender %s does not hold the %s slot", contract.ErrInvalidContract, sender, c.Mode)
	}

	fp := c.Fingerprint()

	s.mu.Lock()
	now := s.now()
	// Sweep every expired entry, not just this trade's: the inbox is
	// public, so abandoned submissions must not accumulate.
	for key, p := range s.pending {
		if now.Sub(p.at) > s.pendingTTL {
			delete(s.pending, key)
		}
	}
	prev, ok := s.pending[fp]
	if !ok {
		s.pending[fp] = &submission{contract: c, sender: sender, at: now}
		s.mu.Unlock()
		s.logger.Debug("submission parked", "fingerprint", fp[:16], "mode", c.Mode)
		return nil
	}
	if prev.contract.Mode == c.Mode {
		// A party resubmitting its own contract refreshes the pending slot;
		// a different sender claiming the same slot is a conflict.
		if prev.sender == sender {
			prev.at = now
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		metrics.SubmissionsRejected.WithLabelValues("conflict").Inc()
		return ErrMismatch
	}
	delete(s.pending, fp)
	s.mu.Unlock()

	return s.openEscrow(ctx, c)
}

// openEscrow creates the escrow state for a matched pair and notifies both
// parties with the identical registration payload.
func (s *Service) openEscrow(ctx context.Context, c *contract.TradeContract) error {
	escrowKey, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("coordinator: escrow key: %w", err)
	}

	reg := &contract.EscrowRegistration{
		EscrowIDHex:             idgen.EscrowID(),
		CoordinatorEscrowPubKey: hex.EncodeToString(escrowKey.PubKey().SerializeCompressed()),
		EscrowStartTime:         s.now().Unix(),
	}
	payload, err := reg.Encode()
	if err != nil {
		return fmt.Errorf("coordinator: encode registration: %w", err)
	}

	s.mu.Lock()
	s.active[reg.EscrowIDHex] = &activeEscrow{
		registration: reg,
		escrowKey:    escrowKey,
		buyerKey:     c.BuyerNostrKey,
		sellerKey:    c.SellerNostrKey,
		amountSat:    c.AmountSat,
		timeLimit:    time.Duration(c.TimeLimitSec) * time.Second,
	}
	s.mu.Unlock()

	// Both parties get the same payload. Send failures leave the escrow
	// open: a party that missed the registration can resubmit and the
	// fingerprint will no longer be pending, which surfaces in logs.
	var sendErrs []error
	for _, recipient := range []string{c.BuyerNostrKey, c.SellerNostrKey} {
		if err := s.relay.SendDirect(ctx, recipient, string(payload)); err != nil {
			sendErrs = append(sendErrs, fmt.Errorf("notify %s: %w", recipient, err))
		}
	}
	if len(sendErrs) > 0 {
		return fmt.Errorf("coordinator: %w", errors.Join(sendErrs...))
	}

	metrics.TradesMatched.Inc()
	s.logger.Info("escrow opened",
		"escrow_id", reg.EscrowIDHex,
		"amount_sat", c.AmountSat,
		"buyer", c.BuyerNostrKey,
		"seller", c.SellerNostrKey)
	return nil
}
