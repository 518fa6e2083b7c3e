// Package escrowclient drives the escrow trade protocol for one party.
//
// Flow:
//  1. InitClient.RegisterTrade — submit the contract, await the
//     coordinator's registration
//  2. RegisteredClient.ExchangeTradeToken — buyer mints and sends the
//     escrow token, seller receives and validates it
//  3. TokenExchangedClient.FulfillDuties — delivery/release extension point
//
// Phases form a strict chain. Each phase object is produced exactly once by
// its predecessor's transition and is marked consumed when it advances, so a
// spent phase rejects further transitions. A failed transition leaves the
// phase unconsumed and the trade not advanced; retrying whole phase calls is
// a driver decision, never taken here.
package escrowclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/thesimplekid/cashu-escrow-kit/internal/cashu"
	"github.com/thesimplekid/cashu-escrow-kit/internal/contract"
	"github.com/thesimplekid/cashu-escrow-kit/internal/metrics"
	"github.com/thesimplekid/cashu-escrow-kit/internal/nostr"
)

var (
	// ErrPhaseConsumed reports a transition attempted on a phase that has
	// already advanced.
	ErrPhaseConsumed = errors.New("escrowclient: phase already consumed")

	// ErrProtocol reports a message that arrived intact but cannot be read
	// as the expected protocol payload.
	ErrProtocol = errors.New("escrowclient: malformed protocol message")
)

// DefaultTimeout bounds every response wait unless overridden.
const DefaultTimeout = 10 * time.Second

// Relay is the messaging capability the protocol needs: encrypted
// point-to-point sends and timeout-bounded receives on an identity-addressed
// channel.
type Relay interface {
	PublicKey() string
	SendDirect(ctx context.Context, recipient, payload string) error
	// Subscribe arms a listening resource before returning, so a reply
	// racing a subsequent send cannot be lost.
	Subscribe(from string) (nostr.Subscription, error)
	Receive(ctx context.Context, from string, timeout time.Duration) (string, error)
}

// Minter is the token capability the protocol needs.
type Minter interface {
	MintEscrowToken(ctx context.Context, c *contract.TradeContract, reg *contract.EscrowRegistration) (string, error)
	ValidateEscrowToken(ctx context.Context, raw string, c *contract.TradeContract, reg *contract.EscrowRegistration) (*cashu.Token, error)
}

// Compile-time checks against the concrete implementations.
var (
	_ Relay  = (*nostr.RelayPool)(nil)
	_ Minter = (*cashu.Wallet)(nil)
)

// Outcome classifies the terminal state of the duty-fulfillment phase.
type Outcome string

const (
	OutcomeReleased Outcome = "released"
	OutcomeDisputed Outcome = "disputed"
	OutcomePending  Outcome = "pending"
)

// DutyHandler is the extension point for the delivery/release sub-protocol.
// The mechanics (oracle attestation, release signature, dispute escalation)
// are not specified yet; an implementation decides the final outcome.
type DutyHandler interface {
	FulfillDuties(ctx context.Context, role contract.Role, token string,
		c *contract.TradeContract, reg *contract.EscrowRegistration) (Outcome, error)
}

// Option configures the client.
type Option func(*InitClient)

// WithTimeout overrides the response-wait bound.
func WithTimeout(d time.Duration) Option {
	return func(c *InitClient) {
		c.timeout = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *InitClient) {
		c.logger = logger
	}
}

// WithDutyHandler installs a duty-fulfillment implementation.
func WithDutyHandler(h DutyHandler) Option {
	return func(c *InitClient) {
		c.duties = h
	}
}

// InitClient is the initial phase: the contract is agreed but the trade is
// not yet registered with the coordinator.
type InitClient struct {
	minter   Minter
	contract *contract.TradeContract
	timeout  time.Duration
	logger   *slog.Logger
	duties   DutyHandler
	consumed atomic.Bool
}

// NewInitClient builds the initial phase for a validated contract. The
// client's role is the contract's trade mode.
func NewInitClient(minter Minter, c *contract.TradeContract, opts ...Option) *InitClient {
	client := &InitClient{
		minter:   minter,
		contract: c,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Contract returns the agreed trade terms.
func (c *InitClient) Contract() *contract.TradeContract {
	return c.contract
}

// RegisterTrade submits the contract to the coordinator and waits for the
// escrow registration. The registration listener is armed before the
// contract is sent, so a coordinator answering immediately is still heard.
// On success the phase is consumed and the Registered phase returned.
func (c *InitClient) RegisterTrade(ctx context.Context, relay Relay) (*RegisteredClient, error) {
	if c.consumed.Load() {
		return nil, ErrPhaseConsumed
	}

	sub, err := relay.Subscribe("")
	if err != nil {
		return nil, fmt.Errorf("register trade: %w", err)
	}
	defer sub.Close()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		payload string
		err     error
	}
	replyCh := make(chan reply, 1)
	go func() {
		payload, err := sub.Await(waitCtx, c.timeout)
		replyCh <- reply{payload, err}
	}()

	payload, err := c.contract.Encode()
	if err != nil {
		return nil, fmt.Errorf("register trade: encode contract: %w", err)
	}
	c.logger.Debug("sending contract to coordinator",
		"coordinator", c.contract.CoordinatorKey, "amount_sat", c.contract.AmountSat)
	if err := relay.SendDirect(ctx, c.contract.CoordinatorKey, string(payload)); err != nil {
		metrics.PhaseTransitions.WithLabelValues("register", "error").Inc()
		return nil, fmt.Errorf("register trade: send contract: %w", err)
	}

	res := <-replyCh
	if res.err != nil {
		metrics.PhaseTransitions.WithLabelValues("register", "error").Inc()
		return nil, fmt.Errorf("register trade: await registration: %w", res.err)
	}

	reg, err := contract.DecodeRegistration([]byte(res.payload))
	if err != nil {
		metrics.PhaseTransitions.WithLabelValues("register", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if !c.consumed.CompareAndSwap(false, true) {
		return nil, ErrPhaseConsumed
	}
	metrics.PhaseTransitions.WithLabelValues("register", "ok").Inc()
	c.logger.Info("trade registered", "escrow_id", reg.EscrowIDHex)
	return &RegisteredClient{prev: c, registration: reg}, nil
}

// RegisteredClient is the phase after the coordinator has issued the escrow
// registration.
type RegisteredClient struct {
	prev         *InitClient
	registration *contract.EscrowRegistration
	consumed     atomic.Bool
}

// Registration returns the coordinator-issued escrow registration.
func (c *RegisteredClient) Registration() *contract.EscrowRegistration {
	return c.registration
}

// ExchangeTradeToken moves the escrow token between the parties. The buyer
// mints and sends it; the seller receives and validates it. Either way the
// exchanged token is recorded on the next phase.
func (c *RegisteredClient) ExchangeTradeToken(ctx context.Context, relay Relay) (*TokenExchangedClient, error) {
	if c.consumed.Load() {
		return nil, ErrPhaseConsumed
	}

	var token string
	var err error
	switch c.prev.contract.Mode {
	case contract.RoleBuyer:
		token, err = c.sendTradeToken(ctx, relay)
	case contract.RoleSeller:
		token, err = c.receiveTradeToken(ctx, relay)
	default:
		err = fmt.Errorf("%w: unknown role %q", ErrProtocol, c.prev.contract.Mode)
	}
	if err != nil {
		metrics.PhaseTransitions.WithLabelValues("exchange", "error").Inc()
		return nil, err
	}

	if !c.consumed.CompareAndSwap(false, true) {
		return nil, ErrPhaseConsumed
	}
	metrics.PhaseTransitions.WithLabelValues("exchange", "ok").Inc()
	return &TokenExchangedClient{prev: c, token: token}, nil
}

// sendTradeToken is the buyer branch: mint an escrow-bound token and send
// it to the seller.
func (c *RegisteredClient) sendTradeToken(ctx context.Context, relay Relay) (string, error) {
	ct := c.prev.contract
	token, err := c.prev.minter.MintEscrowToken(ctx, ct, c.registration)
	if err != nil {
		return "", fmt.Errorf("exchange token: mint: %w", err)
	}
	c.prev.logger.Debug("sending escrow token to seller", "seller", ct.SellerNostrKey)
	if err := relay.SendDirect(ctx, ct.SellerNostrKey, token); err != nil {
		return "", fmt.Errorf("exchange token: send: %w", err)
	}
	return token, nil
}

// receiveTradeToken is the seller branch: wait for the buyer's token and
// validate it against the contract and registration before accepting.
func (c *RegisteredClient) receiveTradeToken(ctx context.Context, relay Relay) (string, error) {
	ct := c.prev.contract
	payload, err := relay.Receive(ctx, ct.BuyerNostrKey, c.prev.timeout)
	if err != nil {
		return "", fmt.Errorf("exchange token: receive: %w", err)
	}
	tok, err := c.prev.minter.ValidateEscrowToken(ctx, payload, ct, c.registration)
	if err != nil {
		return "", fmt.Errorf("exchange token: %w", err)
	}
	c.prev.logger.Info("escrow token received and validated", "amount_sat", tok.Amount())
	return payload, nil
}

// TokenExchangedClient is the phase after the escrow token has moved from
// buyer to seller.
type TokenExchangedClient struct {
	prev     *RegisteredClient
	token    string
	consumed atomic.Bool
}

// Token returns the serialized token that was exchanged (sent or received).
func (c *TokenExchangedClient) Token() string {
	return c.token
}

// FulfillDuties runs the delivery/release phase and yields the trade's
// terminal outcome. The sub-protocol itself (proof of delivery, release
// signature, dispute escalation) is an unfilled extension point: with no
// DutyHandler installed the trade is reported Pending.
func (c *TokenExchangedClient) FulfillDuties(ctx context.Context) (Outcome, error) {
	if c.consumed.Load() {
		return "", ErrPhaseConsumed
	}

	init := c.prev.prev
	outcome := OutcomePending
	if init.duties != nil {
		var err error
		outcome, err = init.duties.FulfillDuties(ctx, init.contract.Mode, c.token, init.contract, c.prev.registration)
		if err != nil {
			metrics.PhaseTransitions.WithLabelValues("duties", "error").Inc()
			return "", fmt.Errorf("fulfill duties: %w", err)
		}
	}

	if !c.consumed.CompareAndSwap(false, true) {
		return "", ErrPhaseConsumed
	}
	metrics.PhaseTransitions.WithLabelValues("duties", string(outcome)).Inc()
	init.logger.Info("trade duties phase finished", "outcome", outcome)
	return outcome, nil
}
