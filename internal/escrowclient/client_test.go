package escrowclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thesimplekid/cashu-escrow-kit/internal/cashu"
	"github.com/thesimplekid/cashu-escrow-kit/internal/contract"
	"github.com/thesimplekid/cashu-escrow-kit/internal/nostr"
)

const testEscrowKey = "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc"

func testKey(n int) string { return fmt.Sprintf("%064x", n) }

func testContract(t *testing.T, mode contract.Role) *contract.TradeContract {
	t.Helper()
	p := contract.Params{
		Description:    "test trade",
		Mode:           mode,
		AmountSat:      100,
		BuyerNostrKey:  testKey(1),
		SellerNostrKey: testKey(2),
		CoordinatorKey: testKey(3),
		TimeLimitSec:   3600,
	}
	if mode == contract.RoleBuyer {
		p.OwnNostrKey = p.BuyerNostrKey
	} else {
		p.OwnNostrKey = p.SellerNostrKey
	}
	c, err := contract.New(p)
	if err != nil {
		t.Fatalf("build contract: %v", err)
	}
	return c
}

func registrationJSON() string {
	return `{"escrow_id_hex":"abc123","coordinator_escrow_pubkey":"` + testEscrowKey + `","escrow_start_time":1700000000}`
}

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockSub is an armed subscription fed by the mock relay.
type mockSub struct {
	ch     chan string
	closed int
	mu     sync.Mutex
}

func (s *mockSub) Await(ctx context.Context, timeout time.Duration) (string, error) {
	defer s.Close()
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-time.After(timeout):
		return "", nostr.ErrReceiveTimeout
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", nostr.ErrTransport, ctx.Err())
	}
}

func (s *mockSub) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *mockSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sentMessage struct {
	recipient string
	payload   string
}

// mockRelay records operations in order and can answer a send by pushing a
// reply into every armed subscription, simulating a coordinator that
// responds faster than the caller returns from its send.
type mockRelay struct {
	mu      sync.Mutex
	ops     []string
	subs    []*mockSub
	sent    []sentMessage
	replyTo string // pushed to armed subs on SendDirect when non-empty

	subscribeErr error
	sendErr      error

	recvPayload string // served by Receive
	recvErr     error
}

func (r *mockRelay) PublicKey() string { return testKey(9) }

func (r *mockRelay) Subscribe(from string) (nostr.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	r.ops = append(r.ops, "subscribe")
	sub := &mockSub{ch: make(chan string, 1)}
	r.subs = append(r.subs, sub)
	return sub, nil
}

func (r *mockRelay) SendDirect(ctx context.Context, recipient, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "send")
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sentMessage{recipient, payload})
	if r.replyTo != "" {
		// Fast responder: the reply lands before SendDirect even returns.
		// Only an already-armed listener can observe it.
		for _, sub := range r.subs {
			select {
			case sub.ch <- r.replyTo:
			default:
			}
		}
	}
	return nil
}

func (r *mockRelay) Receive(ctx context.Context, from string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "receive")
	if r.recvErr != nil {
		return "", r.recvErr
	}
	return r.recvPayload, nil
}

func (r *mockRelay) opOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// mockMinter fakes the token port.
type mockMinter struct {
	mu            sync.Mutex
	mintResult    string
	mintErr       error
	validateErr   error
	mintCalls     int
	validateCalls int
	lastValidated string
}

func (m *mockMinter) MintEscrowToken(ctx context.Context, c *contract.TradeContract, reg *contract.EscrowRegistration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mintCalls++
	if m.mintErr != nil {
		return "", m.mintErr
	}
	return m.mintResult, nil
}

func (m *mockMinter) ValidateEscrowToken(ctx context.Context, raw string, c *contract.TradeContract, reg *contract.EscrowRegistration) (*cashu.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateCalls++
	m.lastValidated = raw
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return &cashu.Token{
		Token: []cashu.TokenEntry{{Mint: "https://mint.example", Proofs: []cashu.Proof{{Amount: c.AmountSat}}}},
		Unit:  "sat",
	}, nil
}

// ---------------------------------------------------------------------------
// RegisterTrade
// ---------------------------------------------------------------------------

func TestRegisterTrade_Success(t *testing.T) {
	relay := &mockRelay{replyTo: registrationJSON()}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer))

	reg, err := client.RegisterTrade(context.Background(), relay)
	if err != nil {
		t.Fatalf("register trade: %v", err)
	}
	if reg.Registration().EscrowIDHex != "abc123" {
		t.Errorf("unexpected escrow id %q", reg.Registration().EscrowIDHex)
	}
	if len(relay.sent) != 1 || relay.sent[0].recipient != testKey(3) {
		t.Fatalf("contract must go to the coordinator, sent: %+v", relay.sent)
	}
}

func TestRegisterTrade_ListenArmedBeforeSend(t *testing.T) {
	// The mock delivers the registration during SendDirect itself. If the
	// client armed its listener after sending, a fast coordinator reply
	// would be lost and this test would time out.
	relay := &mockRelay{replyTo: registrationJSON()}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer),
		WithTimeout(200*time.Millisecond))

	if _, err := client.RegisterTrade(context.Background(), relay); err != nil {
		t.Fatalf("fast coordinator reply was lost: %v", err)
	}

	ops := relay.opOrder()
	if len(ops) < 2 || ops[0] != "subscribe" || ops[1] != "send" {
		t.Errorf("expected subscribe before send, got %v", ops)
	}
}

func TestRegisterTrade_Timeout(t *testing.T) {
	relay := &mockRelay{} // never replies
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer),
		WithTimeout(50*time.Millisecond))

	_, err := client.RegisterTrade(context.Background(), relay)
	if !errors.Is(err, nostr.ErrReceiveTimeout) {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
}

func TestRegisterTrade_SendFailure(t *testing.T) {
	relay := &mockRelay{sendErr: nostr.ErrTransport}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer))

	_, err := client.RegisterTrade(context.Background(), relay)
	if !errors.Is(err, nostr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestRegisterTrade_MalformedRegistration(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "definitely not a registration"},
		{"missing fields", `{"escrow_id_hex":"abc123"}`},
		{"bad escrow key", `{"escrow_id_hex":"ab","coordinator_escrow_pubkey":"junk","escrow_start_time":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &mockRelay{replyTo: tt.reply}
			client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer))

			_, err := client.RegisterTrade(context.Background(), relay)
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestRegisterTrade_ReleasesSubscription(t *testing.T) {
	relay := &mockRelay{replyTo: registrationJSON()}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer))

	if _, err := client.RegisterTrade(context.Background(), relay); err != nil {
		t.Fatal(err)
	}
	if relay.subs[0].closeCount() == 0 {
		t.Error("subscription must be released after the phase completes")
	}
}

func TestRegisterTrade_ConsumedPhaseRejected(t *testing.T) {
	relay := &mockRelay{replyTo: registrationJSON()}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer))

	if _, err := client.RegisterTrade(context.Background(), relay); err != nil {
		t.Fatal(err)
	}
	if _, err := client.RegisterTrade(context.Background(), relay); !errors.Is(err, ErrPhaseConsumed) {
		t.Fatalf("expected ErrPhaseConsumed on reuse, got %v", err)
	}
}

func TestRegisterTrade_FailedAttemptIsRetryable(t *testing.T) {
	// A failed transition must not consume the phase: the driver may retry
	// the whole phase call.
	relay := &mockRelay{}
	client := NewInitClient(&mockMinter{}, testContract(t, contract.RoleBuyer),
		WithTimeout(30*time.Millisecond))

	if _, err := client.RegisterTrade(context.Background(), relay); !errors.Is(err, nostr.ErrReceiveTimeout) {
		t.Fatal("expected first attempt to time out")
	}

	relay.replyTo = registrationJSON()
	if _, err := client.RegisterTrade(context.Background(), relay); err != nil {
		t.Fatalf("retry after failure must work, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// ExchangeTradeToken
// ---------------------------------------------------------------------------

func registeredClient(t *testing.T, mode contract.Role, minter Minter, relay *mockRelay) *RegisteredClient {
	t.Helper()
	relay.replyTo = registrationJSON()
	client := NewInitClient(minter, testContract(t, mode))
	reg, err := client.RegisterTrade(context.Background(), relay)
	if err != nil {
		t.Fatalf("register trade: %v", err)
	}
	relay.replyTo = ""
	return reg
}

func TestExchange_BuyerMintsAndSends(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{mintResult: "cashuAexampletoken"}
	reg := registeredClient(t, contract.RoleBuyer, minter, relay)

	exchanged, err := reg.ExchangeTradeToken(context.Background(), relay)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if exchanged.Token() != "cashuAexampletoken" {
		t.Errorf("exchanged phase must record the sent token, got %q", exchanged.Token())
	}

	last := relay.sent[len(relay.sent)-1]
	if last.recipient != testKey(2) {
		t.Errorf("token must go to the seller, went to %q", last.recipient)
	}
	if last.payload != "cashuAexampletoken" {
		t.Errorf("token payload must pass through unmodified, got %q", last.payload)
	}
}

func TestExchange_BuyerMintFailure(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{mintErr: cashu.ErrMint}
	reg := registeredClient(t, contract.RoleBuyer, minter, relay)

	_, err := reg.ExchangeTradeToken(context.Background(), relay)
	if !errors.Is(err, cashu.ErrMint) {
		t.Fatalf("expected ErrMint, got %v", err)
	}

	// The phase must not be consumed by a failed transition.
	minter.mintErr = nil
	minter.mintResult = "cashuAretry"
	if _, err := reg.ExchangeTradeToken(context.Background(), relay); err != nil {
		t.Fatalf("retry after mint failure must work, got %v", err)
	}
}

func TestExchange_BuyerSendFailure(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{mintResult: "cashuAtok"}
	reg := registeredClient(t, contract.RoleBuyer, minter, relay)

	relay.sendErr = nostr.ErrTransport
	_, err := reg.ExchangeTradeToken(context.Background(), relay)
	if !errors.Is(err, nostr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestExchange_SellerReceivesAndValidates(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{}
	reg := registeredClient(t, contract.RoleSeller, minter, relay)

	relay.recvPayload = "cashuAfrombuyer"
	exchanged, err := reg.ExchangeTradeToken(context.Background(), relay)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if exchanged.Token() != "cashuAfrombuyer" {
		t.Errorf("exchanged phase must record the received token, got %q", exchanged.Token())
	}
	if minter.validateCalls != 1 || minter.lastValidated != "cashuAfrombuyer" {
		t.Errorf("received payload must be validated before advancing")
	}
}

func TestExchange_SellerValidationFailureDoesNotAdvance(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{validateErr: cashu.ErrValidation}
	reg := registeredClient(t, contract.RoleSeller, minter, relay)

	relay.recvPayload = "cashuAboundtosomethingelse"
	_, err := reg.ExchangeTradeToken(context.Background(), relay)
	if !errors.Is(err, cashu.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExchange_SellerTimeout(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{}
	reg := registeredClient(t, contract.RoleSeller, minter, relay)

	relay.recvErr = nostr.ErrReceiveTimeout
	_, err := reg.ExchangeTradeToken(context.Background(), relay)
	if !errors.Is(err, nostr.ErrReceiveTimeout) {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
}

func TestExchange_ConsumedPhaseRejected(t *testing.T) {
	relay := &mockRelay{}
	minter := &mockMinter{mintResult: "cashuAtok"}
	reg := registeredClient(t, contract.RoleBuyer, minter, relay)

	if _, err := reg.ExchangeTradeToken(context.Background(), relay); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ExchangeTradeToken(context.Background(), relay); !errors.Is(err, ErrPhaseConsumed) {
		t.Fatalf("expected ErrPhaseConsumed on reuse, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// FulfillDuties
// ---------------------------------------------------------------------------

type stubDuties struct {
	outcome Outcome
	err     error
	gotRole contract.Role
}

func (s *stubDuties) FulfillDuties(ctx context.Context, role contract.Role, token string,
	c *contract.TradeContract, reg *contract.EscrowRegistration) (Outcome, error) {
	s.gotRole = role
	return s.outcome, s.err
}

func exchangedClient(t *testing.T, opts ...Option) *TokenExchangedClient {
	t.Helper()
	relay := &mockRelay{replyTo: registrationJSON()}
	client := NewInitClient(&mockMinter{mintResult: "cashuAtok"}, testContract(t, contract.RoleBuyer), opts...)
	reg, err := client.RegisterTrade(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	relay.replyTo = ""
	exchanged, err := reg.ExchangeTradeToken(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	return exchanged
}

func TestFulfillDuties_DefaultIsPending(t *testing.T) {
	exchanged := exchangedClient(t)

	outcome, err := exchanged.FulfillDuties(context.Background())
	if err != nil {
		t.Fatalf("fulfill duties: %v", err)
	}
	if outcome != OutcomePending {
		t.Errorf("without a handler the outcome must be pending, got %q", outcome)
	}
}

func TestFulfillDuties_HandlerDecidesOutcome(t *testing.T) {
	duties := &stubDuties{outcome: OutcomeReleased}
	exchanged := exchangedClient(t, WithDutyHandler(duties))

	outcome, err := exchanged.FulfillDuties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeReleased {
		t.Errorf("expected released, got %q", outcome)
	}
	if duties.gotRole != contract.RoleBuyer {
		t.Errorf("handler must see the client role, got %q", duties.gotRole)
	}
}

func TestFulfillDuties_ConsumedPhaseRejected(t *testing.T) {
	exchanged := exchangedClient(t)

	if _, err := exchanged.FulfillDuties(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := exchanged.FulfillDuties(context.Background()); !errors.Is(err, ErrPhaseConsumed) {
		t.Fatalf("expected ErrPhaseConsumed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Whole flow
// ---------------------------------------------------------------------------

func TestFullFlow_Buyer(t *testing.T) {
	relay := &mockRelay{replyTo: registrationJSON()}
	minter := &mockMinter{mintResult: "cashuAfinal"}
	client := NewInitClient(minter, testContract(t, contract.RoleBuyer))

	reg, err := client.RegisterTrade(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	relay.replyTo = ""
	exchanged, err := reg.ExchangeTradeToken(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := exchanged.FulfillDuties(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomePending {
		t.Errorf("expected pending outcome, got %q", outcome)
	}
	if minter.mintCalls != 1 {
		t.Errorf("expected exactly one mint, got %d", minter.mintCalls)
	}
}

func TestFullFlow_Seller(t *testing.T) {
	relay := &mockRelay{replyTo: registrationJSON()}
	minter := &mockMinter{}
	client := NewInitClient(minter, testContract(t, contract.RoleSeller))

	reg, err := client.RegisterTrade(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	relay.replyTo = ""
	relay.recvPayload = "cashuAfrombuyer"
	exchanged, err := reg.ExchangeTradeToken(context.Background(), relay)
	if err != nil {
		t.Fatal(err)
	}
	if exchanged.Token() != "cashuAfrombuyer" {
		t.Errorf("exchanged token mismatch: %q", exchanged.Token())
	}
	if _, err := exchanged.FulfillDuties(context.Background()); err != nil {
		t.Fatal(err)
	}
}
