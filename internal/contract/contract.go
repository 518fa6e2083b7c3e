// Package contract defines the agreed terms of an escrow trade and the
// coordinator-issued registration that binds a trade to an escrow.
//
// Flow:
//  1. Both parties build the same TradeContract (mirrored trade_mode)
//  2. Each submits it to the coordinator over the relay layer
//  3. The coordinator answers with an EscrowRegistration
//  4. Every token exchanged later must be bound to that registration
//
// A TradeContract is treated as immutable once constructed; all later
// phases hold it by reference and never write to it.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidContract     = errors.New("contract: invalid trade contract")
	ErrInvalidRegistration = errors.New("contract: invalid escrow registration")
)

// Role determines which branch of the token exchange a client runs.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

// TradeContract is the wire payload sent to the coordinator. Field order is
// fixed by the struct, so Encode is deterministic and order-stable.
type TradeContract struct {
	Description       string `json:"trade_description"`
	Mode              Role   `json:"trade_mode"`
	AmountSat         uint64 `json:"amount_sat"`
	BuyerNostrKey     string `json:"npubkey_buyer"`
	SellerNostrKey    string `json:"npubkey_seller"`
	CoordinatorKey    string `json:"npubkey_coordinator"`
	TimeLimitSec      uint64 `json:"time_limit_sec"`
	SubmitterTradeKey string `json:"trade_pubkey"`
}

// Params carries everything needed to build a valid contract.
// OwnNostrKey is the submitting client's nostr identity; it must match the
// slot named by Mode.
type Params struct {
	Description    string
	Mode           Role
	AmountSat      uint64
	BuyerNostrKey  string
	SellerNostrKey string
	CoordinatorKey string
	TimeLimitSec   uint64
	TradePubKey    string
	OwnNostrKey    string
}

// New builds a TradeContract, enforcing the construction-time invariants:
// pairwise-distinct identity keys, a positive amount, and the submitter's
// own key occupying the slot its role claims.
func New(p Params) (*TradeContract, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown trade mode %q", ErrInvalidContract, p.Mode)
	}
	if p.AmountSat == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidContract)
	}
	for name, key := range map[string]string{
		"buyer":       p.BuyerNostrKey,
		"seller":      p.SellerNostrKey,
		"coordinator": p.CoordinatorKey,
	} {
		if err := checkIdentityKey(key); err != nil {
			return nil, fmt.Errorf("%w: %s key: %v", ErrInvalidContract, name, err)
		}
	}
	if p.BuyerNostrKey == p.SellerNostrKey ||
		p.BuyerNostrKey == p.CoordinatorKey ||
		p.SellerNostrKey == p.CoordinatorKey {
		return nil, fmt.Errorf("%w: buyer, seller and coordinator keys must be distinct", ErrInvalidContract)
	}

	own := p.BuyerNostrKey
	if p.Mode == RoleSeller {
		own = p.SellerNostrKey
	}
	if p.OwnNostrKey != own {
		return nil, fmt.Errorf("%w: own key does not match the %s slot", ErrInvalidContract, p.Mode)
	}

	return &TradeContract{
		Description:       p.Description,
		Mode:              p.Mode,
		AmountSat:         p.AmountSat,
		BuyerNostrKey:     p.BuyerNostrKey,
		SellerNostrKey:    p.SellerNostrKey,
		CoordinatorKey:    p.CoordinatorKey,
		TimeLimitSec:      p.TimeLimitSec,
		SubmitterTradeKey: p.TradePubKey,
	}, nil
}

// CounterpartyKey returns the nostr key of the other trading party.
func (c *TradeContract) CounterpartyKey() string {
	if c.Mode == RoleBuyer {
		return c.SellerNostrKey
	}
	return c.BuyerNostrKey
}

// Encode serializes the contract as the coordinator wire payload.
func (c *TradeContract) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses and re-validates a contract received off the wire.
func Decode(data []byte) (*TradeContract, error) {
	var c TradeContract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContract, err)
	}
	own := c.BuyerNostrKey
	if c.Mode == RoleSeller {
		own = c.SellerNostrKey
	}
	if _, err := New(Params{
		Description:    c.Description,
		Mode:           c.Mode,
		AmountSat:      c.AmountSat,
		BuyerNostrKey:  c.BuyerNostrKey,
		SellerNostrKey: c.SellerNostrKey,
		CoordinatorKey: c.CoordinatorKey,
		TimeLimitSec:   c.TimeLimitSec,
		TradePubKey:    c.SubmitterTradeKey,
		OwnNostrKey:    own,
	}); err != nil {
		return nil, err
	}
	return &c, nil
}

// Fingerprint hashes the role-independent terms. Two submissions belong to
// the same trade exactly when their fingerprints match.
func (c *TradeContract) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%d",
		c.Description, c.AmountSat,
		c.BuyerNostrKey, c.SellerNostrKey, c.CoordinatorKey,
		c.TimeLimitSec)
	return hex.EncodeToString(h.Sum(nil))
}

func checkIdentityKey(key string) error {
	b, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("not hex: %v", err)
	}
	if len(b) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	return nil
}
