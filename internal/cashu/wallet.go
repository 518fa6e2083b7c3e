package cashu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/thesimplekid/cashu-escrow-kit/internal/contract"
)

// Minter is the token capability the protocol core needs.
type Minter interface {
	MintEscrowToken(ctx context.Context, c *contract.TradeContract, reg *contract.EscrowRegistration) (string, error)
	ValidateEscrowToken(ctx context.Context, raw string, c *contract.TradeContract, reg *contract.EscrowRegistration) (*Token, error)
}

// Config for creating a new wallet.
type Config struct {
	MintURL        string
	TradeSecretKey string // Hex-encoded secp256k1 key; generated if empty
}

// Option configures the wallet.
type Option func(*Wallet)

// WithBalance seeds the wallet with spendable value (sats).
func WithBalance(sat uint64) Option {
	return func(w *Wallet) {
		w.balance = sat
	}
}

// Wallet holds spendable ecash against one mint and produces escrow-bound
// tokens from it. The blind-signature swap with the mint is outside this
// port (see the trade protocol's scope); the proof commitments written here
// are deterministic stand-ins for mint signatures.
type Wallet struct {
	mintURL  string
	keysetID string
	tradeKey *btcec.PrivateKey

	mu      sync.Mutex
	balance uint64
}

// Compile-time interface check
var _ Minter = (*Wallet)(nil)

// New creates a wallet against the given mint.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if cfg.MintURL == "" {
		return nil, fmt.Errorf("%w: mint URL required", ErrMint)
	}

	var key *btcec.PrivateKey
	if cfg.TradeSecretKey != "" {
		b, err := hex.DecodeString(cfg.TradeSecretKey)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: trade secret key must be 32 hex-encoded bytes", ErrMint)
		}
		key, _ = btcec.PrivKeyFromBytes(b)
	} else {
		var err error
		key, err = btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMint, err)
		}
	}

	sum := sha256.Sum256([]byte(cfg.MintURL))
	w := &Wallet{
		mintURL:  cfg.MintURL,
		keysetID: "00" + hex.EncodeToString(sum[:7]),
		tradeKey: key,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// TradePubKey returns the wallet's trade public key (compressed hex), the
// one written into the contract's trade_pubkey slot.
func (w *Wallet) TradePubKey() string {
	return hex.EncodeToString(w.tradeKey.PubKey().SerializeCompressed())
}

// Balance returns the wallet's spendable value in sats.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Fund adds spendable value to the wallet.
func (w *Wallet) Fund(sat uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance += sat
}

// MintEscrowToken produces a token whose value equals the contract amount
// and whose proofs are P2PK-locked to the registration's coordinator escrow
// key, tagged with the escrow id.
func (w *Wallet) MintEscrowToken(ctx context.Context, c *contract.TradeContract, reg *contract.EscrowRegistration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMint, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balance < c.AmountSat {
		return "", fmt.Errorf("%w: need %d sat, have %d", ErrInsufficientFunds, c.AmountSat, w.balance)
	}

	var proofs []Proof
	for _, amount := range splitAmount(c.AmountSat) {
		cond := spendingCondition{
			Kind: conditionP2PK,
			Data: conditionData{
				Nonce: uuid.NewString(),
				Data:  reg.CoordinatorEscrowPubKey,
				Tags:  [][]string{{escrowIDTag, reg.EscrowIDHex}},
			},
		}
		secret, err := cond.MarshalJSON()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMint, err)
		}
		proofs = append(proofs, Proof{
			ID:     w.keysetID,
			Amount: amount,
			Secret: string(secret),
			C:      w.commit(secret),
		})
	}

	tok := &Token{
		Token: []TokenEntry{{Mint: w.mintURL, Proofs: proofs}},
		Unit:  "sat",
	}
	raw, err := tok.Serialize()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMint, err)
	}

	w.balance -= c.AmountSat
	return raw, nil
}

// ValidateEscrowToken parses a received token and checks it against the
// contract and registration: the amount must equal the contract amount and
// every proof must be locked to exactly this registration's escrow id and
// coordinator escrow key. A mismatch is a validation error, distinct from a
// parse failure.
func (w *Wallet) ValidateEscrowToken(ctx context.Context, raw string, c *contract.TradeContract, reg *contract.EscrowRegistration) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := DecodeToken(raw)
	if err != nil {
		return nil, err
	}

	if got := tok.Amount(); got != c.AmountSat {
		return nil, fmt.Errorf("%w: amount %d does not match contract amount %d", ErrValidation, got, c.AmountSat)
	}

	for _, entry := range tok.Token {
		for _, p := range entry.Proofs {
			cond, err := parseCondition(p.Secret)
			if err != nil {
				return nil, fmt.Errorf("%w: proof secret is not a spending condition: %v", ErrValidation, err)
			}
			if cond.Kind != conditionP2PK {
				return nil, fmt.Errorf("%w: proof is not P2PK locked", ErrValidation)
			}
			if cond.Data.Data != reg.CoordinatorEscrowPubKey {
				return nil, fmt.Errorf("%w: proof locked to a different coordinator key", ErrValidation)
			}
			if id := cond.tag(escrowIDTag); id != reg.EscrowIDHex {
				return nil, fmt.Errorf("%w: proof bound to escrow %q, want %q", ErrValidation, id, reg.EscrowIDHex)
			}
		}
	}

	return tok, nil
}

// commit derives the proof commitment from the secret and the wallet's
// trade key.
func (w *Wallet) commit(secret []byte) string {
	h := sha256.New()
	h.Write(secret)
	h.Write(w.tradeKey.PubKey().SerializeCompressed())
	return hex.EncodeToString(h.Sum(nil))
}

// splitAmount decomposes an amount into power-of-two denominations,
// smallest first.
func splitAmount(amount uint64) []uint64 {
	var parts []uint64
	for bit := uint(0); bit < 64; bit++ {
		if amount&(1<<bit) != 0 {
			parts = append(parts, 1<<bit)
		}
	}
	return parts
}
