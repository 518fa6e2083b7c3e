// Package cashu implements the ecash side of an escrow trade: a wallet that
// mints escrow-bound bearer tokens and validates received ones against the
// agreed contract and the coordinator-issued registration.
//
// Tokens follow the familiar serialized shape ("cashuA" + base64url JSON of
// mint entries with proofs). Escrow proofs carry a P2PK spending condition
// locked to the coordinator's escrow key, tagged with the escrow id, so a
// token can only be redeemed through the escrow it was minted for.
package cashu

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTokenFormat       = errors.New("cashu: malformed token")
	ErrValidation        = errors.New("cashu: token failed escrow validation")
	ErrMint              = errors.New("cashu: minting failed")
	ErrInsufficientFunds = errors.New("cashu: insufficient wallet balance")
)

// tokenPrefix marks a serialized v3 token.
const tokenPrefix = "cashuA"

// Proof is a single signed ecash output.
type Proof struct {
	ID     string `json:"id"`
	Amount uint64 `json:"amount"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// TokenEntry groups proofs issued by one mint.
type TokenEntry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

// Token is a bearer value transferable by possession.
type Token struct {
	Token []TokenEntry `json:"token"`
	Unit  string       `json:"unit"`
	Memo  string       `json:"memo,omitempty"`
}

// Amount returns the total value carried by the token.
func (t *Token) Amount() uint64 {
	var sum uint64
	for _, entry := range t.Token {
		for _, p := range entry.Proofs {
			sum += p.Amount
		}
	}
	return sum
}

// Serialize encodes the token in its transferable string form.
func (t *Token) Serialize() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a serialized token. Failures here are format errors,
// distinct from escrow validation failures.
func DecodeToken(raw string) (*Token, error) {
	if !strings.HasPrefix(raw, tokenPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrTokenFormat, tokenPrefix)
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, tokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	if len(t.Token) == 0 {
		return nil, fmt.Errorf("%w: no mint entries", ErrTokenFormat)
	}
	return &t, nil
}

// spendingCondition is a well-known secret: a two-element JSON array of the
// condition kind and its data, stored in a proof's secret field.
type spendingCondition struct {
	Kind string
	Data conditionData
}

type conditionData struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags,omitempty"`
}

const conditionP2PK = "P2PK"

// escrowIDTag names the tag binding a proof to its escrow registration.
const escrowIDTag = "escrow_id"

func (s spendingCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{s.Kind, s.Data})
}

func (s *spendingCondition) UnmarshalJSON(data []byte) error {
	var parts [2]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &s.Kind); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &s.Data)
}

// tag returns the first value of the named tag, or "".
func (s *spendingCondition) tag(name string) string {
	for _, t := range s.Data.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// parseCondition decodes a proof secret as a spending condition.
func parseCondition(secret string) (*spendingCondition, error) {
	var c spendingCondition
	if err := json.Unmarshal([]byte(secret), &c); err != nil {
		return nil, err
	}
	return &c, nil
}
