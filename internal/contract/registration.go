package contract

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EscrowRegistration is the coordinator-issued record binding a trade to an
// escrow. Received once per trade, immutable afterwards. Any token exchanged
// for this trade must reference EscrowIDHex and CoordinatorEscrowPubKey.
type EscrowRegistration struct {
	EscrowIDHex             string `json:"escrow_id_hex"`
	CoordinatorEscrowPubKey string `json:"coordinator_escrow_pubkey"`
	EscrowStartTime         int64  `json:"escrow_start_time"`
}

// Encode serializes the registration as the coordinator wire payload.
func (r *EscrowRegistration) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRegistration parses a registration received off the wire and checks
// it is well formed. A payload that fails here is a protocol error, not a
// transport error: the message arrived but is not a registration.
func DecodeRegistration(data []byte) (*EscrowRegistration, error) {
	var r EscrowRegistration
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	if r.EscrowIDHex == "" {
		return nil, fmt.Errorf("%w: missing escrow id", ErrInvalidRegistration)
	}
	if _, err := hex.DecodeString(r.EscrowIDHex); err != nil {
		return nil, fmt.Errorf("%w: escrow id is not hex: %v", ErrInvalidRegistration, err)
	}
	key, err := hex.DecodeString(r.CoordinatorEscrowPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: coordinator escrow key is not hex: %v", ErrInvalidRegistration, err)
	}
	// Compressed secp256k1 point.
	if len(key) != 33 || (key[0] != 0x02 && key[0] != 0x03) {
		return nil, fmt.Errorf("%w: coordinator escrow key is not a compressed point", ErrInvalidRegistration)
	}
	if r.EscrowStartTime <= 0 {
		return nil, fmt.Errorf("%w: missing start time", ErrInvalidRegistration)
	}
	return &r, nil
}
