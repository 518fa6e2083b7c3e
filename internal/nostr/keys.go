// Package nostr provides identity-addressed encrypted direct messaging over
// a pool of websocket relays.
//
// Flow:
//  1. Client signs events with its secp256k1 identity key
//  2. Direct messages are encrypted to the recipient's key and tagged with it
//  3. Publishes fan out to every configured relay; one acceptance is enough
//  4. Receives subscribe on all relays, dedupe by event id, and always
//     release the subscription on exit (success, timeout, or failure)
package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Keys is a client's messaging identity.
type Keys struct {
	sk    *btcec.PrivateKey
	pkHex string
}

// GenerateKeys creates a fresh identity.
func GenerateKeys() (*Keys, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("nostr: key generation: %w", err)
	}
	return newKeys(sk), nil
}

// KeysFromHex loads an identity from a 32-byte hex secret key.
func KeysFromHex(secret string) (*Keys, error) {
	b, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("nostr: secret key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("nostr: secret key must be 32 bytes, got %d", len(b))
	}
	sk, _ := btcec.PrivKeyFromBytes(b)
	return newKeys(sk), nil
}

func newKeys(sk *btcec.PrivateKey) *Keys {
	return &Keys{
		sk:    sk,
		pkHex: hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
	}
}

// PublicKeyHex returns the x-only public key used for addressing.
func (k *Keys) PublicKeyHex() string {
	return k.pkHex
}

// SecretKeyHex returns the hex secret key, for persisting an identity.
func (k *Keys) SecretKeyHex() string {
	return hex.EncodeToString(k.sk.Serialize())
}
