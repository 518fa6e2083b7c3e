package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KindDirectMessage is the event kind used for encrypted point-to-point
// messages.
const KindDirectMessage = 4

var errBadSignature = errors.New("nostr: event signature check failed")

// Event is the relay wire unit.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// computeID hashes the canonical serialization
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) computeID() (string, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	ser, err := json.Marshal([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Sign stamps the event with the author's key, fills in the id, and signs it.
func (e *Event) Sign(keys *Keys) error {
	e.PubKey = keys.PublicKeyHex()
	id, err := e.computeID()
	if err != nil {
		return fmt.Errorf("nostr: event id: %w", err)
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("nostr: event id: %w", err)
	}
	sig, err := schnorr.Sign(keys.sk, idBytes)
	if err != nil {
		return fmt.Errorf("nostr: sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the event id and signature.
func (e *Event) Verify() error {
	id, err := e.computeID()
	if err != nil || id != e.ID {
		return errBadSignature
	}
	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return errBadSignature
	}
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return errBadSignature
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return errBadSignature
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return errBadSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return errBadSignature
	}
	if !sig.Verify(idBytes, pub) {
		return errBadSignature
	}
	return nil
}

// Tag returns the first value of the named tag, or "".
func (e *Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Filter selects events for a subscription. Limit is serialized even when
// zero: limit 0 tells the relay to send live events only, no stored history.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Limit   int      `json:"limit"`
}

// Matches reports whether ev passes the filter.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.PTags) > 0 && !containsString(f.PTags, ev.Tag("p")) {
		return false
	}
	return true
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
