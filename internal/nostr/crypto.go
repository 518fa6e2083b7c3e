package nostr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/nacl/secretbox"
)

var errDecrypt = errors.New("nostr: message decryption failed")

// sharedKey derives the symmetric direct-message key: sha256 of the ECDH
// x-coordinate between our secret key and the peer's x-only public key.
// Symmetric by construction, so either party derives the same key.
func sharedKey(keys *Keys, peerPubHex string) (*[32]byte, error) {
	pkBytes, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return nil, fmt.Errorf("nostr: peer key is not hex: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("nostr: peer key: %w", err)
	}
	key := sha256.Sum256(btcec.GenerateSharedSecret(keys.sk, pub))
	return &key, nil
}

// EncryptDM encrypts a payload for the peer. The wire form is
// "<ciphertext-b64>?iv=<nonce-b64>".
func EncryptDM(plaintext string, keys *Keys, peerPubHex string) (string, error) {
	key, err := sharedKey(keys, peerPubHex)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("nostr: nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed) + "?iv=" + base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// DecryptDM reverses EncryptDM using the sender's public key.
func DecryptDM(content string, keys *Keys, peerPubHex string) (string, error) {
	cipherB64, nonceB64, found := strings.Cut(content, "?iv=")
	if !found {
		return "", errDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", errDecrypt
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonceBytes) != 24 {
		return "", errDecrypt
	}
	key, err := sharedKey(keys, peerPubHex)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return "", errDecrypt
	}
	return string(plain), nil
}
