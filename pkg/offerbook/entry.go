package offerbook

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
)

// ProtectedEntry is an offer payload signed by its owner. Only the owner can
// refresh or remove it, each time with a higher sequence number.
type ProtectedEntry struct {
	Payload     *offer.Payload `json:"payload"`
	OwnerPubKey []byte         `json:"owner_pub_key"`
	Sequence    uint64         `json:"sequence"`
	Signature   []byte         `json:"signature"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SignedRef references an entry by payload hash; used for refresh and
// remove messages.
type SignedRef struct {
	OfferID   string `json:"offer_id"`
	Hash      []byte `json:"hash"`
	Sequence  uint64 `json:"sequence"`
	Signature []byte `json:"signature"`
}

// PayloadHash returns the double SHA-256 of the payload's JSON encoding
func PayloadHash(p *offer.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return chainhash.DoubleHashB(data), nil
}

func digest(hash []byte, seq uint64) []byte {
	buf := make([]byte, len(hash)+8)
	copy(buf, hash)
	binary.BigEndian.PutUint64(buf[len(hash):], seq)
	return chainhash.DoubleHashB(buf)
}

func sign(key *btcec.PrivateKey, hash []byte, seq uint64) []byte {
	return ecdsa.Sign(key, digest(hash, seq)).Serialize()
}

func verify(pubKey, hash []byte, seq uint64, signature []byte) error {
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return fmt.Errorf("invalid owner key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !sig.Verify(digest(hash, seq), pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

// NewProtectedEntry signs p with keys at sequence seq
func NewProtectedEntry(keys *types.KeyRing, p *offer.Payload, seq uint64, now time.Time) (*ProtectedEntry, error) {
	hash, err := PayloadHash(p)
	if err != nil {
		return nil, err
	}
	return &ProtectedEntry{
		Payload:     p,
		OwnerPubKey: keys.Public.SignaturePubKey,
		Sequence:    seq,
		Signature:   sign(keys.SignatureKey, hash, seq),
		CreatedAt:   now,
	}, nil
}

// Verify checks that the entry is well formed and signed by the key ring
// named in its own payload. It returns the payload hash.
func (e *ProtectedEntry) Verify() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("entry has no payload")
	}
	if err := e.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if !bytes.Equal(e.OwnerPubKey, e.Payload.PubKeyRing.SignaturePubKey) {
		return nil, errors.New("owner key does not match payload key ring")
	}
	hash, err := PayloadHash(e.Payload)
	if err != nil {
		return nil, err
	}
	if err := verify(e.OwnerPubKey, hash, e.Sequence, e.Signature); err != nil {
		return nil, err
	}
	return hash, nil
}

// withSequence returns a copy of e re-signed at seq; stored entries are
// never modified in place.
func (e *ProtectedEntry) withSequence(seq uint64, signature []byte) *ProtectedEntry {
	c := *e
	c.Sequence = seq
	c.Signature = signature
	return &c
}

// NewSignedRef signs a reference to the payload with hash at sequence seq
func NewSignedRef(keys *types.KeyRing, offerID string, hash []byte, seq uint64) *SignedRef {
	return &SignedRef{
		OfferID:   offerID,
		Hash:      hash,
		Sequence:  seq,
		Signature: sign(keys.SignatureKey, hash, seq),
	}
}

// VerifyFor checks r against the stored owner key
func (r *SignedRef) VerifyFor(ownerPubKey []byte) error {
	return verify(ownerPubKey, r.Hash, r.Sequence, r.Signature)
}
