package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
)

// Protocol-wide constants for the offer network
const (
	// ProtocolVersion is the trade protocol version carried by every offer.
	// Takers running a different version cannot take the offer.
	ProtocolVersion = 4

	// PriceTolerance is the maximum relative deviation between the price a
	// taker computed and the maker's own price.
	PriceTolerance = 0.01

	// ReservationTimeout bounds how long an offer may stay RESERVED.
	ReservationTimeout = 60 * time.Second

	// EntryTTL is how long a directory entry survives without a refresh.
	EntryTTL = 9 * time.Minute
)

// Direction is the side of the maker in a trade
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Mirror returns the direction seen from the counterparty.
func (d Direction) Mirror() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether d is one of the known directions
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// OfferState is the view a node has of an offer advertised on the network
type OfferState string

const (
	OfferUnknown      OfferState = "UNKNOWN"
	OfferFeePaid      OfferState = "FEE_PAID"
	OfferAvailable    OfferState = "AVAILABLE"
	OfferNotAvailable OfferState = "NOT_AVAILABLE"
	OfferRemoved      OfferState = "REMOVED"
	OfferMakerOffline OfferState = "MAKER_OFFLINE"
)

// OpenOfferState is the local lifecycle state of an offer owned by this node
type OpenOfferState string

const (
	OpenAvailable   OpenOfferState = "AVAILABLE"
	OpenReserved    OpenOfferState = "RESERVED"
	OpenClosed      OpenOfferState = "CLOSED"
	OpenCanceled    OpenOfferState = "CANCELED"
	OpenDeactivated OpenOfferState = "DEACTIVATED"
)

// Role identifies which side of a trade a node is checking funds for
type Role string

const (
	RoleMaker Role = "maker"
	RoleTaker Role = "taker"
)

// NodeAddress is the network address of a node (a libp2p peer ID in string form)
type NodeAddress string

func (a NodeAddress) String() string {
	return string(a)
}

// PubKeyRing holds the public keys a node uses to identify itself
type PubKeyRing struct {
	SignaturePubKey  []byte `json:"signature_pub_key"`  // Compressed secp256k1 key
	EncryptionPubKey []byte `json:"encryption_pub_key"` // Key used for direct messages
}

// Validate checks that the signature key parses as a secp256k1 public key
func (k *PubKeyRing) Validate() error {
	if k == nil || len(k.SignaturePubKey) == 0 {
		return errors.New("signature public key cannot be empty")
	}
	if _, err := btcec.ParsePubKey(k.SignaturePubKey); err != nil {
		return fmt.Errorf("invalid signature public key: %w", err)
	}
	return nil
}

// Equal reports whether two key rings hold the same keys
func (k *PubKeyRing) Equal(other *PubKeyRing) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.SignaturePubKey, other.SignaturePubKey) &&
		bytes.Equal(k.EncryptionPubKey, other.EncryptionPubKey)
}

// PubKey returns the parsed signature key
func (k *PubKeyRing) PubKey() (*btcec.PublicKey, error) {
	if k == nil {
		return nil, errors.New("nil key ring")
	}
	return btcec.ParsePubKey(k.SignaturePubKey)
}

// KeyRing is the private counterpart of PubKeyRing, held only by its owner
type KeyRing struct {
	SignatureKey *btcec.PrivateKey
	Public       PubKeyRing
}

// NewKeyRing generates a fresh key ring
func NewKeyRing() (*KeyRing, error) {
	sig, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signature key: %w", err)
	}
	enc, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return &KeyRing{
		SignatureKey: sig,
		Public: PubKeyRing{
			SignaturePubKey:  sig.PubKey().SerializeCompressed(),
			EncryptionPubKey: enc.PubKey().SerializeCompressed(),
		},
	}, nil
}

// PriceData represents a market price tick from a price provider
type PriceData struct {
	CurrencyCode string          `json:"currency_code"` // Counter currency, e.g. "USD"
	Price        decimal.Decimal `json:"price"`         // Price of one BTC in CurrencyCode
	Timestamp    time.Time       `json:"timestamp"`     // When the price was recorded
	Source       string          `json:"source"`        // Provider name
}

// Validate checks if the PriceData is usable
func (p *PriceData) Validate() error {
	if p.CurrencyCode == "" {
		return errors.New("currency code cannot be empty")
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", p.Price)
	}
	return nil
}

// P2PMessage represents a message in the P2P network
type P2PMessage struct {
	MessageType string          `json:"message_type"` // Type of message
	SenderID    string          `json:"sender_id"`    // ID of the sender
	MessageID   string          `json:"message_id"`   // Unique per message, used for deduplication
	Timestamp   time.Time       `json:"timestamp"`    // When the message was created
	Payload     json.RawMessage `json:"payload"`      // Message payload
}

// Serialize converts the P2PMessage to JSON bytes
func (m *P2PMessage) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// Deserialize parses JSON bytes into a P2PMessage
func (m *P2PMessage) Deserialize(data []byte) error {
	return json.Unmarshal(data, m)
}

// DecodePayload unmarshals the message payload into v
func (m *P2PMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}
