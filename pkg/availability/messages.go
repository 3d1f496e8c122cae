package availability

import (
	"errors"

	"github.com/google/uuid"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
)

// Message types used on direct streams
const (
	MsgTypeRequest  = "offer_availability_request"
	MsgTypeResponse = "offer_availability_response"
	MsgTypeAck      = "ack"
)

// Result is the answer a maker gives to an availability request
type Result string

const (
	Available               Result = "AVAILABLE"
	OfferTaken              Result = "OFFER_TAKEN"
	PriceOutOfTolerance     Result = "PRICE_OUT_OF_TOLERANCE"
	MarketPriceNotAvailable Result = "MARKET_PRICE_NOT_AVAILABLE"
	NoArbitrators           Result = "NO_ARBITRATORS"
	UserIgnored             Result = "USER_IGNORED"
	UnknownFailure          Result = "UNKNOWN_FAILURE"
	Error                   Result = "ERROR"
)

// Request is sent by a taker to ask whether an offer can still be taken
type Request struct {
	OfferID          string           `json:"offer_id"`
	UID              string           `json:"uid"`
	PubKeyRing       types.PubKeyRing `json:"pub_key_ring"`
	TakersTradePrice decimal.Decimal  `json:"takers_trade_price"`
}

// NewRequest creates a request with a fresh uid
func NewRequest(offerID string, ring types.PubKeyRing, price decimal.Decimal) *Request {
	return &Request{
		OfferID:          offerID,
		UID:              uuid.New().String(),
		PubKeyRing:       ring,
		TakersTradePrice: price,
	}
}

// Validate checks the fields every request must carry
func (r *Request) Validate() error {
	if r.OfferID == "" {
		return errors.New("offer ID cannot be empty")
	}
	if r.UID == "" {
		return errors.New("request uid cannot be empty")
	}
	return r.PubKeyRing.Validate()
}

// Response answers a Request. RequestUID correlates it with the request.
type Response struct {
	OfferID    string            `json:"offer_id"`
	UID        string            `json:"uid"`
	RequestUID string            `json:"request_uid"`
	Result     Result            `json:"result"`
	Reason     string            `json:"reason,omitempty"`
	Arbitrator types.NodeAddress `json:"arbitrator,omitempty"`
}

// Ack acknowledges receipt and processing of a request
type Ack struct {
	SourceUID    string `json:"source_uid"`
	SourceType   string `json:"source_type"`
	OfferID      string `json:"offer_id"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}
