package availability

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"go.uber.org/zap"
)

// Env is the maker side state a Responder consults
type Env interface {
	IsBootstrapped() bool
	IsStopped() bool
	FindOpenOffer(offerID string) (*offer.OpenOffer, bool)
	IsIgnored(sender types.NodeAddress, ring *types.PubKeyRing) bool
}

// Responder answers availability requests on behalf of a maker
type Responder struct {
	logger   *zap.Logger
	agents   ArbitrationDirectory
	selector *Selector
}

// NewResponder creates a Responder
func NewResponder(agents ArbitrationDirectory, selector *Selector, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		logger:   logger,
		agents:   agents,
		selector: selector,
	}
}

// Selector returns the agent selector
func (r *Responder) Selector() *Selector {
	return r.selector
}

// Respond decides the answer to req. It always returns exactly one
// response and one ack; domain outcomes are result codes, never errors.
func (r *Responder) Respond(env Env, sender types.NodeAddress, req *Request) (*Response, *Ack) {
	resp := &Response{
		OfferID:    req.OfferID,
		UID:        uuid.New().String(),
		RequestUID: req.UID,
	}
	ack := &Ack{
		SourceUID:  req.UID,
		SourceType: MsgTypeRequest,
		OfferID:    req.OfferID,
	}

	fail := func(reason string) (*Response, *Ack) {
		resp.Result = Error
		resp.Reason = reason
		ack.ErrorMessage = reason
		r.logger.Warn("Rejected availability request",
			zap.String("offerID", req.OfferID),
			zap.String("sender", sender.String()),
			zap.String("reason", reason))
		return resp, ack
	}

	if !env.IsBootstrapped() {
		return fail("node is not bootstrapped yet")
	}
	if env.IsStopped() {
		return fail("node has stopped operating")
	}
	if err := req.Validate(); err != nil {
		return fail(fmt.Sprintf("invalid request: %v", err))
	}

	resp.Result, resp.Reason = r.decide(env, sender, req)
	if resp.Result == Available {
		resp.Arbitrator, _ = r.selector.Bound(req.UID)
	}
	ack.Success = true

	r.logger.Info("Answered availability request",
		zap.String("offerID", req.OfferID),
		zap.String("sender", sender.String()),
		zap.String("result", string(resp.Result)))
	return resp, ack
}

func (r *Responder) decide(env Env, sender types.NodeAddress, req *Request) (Result, string) {
	oo, ok := env.FindOpenOffer(req.OfferID)
	if !ok || oo.State() != types.OpenAvailable {
		return OfferTaken, ""
	}
	if env.IsIgnored(sender, &req.PubKeyRing) {
		return UserIgnored, ""
	}

	agent, ok := r.selector.Select(r.agents, oo.Offer().Payload().Languages())
	if !ok {
		return NoArbitrators, ""
	}

	if err := oo.Offer().CheckTradePriceTolerance(req.TakersTradePrice); err != nil {
		switch {
		case errors.Is(err, offer.ErrPriceOutOfTolerance):
			return PriceOutOfTolerance, err.Error()
		case errors.Is(err, offer.ErrMarketPriceUnavailable):
			return MarketPriceNotAvailable, err.Error()
		default:
			return UnknownFailure, err.Error()
		}
	}

	r.selector.Bind(req.OfferID, req.UID, agent)
	oo.SetArbitrator(agent)
	return Available, ""
}
