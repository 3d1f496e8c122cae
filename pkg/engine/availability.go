package engine

import (
	"github.com/kreutix/offerbook/pkg/availability"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// loopEnv exposes engine state to the availability responder. It is only
// used on the loop.
type loopEnv struct {
	e *Engine
}

func (env loopEnv) IsBootstrapped() bool {
	return env.e.deps.Directory.IsBootstrapped()
}

func (env loopEnv) IsStopped() bool {
	return env.e.stopped
}

func (env loopEnv) FindOpenOffer(offerID string) (*offer.OpenOffer, bool) {
	return env.e.find(offerID)
}

func (env loopEnv) IsIgnored(sender types.NodeAddress, _ *types.PubKeyRing) bool {
	return env.e.deps.IgnoreList != nil && env.e.deps.IgnoreList.IsIgnored(sender)
}

// stoppedEnv answers requests arriving after the loop exited
type stoppedEnv struct {
	bootstrapped bool
}

func (env stoppedEnv) IsBootstrapped() bool                            { return env.bootstrapped }
func (stoppedEnv) IsStopped() bool                                     { return true }
func (stoppedEnv) FindOpenOffer(string) (*offer.OpenOffer, bool)       { return nil, false }
func (stoppedEnv) IsIgnored(types.NodeAddress, *types.PubKeyRing) bool { return false }

// RespondToAvailabilityRequest decides the answer to req on the loop
func (e *Engine) RespondToAvailabilityRequest(sender types.NodeAddress, req *availability.Request) (*availability.Response, *availability.Ack) {
	var resp *availability.Response
	var ack *availability.Ack
	done := make(chan struct{})
	ok := e.post(func() {
		defer close(done)
		resp, ack = e.responder.Respond(loopEnv{e}, sender, req)
		if resp.Result == availability.Available {
			e.persist()
		}
	})
	if !ok {
		return e.responder.Respond(stoppedEnv{e.deps.Directory.IsBootstrapped()}, sender, req)
	}
	<-done
	return resp, ack
}

// handleAvailabilityRequest answers a direct availability request with one
// response and one ack. Send failures are logged only.
func (e *Engine) handleAvailabilityRequest(sender peer.ID, msg *types.P2PMessage) error {
	req := new(availability.Request)
	if err := msg.DecodePayload(req); err != nil {
		e.logger.Warn("Malformed availability request",
			zap.String("peer", sender.String()),
			zap.Error(err))
		req = new(availability.Request)
	}

	addr := types.NodeAddress(sender.String())
	resp, ack := e.RespondToAvailabilityRequest(addr, req)

	if err := e.deps.Messenger.SendTo(addr, availability.MsgTypeResponse, resp); err != nil {
		e.logger.Warn("Failed to send availability response",
			zap.String("offerID", req.OfferID),
			zap.String("peer", sender.String()),
			zap.Error(err))
	}
	if err := e.deps.Messenger.SendTo(addr, availability.MsgTypeAck, ack); err != nil {
		e.logger.Info("Failed to send ack for availability request",
			zap.String("offerID", req.OfferID),
			zap.String("peer", sender.String()),
			zap.Error(err))
	}
	return nil
}
