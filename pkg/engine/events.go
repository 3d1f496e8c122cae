package engine

import (
	"github.com/kreutix/offerbook/pkg/types"
)

// EventKind identifies a change of the local open offer set
type EventKind int

const (
	OfferAdded EventKind = iota + 1
	OfferRemoved
	OfferStateChanged
	OfferDeactivatedAuto
)

func (k EventKind) String() string {
	switch k {
	case OfferAdded:
		return "offer_added"
	case OfferRemoved:
		return "offer_removed"
	case OfferStateChanged:
		return "offer_state_changed"
	case OfferDeactivatedAuto:
		return "offer_deactivated_auto"
	}
	return "unknown"
}

// Event is published on the engine topic for every change of an open offer
type Event struct {
	Kind    EventKind
	OfferID string
	State   types.OpenOfferState
	Reason  string // Set for automatic deactivations
}

// Auto-deactivation reasons
const (
	ReasonTriggerPrice = "trigger price reached"
	ReasonUnfunded     = "insufficient funds"
)

func (e *Engine) emit(kind EventKind, offerID string, state types.OpenOfferState, reason string) {
	e.events.Send(Event{Kind: kind, OfferID: offerID, State: state, Reason: reason})
}
