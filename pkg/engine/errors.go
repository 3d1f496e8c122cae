package engine

// Error is a sentinel error type for engine operations
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrOfferNotFound    = Error("open offer not found")
	ErrOfferBeingEdited = Error("open offer is being edited")
	ErrNotEditing       = Error("open offer is not being edited")
	ErrDuplicateOffer   = Error("an open offer with this ID already exists")
	ErrEngineStopped    = Error("offer engine is stopped")
	ErrFundingFailed    = Error("offer cannot be funded")

	ErrActivationCanceled = Error("offer was deactivated while being activated")
)
