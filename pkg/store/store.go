package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/bvkgo/kv"
	"github.com/bvkgo/kvbadger"
	"github.com/dgraph-io/badger/v4"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	Keyspace        = "/offerbook"
	OpenOffersKey   = Keyspace + "/open"
	ClosedOffersKey = Keyspace + "/closed"
	KeyRingKey      = Keyspace + "/keyring"
)

// OpenOfferRecord is the persisted form of an OpenOffer
type OpenOfferRecord struct {
	Payload      *offer.Payload
	State        types.OpenOfferState
	Arbitrator   types.NodeAddress
	Mediator     types.NodeAddress
	RefundAgent  types.NodeAddress
	TriggerPrice decimal.Decimal
}

// ClosedOfferRecord is an archived offer that is no longer advertised
type ClosedOfferRecord struct {
	Payload  *offer.Payload
	State    types.OpenOfferState
	ClosedAt time.Time
}

type keyRecord struct {
	SignatureKey     []byte
	EncryptionPubKey []byte
}

type openList struct {
	Offers []*OpenOfferRecord
}

type closedList struct {
	Offers []*ClosedOfferRecord
}

// RecordOf snapshots oo for persistence
func RecordOf(oo *offer.OpenOffer) *OpenOfferRecord {
	arb, med, refund := oo.Agents()
	return &OpenOfferRecord{
		Payload:      oo.Offer().Payload(),
		State:        oo.State(),
		Arbitrator:   arb,
		Mediator:     med,
		RefundAgent:  refund,
		TriggerPrice: oo.TriggerPrice(),
	}
}

// OpenOffer rebuilds the in-memory OpenOffer from r
func (r *OpenOfferRecord) OpenOffer(feed offer.PriceFeed, sched offer.Scheduler) *offer.OpenOffer {
	oo := offer.NewOpenOffer(offer.New(r.Payload, feed), sched)
	oo.SetArbitrator(r.Arbitrator)
	oo.SetMediator(r.Mediator)
	oo.SetRefundAgent(r.RefundAgent)
	oo.SetTriggerPrice(r.TriggerPrice)
	if r.State != types.OpenAvailable {
		oo.SetState(r.State)
	}
	return oo
}

// Store persists the open offer list and the closed offer archive
type Store struct {
	db     kv.Database
	logger *zap.Logger
}

// New creates a store on top of db
func New(db kv.Database, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Open opens a badger database under dataDir. The returned function closes it.
func Open(dataDir string, logger *zap.Logger) (*Store, func() error, error) {
	bopts := badger.DefaultOptions(dataDir).WithLogger(nil)
	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open the database: %w", err)
	}
	db := kvbadger.New(bdb, isGoodKey)
	return New(db, logger), bdb.Close, nil
}

func isGoodKey(k string) bool {
	return path.IsAbs(k) && k == path.Clean(k)
}

func get[T any](ctx context.Context, g kv.Getter, key string) (*T, error) {
	value, err := g.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("could not get %q: %w", key, err)
	}
	gv := new(T)
	if err := gob.NewDecoder(value).Decode(gv); err != nil {
		return nil, fmt.Errorf("could not gob-decode value at key %q: %w", key, err)
	}
	return gv, nil
}

// getOrEmpty treats a missing key as an empty value
func getOrEmpty[T any](ctx context.Context, g kv.Getter, key string) (*T, error) {
	gv, err := get[T](ctx, g, key)
	if errors.Is(err, os.ErrNotExist) {
		return new(T), nil
	}
	return gv, err
}

func set[T any](ctx context.Context, s kv.Setter, key string, value *T) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("could not gob-encode value for key %q: %w", key, err)
	}
	return s.Set(ctx, key, &buf)
}

// LoadOpenOffers returns the open offers in saved order. An offer found in
// RESERVED state is loaded as AVAILABLE.
func (s *Store) LoadOpenOffers(ctx context.Context) ([]*OpenOfferRecord, error) {
	var list *openList
	err := kv.WithReader(ctx, s.db, func(ctx context.Context, r kv.Reader) (err error) {
		list, err = getOrEmpty[openList](ctx, r, OpenOffersKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not load open offers: %w", err)
	}

	for _, rec := range list.Offers {
		if rec.State == types.OpenReserved {
			s.logger.Info("Reverting reserved offer on load", zap.String("offerID", rec.Payload.ID))
			rec.State = types.OpenAvailable
		}
	}
	return list.Offers, nil
}

// SaveOpenOffers replaces the persisted open offer list
func (s *Store) SaveOpenOffers(ctx context.Context, offers []*OpenOfferRecord) error {
	return kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		return set(ctx, rw, OpenOffersKey, &openList{Offers: offers})
	})
}

// LoadClosedOffers returns the archive, oldest first
func (s *Store) LoadClosedOffers(ctx context.Context) ([]*ClosedOfferRecord, error) {
	var list *closedList
	err := kv.WithReader(ctx, s.db, func(ctx context.Context, r kv.Reader) (err error) {
		list, err = getOrEmpty[closedList](ctx, r, ClosedOffersKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not load closed offers: %w", err)
	}
	return list.Offers, nil
}

// ArchiveOffer appends rec to the closed offer archive
func (s *Store) ArchiveOffer(ctx context.Context, rec *ClosedOfferRecord) error {
	return kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		list, err := getOrEmpty[closedList](ctx, rw, ClosedOffersKey)
		if err != nil {
			return err
		}
		list.Offers = append(list.Offers, rec)
		return set(ctx, rw, ClosedOffersKey, list)
	})
}

// CancelOffer removes offerID from the open list and archives it as
// CANCELED in one transaction. It returns os.ErrNotExist when the offer is
// not open.
func (s *Store) CancelOffer(ctx context.Context, offerID string, now time.Time) error {
	return kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		open, err := getOrEmpty[openList](ctx, rw, OpenOffersKey)
		if err != nil {
			return err
		}

		idx := -1
		for i, rec := range open.Offers {
			if rec.Payload.ID == offerID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("offer %s: %w", offerID, os.ErrNotExist)
		}
		rec := open.Offers[idx]
		open.Offers = append(open.Offers[:idx], open.Offers[idx+1:]...)

		closed, err := getOrEmpty[closedList](ctx, rw, ClosedOffersKey)
		if err != nil {
			return err
		}
		closed.Offers = append(closed.Offers, &ClosedOfferRecord{
			Payload:  rec.Payload,
			State:    types.OpenCanceled,
			ClosedAt: now,
		})

		if err := set(ctx, rw, OpenOffersKey, open); err != nil {
			return err
		}
		return set(ctx, rw, ClosedOffersKey, closed)
	})
}

// KeyRing returns the node's signing key ring, creating and saving a fresh
// one on first use.
func (s *Store) KeyRing(ctx context.Context) (*types.KeyRing, error) {
	var keys *types.KeyRing
	err := kv.WithReadWriter(ctx, s.db, func(ctx context.Context, rw kv.ReadWriter) error {
		rec, err := get[keyRecord](ctx, rw, KeyRingKey)
		if err == nil {
			priv, pub := btcec.PrivKeyFromBytes(rec.SignatureKey)
			keys = &types.KeyRing{
				SignatureKey: priv,
				Public: types.PubKeyRing{
					SignaturePubKey:  pub.SerializeCompressed(),
					EncryptionPubKey: rec.EncryptionPubKey,
				},
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		if keys, err = types.NewKeyRing(); err != nil {
			return err
		}
		s.logger.Info("Created new key ring")
		return set(ctx, rw, KeyRingKey, &keyRecord{
			SignatureKey:     keys.SignatureKey.Serialize(),
			EncryptionPubKey: keys.Public.EncryptionPubKey,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("could not load key ring: %w", err)
	}
	return keys, nil
}
