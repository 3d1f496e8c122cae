package funding

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/visvasity/topic"
)

// MemWallet is an in-memory Wallet and FeeWallet. Balances are set
// explicitly; each change is announced on the balance topic.
type MemWallet struct {
	params *chaincfg.Params

	mu         sync.Mutex
	utxos      []Utxo
	feeRate    btcutil.Amount
	feeBalance btcutil.Amount
	addrs      map[string]btcutil.Address

	balanceTopic *topic.Topic[btcutil.Amount]
	feeRateTopic *topic.Topic[btcutil.Amount]
}

// NewMemWallet creates an empty wallet for params
func NewMemWallet(params *chaincfg.Params) *MemWallet {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &MemWallet{
		params:       params,
		addrs:        make(map[string]btcutil.Address),
		balanceTopic: topic.New[btcutil.Amount](),
		feeRateTopic: topic.New[btcutil.Amount](),
	}
}

// SetBalance replaces all outputs with a single output of amount
func (w *MemWallet) SetBalance(amount btcutil.Amount) {
	w.mu.Lock()
	w.setBalanceLocked(amount)
	w.mu.Unlock()

	w.balanceTopic.Send(amount)
}

func (w *MemWallet) setBalanceLocked(amount btcutil.Amount) {
	w.utxos = nil
	if amount > 0 {
		hash := chainhash.DoubleHashH([]byte(fmt.Sprintf("memwallet-%d", amount)))
		w.utxos = []Utxo{{Hash: hash, Index: 0, Value: amount}}
	}
}

// AddUtxo adds a spendable output
func (w *MemWallet) AddUtxo(u Utxo) {
	w.mu.Lock()
	w.utxos = append(w.utxos, u)
	bal := w.balanceLocked()
	w.mu.Unlock()

	w.balanceTopic.Send(bal)
}

// SetFeeRate sets the miner fee rate; zero means the fee service is not
// ready. Changes are announced on the fee rate topic.
func (w *MemWallet) SetFeeRate(satPerVByte btcutil.Amount) {
	w.mu.Lock()
	changed := w.feeRate != satPerVByte
	w.feeRate = satPerVByte
	w.mu.Unlock()

	if changed {
		w.feeRateTopic.Send(satPerVByte)
	}
}

// SetFeeBalance sets the balance of the fee asset
func (w *MemWallet) SetFeeBalance(amount btcutil.Amount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feeBalance = amount
}

// Balance returns the sum of all outputs
func (w *MemWallet) Balance() btcutil.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked()
}

func (w *MemWallet) balanceLocked() btcutil.Amount {
	var sum btcutil.Amount
	for _, u := range w.utxos {
		sum += u.Value
	}
	return sum
}

// BalanceUpdates subscribes to balance changes
func (w *MemWallet) BalanceUpdates() (*topic.Receiver[btcutil.Amount], error) {
	return topic.Subscribe(w.balanceTopic, 1, false)
}

// FeeRateUpdates subscribes to miner fee rate changes
func (w *MemWallet) FeeRateUpdates() (*topic.Receiver[btcutil.Amount], error) {
	return topic.Subscribe(w.feeRateTopic, 1, false)
}

func (w *MemWallet) Utxos() []Utxo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Utxo(nil), w.utxos...)
}

func (w *MemWallet) FeeRate() (btcutil.Amount, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feeRate, w.feeRate > 0
}

func (w *MemWallet) AddressEntry(offerID string) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if addr, ok := w.addrs[offerID]; ok {
		return addr, nil
	}
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), w.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create address: %w", err)
	}
	w.addrs[offerID] = addr
	return addr, nil
}

func (w *MemWallet) ReleaseAddressEntry(offerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.addrs, offerID)
}

// HasAddressEntry reports whether an address is reserved for offerID
func (w *MemWallet) HasAddressEntry(offerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.addrs[offerID]
	return ok
}

// AvailableBalance implements FeeWallet
func (w *MemWallet) AvailableBalance() btcutil.Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feeBalance
}

// PayTradeFee deducts the maker fee of o, from the BTC outputs when the
// offer pays its fee in BTC and from the fee asset otherwise.
func (w *MemWallet) PayTradeFee(ctx context.Context, o *offer.Offer, fee btcutil.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fee <= 0 {
		return nil
	}

	inBTC := o.Payload().Standard != nil && o.Payload().Standard.FeeInBTC
	if !inBTC {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.feeBalance < fee {
			return fmt.Errorf("insufficient fee balance: have %s, need %s", w.feeBalance, fee)
		}
		w.feeBalance -= fee
		return nil
	}

	w.mu.Lock()
	bal := w.balanceLocked()
	if bal < fee {
		w.mu.Unlock()
		return fmt.Errorf("insufficient balance: have %s, need %s", bal, fee)
	}
	w.setBalanceLocked(bal - fee)
	w.mu.Unlock()

	w.balanceTopic.Send(bal - fee)
	return nil
}
