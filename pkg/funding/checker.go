package funding

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/kreutix/offerbook/pkg/offer"
	"github.com/kreutix/offerbook/pkg/types"
	"go.uber.org/zap"
)

// Error is a sentinel error type for funding checks
type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	// ErrFeeServiceNotReady is returned while no miner fee rate is known.
	// Callers retry with a bounded budget.
	ErrFeeServiceNotReady = Error("fee service not ready")

	// ErrNoFundingAddress is returned when the wallet cannot allocate an
	// address entry for an offer.
	ErrNoFundingAddress = Error("no funding address available")
)

// Retry budget for checks blocked on the fee service
const (
	MaxFeeServiceRetries = 10
)

// Utxo is a spendable wallet output
type Utxo struct {
	Hash  chainhash.Hash
	Index uint32
	Value btcutil.Amount
}

// Wallet is the BTC wallet used to fund trades
type Wallet interface {
	// Utxos lists the currently spendable outputs
	Utxos() []Utxo

	// FeeRate returns the miner fee rate in satoshis per vbyte; ok is false
	// until the fee service delivered a rate.
	FeeRate() (satPerVByte btcutil.Amount, ok bool)

	// AddressEntry returns the address reserved for offerID, allocating one
	// on first use.
	AddressEntry(offerID string) (btcutil.Address, error)

	// ReleaseAddressEntry frees the address reserved for offerID
	ReleaseAddressEntry(offerID string)
}

// FeeWallet holds the asset trade fees can be paid in instead of BTC
type FeeWallet interface {
	AvailableBalance() btcutil.Amount
}

// Result describes the outcome of a funding check
type Result struct {
	Fundable bool
	Reason   string

	Required  btcutil.Amount // BTC the trade locks, excluding miner fee
	TradeFee  btcutil.Amount
	MinerFee  btcutil.Amount
	VSize     int64
	Available btcutil.Amount
}

// Checker decides whether the local wallets can fund an offer
type Checker struct {
	logger *zap.Logger
	wallet Wallet
	fees   FeeWallet
	sched  FeeSchedule
	params *chaincfg.Params
}

// NewChecker creates a funding checker. feeWallet may be nil when trade
// fees are always paid in BTC.
func NewChecker(wallet Wallet, feeWallet FeeWallet, sched FeeSchedule, params *chaincfg.Params, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Checker{
		logger: logger,
		wallet: wallet,
		fees:   feeWallet,
		sched:  sched,
		params: params,
	}
}

// Fees returns the fee schedule the checker applies
func (c *Checker) Fees() FeeSchedule {
	return c.sched
}

// Check builds a hypothetical funding transaction for role's side of o and
// reports whether the wallet can cover it.
func (c *Checker) Check(o *offer.Offer, role types.Role) (*Result, error) {
	return c.check(o, role, false)
}

// CheckOpen is Check for an open offer whose trade fee was already paid:
// the fee is reported but no longer required from either wallet.
func (c *Checker) CheckOpen(o *offer.Offer, role types.Role) (*Result, error) {
	return c.check(o, role, true)
}

func (c *Checker) check(o *offer.Offer, role types.Role, feePaid bool) (*Result, error) {
	feeRate, ok := c.wallet.FeeRate()
	if !ok {
		return nil, ErrFeeServiceNotReady
	}

	p := o.Payload()
	side := p.Direction
	if role == types.RoleTaker {
		side = side.Mirror()
	}

	res := &Result{}
	if side == types.Sell {
		res.Required += p.Amount
	}
	if deposit, ok := p.SecurityDeposit(side); ok {
		res.Required += deposit
	}

	payFeeInBTC := true
	switch {
	case p.Kind == offer.KindSwap:
		// Swap fees are settled inside the swap transaction itself.
		res.TradeFee = c.sched.TradeFee(p.Amount, role)
	case role == types.RoleMaker && p.Standard != nil:
		res.TradeFee = p.Standard.MakerFee
		payFeeInBTC = p.Standard.FeeInBTC
	default:
		res.TradeFee = c.sched.TradeFee(p.Amount, role)
	}

	switch {
	case feePaid:
	case !payFeeInBTC:
		if c.fees == nil {
			return c.reject(o, res, "no fee wallet configured"), nil
		}
		if bal := c.fees.AvailableBalance(); bal < res.TradeFee {
			return c.reject(o, res, fmt.Sprintf("fee wallet balance %s below trade fee %s", bal, res.TradeFee)), nil
		}
	default:
		res.Required += res.TradeFee
	}

	addr, err := c.wallet.AddressEntry(p.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFundingAddress, err)
	}
	if !addr.IsForNet(c.params) {
		return nil, fmt.Errorf("%w: address %s is not for %s", ErrNoFundingAddress, addr, c.params.Name)
	}

	tx, inputs, err := c.buildSkeleton(addr, res.Required, feeRate)
	if err != nil {
		return c.reject(o, res, err.Error()), nil
	}
	res.VSize = VSize(tx)
	res.MinerFee = btcutil.Amount(res.VSize) * feeRate
	res.Available = inputs
	res.Fundable = true

	c.logger.Debug("Offer is fundable",
		zap.String("offerID", p.ID),
		zap.String("role", string(role)),
		zap.Int64("required", int64(res.Required)),
		zap.Int64("minerFee", int64(res.MinerFee)),
		zap.Int64("vsize", res.VSize))
	return res, nil
}

func (c *Checker) reject(o *offer.Offer, res *Result, reason string) *Result {
	res.Fundable = false
	res.Reason = reason
	c.logger.Debug("Offer is not fundable",
		zap.String("offerID", o.ID()),
		zap.String("reason", reason))
	return res
}

// buildSkeleton selects wallet outputs largest first until they cover
// required plus the miner fee of the transaction built so far.
func (c *Checker) buildSkeleton(addr btcutil.Address, required, feeRate btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build output script: %w", err)
	}

	utxos := append([]Utxo(nil), c.wallet.Utxos()...)
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Value > utxos[j].Value
	})

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(required), pkScript))
	change := wire.NewTxOut(0, changeScript())
	tx.AddTxOut(change)

	var total btcutil.Amount
	for i := range utxos {
		u := utxos[i]
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&u.Hash, u.Index), nil, dummyWitness()))
		total += u.Value

		fee := btcutil.Amount(VSize(tx)) * feeRate
		if total >= required+fee {
			change.Value = int64(total - required - fee)
			return tx, total, nil
		}
	}
	if required == 0 {
		return tx, total, nil
	}
	return nil, total, errors.New("insufficient funds")
}

// VSize returns the virtual size of tx
func VSize(tx *wire.MsgTx) int64 {
	stripped := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	return (stripped*3 + total + 3) / 4
}

// dummyWitness has the size of a P2WPKH signature and public key
func dummyWitness() wire.TxWitness {
	return wire.TxWitness{make([]byte, 72), make([]byte, 33)}
}

func changeScript() []byte {
	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(make([]byte, 20)).
		Script()
	return script
}
