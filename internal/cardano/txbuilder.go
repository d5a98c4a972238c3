package cardano

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// Redeemer alternatives: the spending paths of the escrow validator.
// Alternative 3 is the timeout path used by collect-timeout-refund.
const (
	RedeemerWithdraw             = 0
	RedeemerSubmitResult         = 1
	RedeemerWithdrawRefund       = 2
	RedeemerCollectTimeoutRefund = 3
	RedeemerAuthorizeRefund      = 4
	RedeemerSetRefundRequested   = 5
	RedeemerUnSetRefundRequested = 6
)

var (
	ErrNoUTxOs           = errors.New("no UTXOs found")
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrNoCollateral      = errors.New("no suitable collateral UTXO")
)

// Clock-skew buffer between the submitting node and the chain.
const validityBufferSec = 150

// Input selection never gathers more than 8 ADA of wallet inputs so a
// single transaction cannot grow oversized.
const maxInputLovelace = 8_000_000

const minCollateralLovelace = 3_000_000

// Fixed byte buffers for the minimum-UTXO calculation. These mirror the
// ledger's serialized-output sizing and must stay stable: changing them
// changes every generated transaction's minimum value.
const (
	baseOutputOverheadBytes   = 160
	outputHashBufferBytes     = 64
	cooldownTimeBufferBytes   = 18
	perNativeTokenBufferBytes = 30
	safetyMarginBytes         = 24
)

// ValidityWindow computes the transaction validity interval in slots.
// invalidBefore backdates by the skew buffer; invalidAfter is clamped so a
// transaction can never be valid past the contract's own result deadline.
func (p NetworkParams) ValidityWindow(now time.Time, resultTimeMS int64) (invalidBefore, invalidAfter uint64) {
	invalidBefore = p.SlotAtTime(now.Add(-validityBufferSec*time.Second)) - 1

	invalidAfter = p.SlotAtTime(now.Add(validityBufferSec*time.Second)) + 5
	resultBound := p.SlotAtTime(time.UnixMilli(resultTimeMS).Add(validityBufferSec*time.Second)) + 3
	if resultBound < invalidAfter {
		invalidAfter = resultBound
	}
	return invalidBefore, invalidAfter
}

// MinUTxOLovelace computes the minimum lovelace an output carrying the
// given datum must hold. Deterministic: same datum length and token count
// always yield the same value.
func (p NetworkParams) MinUTxOLovelace(datumBytes, nativeTokenCount int) int64 {
	size := int64(baseOutputOverheadBytes +
		datumBytes +
		outputHashBufferBytes +
		cooldownTimeBufferBytes +
		nativeTokenCount*perNativeTokenBufferBytes +
		safetyMarginBytes)
	return size * p.CoinsPerUTxOByte
}

// SelectInputs picks pure-ADA wallet UTXOs, smallest first, until the
// required amount is covered, staying under the 8 ADA input cap.
func SelectInputs(utxos []UTxO, required int64) ([]UTxO, int64, error) {
	if len(utxos) == 0 {
		return nil, 0, ErrNoUTxOs
	}

	candidates := make([]UTxO, 0, len(utxos))
	for _, u := range utxos {
		if u.NativeTokenCount() == 0 && u.Lovelace() > 0 {
			candidates = append(candidates, u)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Lovelace() < candidates[j].Lovelace()
	})

	var selected []UTxO
	var total int64
	for _, u := range candidates {
		if total >= required {
			break
		}
		if total+u.Lovelace() > maxInputLovelace {
			continue
		}
		selected = append(selected, u)
		total += u.Lovelace()
	}
	if total < required {
		return nil, 0, ErrInsufficientFunds
	}
	return selected, total, nil
}

// SelectCollateral picks the smallest pure-ADA UTXO large enough to serve
// as script collateral.
func SelectCollateral(utxos []UTxO) (*UTxO, error) {
	var best *UTxO
	for i := range utxos {
		u := &utxos[i]
		if u.NativeTokenCount() != 0 || u.Lovelace() < minCollateralLovelace {
			continue
		}
		if best == nil || u.Lovelace() < best.Lovelace() {
			best = u
		}
	}
	if best == nil {
		return nil, ErrNoCollateral
	}
	return best, nil
}

// TxOutput is one payment leg of a transaction under construction.
type TxOutput struct {
	Address  string
	Lovelace int64
	Assets   []models.Amount
	Datum    []byte // inline datum CBOR, nil for plain outputs
}

// SignedTx is a fully built, signed transaction ready for submission.
type SignedTx struct {
	Hash          string
	CBOR          []byte
	Fee           int64
	InvalidBefore uint64
	InvalidAfter  uint64
}

// SpendParams describes one escrow-contract spend: which contract UTXO to
// consume, under which redeemer, and where the value goes.
type SpendParams struct {
	ContractUTxO    UTxO
	ContractAddress string
	Redeemer        uint64
	NewDatum        *ContractDatum // nil when the contract value leaves the script
	Outputs         []TxOutput     // non-contract payment legs
	WalletUTxOs     []UTxO
	ChangeAddress   string
	Keys            *WalletKeys
	Now             time.Time
	ResultTimeMS    int64
}

type TxBuilder struct {
	params NetworkParams
}

func NewTxBuilder(params NetworkParams) *TxBuilder {
	return &TxBuilder{params: params}
}

// BuildContractSpend assembles and signs a transaction spending the escrow
// UTXO. Errors propagate to the job layer; nothing is swallowed here.
func (b *TxBuilder) BuildContractSpend(p SpendParams) (*SignedTx, error) {
	invalidBefore, invalidAfter := b.params.ValidityWindow(p.Now, p.ResultTimeMS)

	outputs := make([]interface{}, 0, len(p.Outputs)+2)

	if p.NewDatum != nil {
		datumCBOR, err := EncodeDatum(p.NewDatum)
		if err != nil {
			return nil, fmt.Errorf("encode new datum: %w", err)
		}
		minLovelace := b.params.MinUTxOLovelace(len(datumCBOR), p.ContractUTxO.NativeTokenCount())
		lovelace := p.ContractUTxO.Lovelace()
		if lovelace < minLovelace {
			lovelace = minLovelace
		}
		out, err := encodeOutput(TxOutput{
			Address:  p.ContractAddress,
			Lovelace: lovelace,
			Assets:   nonLovelace(p.ContractUTxO.Amount),
			Datum:    datumCBOR,
		})
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	for _, o := range p.Outputs {
		out, err := encodeOutput(o)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	feeBudget := b.params.MinFeeB + b.params.MinFeeA*4096
	walletInputs, walletTotal, err := SelectInputs(p.WalletUTxOs, feeBudget)
	if err != nil {
		return nil, err
	}
	collateral, err := SelectCollateral(p.WalletUTxOs)
	if err != nil {
		return nil, err
	}

	inputs := append([]UTxO{p.ContractUTxO}, walletInputs...)

	// Spend purpose, contract input index 0, redeemer data, ex units.
	redeemer := []interface{}{
		uint64(0),
		uint64(0),
		cbor.Tag{Number: constrTagBase + p.Redeemer, Content: []interface{}{}},
		[]interface{}{uint64(7_000_000), uint64(3_000_000_000)},
	}

	build := func(fee, change int64) ([]byte, error) {
		outs := append([]interface{}{}, outputs...)
		if change > 0 {
			changeOut, err := encodeOutput(TxOutput{Address: p.ChangeAddress, Lovelace: change})
			if err != nil {
				return nil, err
			}
			outs = append(outs, changeOut)
		}
		body := map[uint64]interface{}{
			0:  encodeInputs(inputs),
			1:  outs,
			2:  uint64(fee),
			3:  invalidAfter,
			8:  invalidBefore,
			13: encodeInputs([]UTxO{*collateral}),
		}
		return datumEncMode.Marshal(body)
	}

	// First pass with a placeholder fee to size the transaction, second
	// pass with the real fee and change.
	draft, err := build(feeBudget, walletTotal-feeBudget)
	if err != nil {
		return nil, err
	}
	fee := b.params.MinFeeB + b.params.MinFeeA*int64(len(draft)+256)
	if fee > walletTotal {
		return nil, ErrInsufficientFunds
	}

	bodyCBOR, err := build(fee, walletTotal-fee)
	if err != nil {
		return nil, err
	}

	return b.sign(bodyCBOR, p.Keys, [][]interface{}{redeemer}, fee, invalidBefore, invalidAfter)
}

// LockParams describes a funds-locking transaction: wallet value moves into
// the contract under a freshly encoded datum.
type LockParams struct {
	ContractAddress string
	Datum           *ContractDatum
	Amounts         []models.Amount
	WalletUTxOs     []UTxO
	ChangeAddress   string
	Keys            *WalletKeys
	Now             time.Time
	ResultTimeMS    int64
}

// BuildLock assembles and signs the funds-locking transaction.
func (b *TxBuilder) BuildLock(p LockParams) (*SignedTx, error) {
	invalidBefore, invalidAfter := b.params.ValidityWindow(p.Now, p.ResultTimeMS)

	datumCBOR, err := EncodeDatum(p.Datum)
	if err != nil {
		return nil, fmt.Errorf("encode datum: %w", err)
	}

	lockLovelace := lovelaceOf(p.Amounts)
	minLovelace := b.params.MinUTxOLovelace(len(datumCBOR), len(nonLovelace(p.Amounts)))
	if lockLovelace < minLovelace {
		lockLovelace = minLovelace
	}

	contractOut, err := encodeOutput(TxOutput{
		Address:  p.ContractAddress,
		Lovelace: lockLovelace,
		Assets:   nonLovelace(p.Amounts),
		Datum:    datumCBOR,
	})
	if err != nil {
		return nil, err
	}

	feeBudget := b.params.MinFeeB + b.params.MinFeeA*4096
	inputs, total, err := SelectInputs(p.WalletUTxOs, lockLovelace+feeBudget)
	if err != nil {
		return nil, err
	}

	build := func(fee, change int64) ([]byte, error) {
		outs := []interface{}{contractOut}
		if change > 0 {
			changeOut, err := encodeOutput(TxOutput{Address: p.ChangeAddress, Lovelace: change})
			if err != nil {
				return nil, err
			}
			outs = append(outs, changeOut)
		}
		body := map[uint64]interface{}{
			0: encodeInputs(inputs),
			1: outs,
			2: uint64(fee),
			3: invalidAfter,
			8: invalidBefore,
		}
		return datumEncMode.Marshal(body)
	}

	draft, err := build(feeBudget, total-lockLovelace-feeBudget)
	if err != nil {
		return nil, err
	}
	fee := b.params.MinFeeB + b.params.MinFeeA*int64(len(draft)+256)
	if lockLovelace+fee > total {
		return nil, ErrInsufficientFunds
	}

	bodyCBOR, err := build(fee, total-lockLovelace-fee)
	if err != nil {
		return nil, err
	}

	return b.sign(bodyCBOR, p.Keys, nil, fee, invalidBefore, invalidAfter)
}

// MintParams describes agent identity asset minting (+1) or burning (-1).
type MintParams struct {
	PolicyID      string // hex
	AssetNameHex  string
	Quantity      int64
	WalletUTxOs   []UTxO
	ChangeAddress string
	Keys          *WalletKeys
	Now           time.Time
}

// BuildMint assembles and signs a registry mint or burn transaction.
func (b *TxBuilder) BuildMint(p MintParams) (*SignedTx, error) {
	invalidBefore, invalidAfter := b.params.ValidityWindow(p.Now, p.Now.Add(time.Hour).UnixMilli())

	policyID, err := hex.DecodeString(p.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("invalid policy id: %w", err)
	}
	assetName, err := hex.DecodeString(p.AssetNameHex)
	if err != nil {
		return nil, fmt.Errorf("invalid asset name: %w", err)
	}

	feeBudget := b.params.MinFeeB + b.params.MinFeeA*4096
	holdLovelace := b.params.MinUTxOLovelace(0, 1)
	inputs, total, err := SelectInputs(p.WalletUTxOs, holdLovelace+feeBudget)
	if err != nil {
		return nil, err
	}

	build := func(fee, change int64) ([]byte, error) {
		outs := []interface{}{}
		if p.Quantity > 0 {
			assetOut, err := encodeOutput(TxOutput{
				Address:  p.ChangeAddress,
				Lovelace: holdLovelace,
				Assets:   []models.Amount{{Unit: p.PolicyID + p.AssetNameHex, Quantity: "1"}},
			})
			if err != nil {
				return nil, err
			}
			outs = append(outs, assetOut)
		}
		if change > 0 {
			changeOut, err := encodeOutput(TxOutput{Address: p.ChangeAddress, Lovelace: change})
			if err != nil {
				return nil, err
			}
			outs = append(outs, changeOut)
		}
		body := map[uint64]interface{}{
			0: encodeInputs(inputs),
			1: outs,
			2: uint64(fee),
			3: invalidAfter,
			8: invalidBefore,
			9: map[interface{}]interface{}{
				cbor.ByteString(policyID): map[interface{}]interface{}{
					cbor.ByteString(assetName): p.Quantity,
				},
			},
		}
		return datumEncMode.Marshal(body)
	}

	reserved := holdLovelace
	if p.Quantity < 0 {
		reserved = 0
	}

	draft, err := build(feeBudget, total-reserved-feeBudget)
	if err != nil {
		return nil, err
	}
	fee := b.params.MinFeeB + b.params.MinFeeA*int64(len(draft)+256)
	if reserved+fee > total {
		return nil, ErrInsufficientFunds
	}

	bodyCBOR, err := build(fee, total-reserved-fee)
	if err != nil {
		return nil, err
	}

	return b.sign(bodyCBOR, p.Keys, nil, fee, invalidBefore, invalidAfter)
}

func (b *TxBuilder) sign(bodyCBOR []byte, keys *WalletKeys, redeemers [][]interface{}, fee int64, invalidBefore, invalidAfter uint64) (*SignedTx, error) {
	txID := blake2b.Sum256(bodyCBOR)
	signature := ed25519.Sign(keys.PrivateKey, txID[:])

	witnesses := map[uint64]interface{}{
		0: [][]interface{}{{[]byte(keys.PublicKey), signature}},
	}
	if len(redeemers) > 0 {
		witnesses[5] = redeemers
	}

	var bodyRaw cbor.RawMessage = bodyCBOR
	txCBOR, err := datumEncMode.Marshal([]interface{}{bodyRaw, witnesses, true, nil})
	if err != nil {
		return nil, err
	}

	return &SignedTx{
		Hash:          hex.EncodeToString(txID[:]),
		CBOR:          txCBOR,
		Fee:           fee,
		InvalidBefore: invalidBefore,
		InvalidAfter:  invalidAfter,
	}, nil
}

func encodeInputs(utxos []UTxO) [][]interface{} {
	out := make([][]interface{}, 0, len(utxos))
	for _, u := range utxos {
		hash, _ := hex.DecodeString(u.TxHash)
		out = append(out, []interface{}{hash, uint64(u.OutputIndex)})
	}
	return out
}

func encodeOutput(o TxOutput) (interface{}, error) {
	addr, err := DecodeAddress(o.Address)
	if err != nil {
		return nil, err
	}

	var value interface{} = uint64(o.Lovelace)
	if len(o.Assets) > 0 {
		assets := map[interface{}]interface{}{}
		for _, a := range o.Assets {
			policy, name, err := splitUnit(a.Unit)
			if err != nil {
				return nil, err
			}
			inner, ok := assets[cbor.ByteString(policy)].(map[interface{}]interface{})
			if !ok {
				inner = map[interface{}]interface{}{}
				assets[cbor.ByteString(policy)] = inner
			}
			qty, err := strconv.ParseInt(a.Quantity, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid asset quantity %q: %w", a.Quantity, err)
			}
			inner[cbor.ByteString(name)] = qty
		}
		value = []interface{}{uint64(o.Lovelace), assets}
	}

	out := map[uint64]interface{}{
		0: addr,
		1: value,
	}
	if len(o.Datum) > 0 {
		out[2] = []interface{}{uint64(1), cbor.Tag{Number: 24, Content: o.Datum}}
	}
	return out, nil
}

// splitUnit breaks a concatenated policy+name unit into its parts.
func splitUnit(unit string) ([]byte, []byte, error) {
	raw, err := hex.DecodeString(unit)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid asset unit %q: %w", unit, err)
	}
	if len(raw) < 28 {
		return nil, nil, fmt.Errorf("invalid asset unit %q: policy id too short", unit)
	}
	return raw[:28], raw[28:], nil
}

func nonLovelace(amounts []models.Amount) []models.Amount {
	var out []models.Amount
	for _, a := range amounts {
		if a.Unit != "lovelace" {
			out = append(out, a)
		}
	}
	return out
}

func lovelaceOf(amounts []models.Amount) int64 {
	var total int64
	for _, a := range amounts {
		if a.Unit == "lovelace" {
			if v, err := strconv.ParseInt(a.Quantity, 10, 64); err == nil {
				total += v
			}
		}
	}
	return total
}
