package cardano

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// ContractState is the datum's state tag (Plutus constructor index).
type ContractState int

const (
	StateFundsLocked ContractState = iota
	StateResultSubmitted
	StateRefundRequested
	StateDisputed
)

// Plutus encodes constructor i as CBOR tag 121+i for i in 0..6.
const constrTagBase = 121

// ContractDatum is the typed form of the escrow contract's on-chain datum.
// Vkeys and hashes are hex strings, addresses bech32, all numeric fields
// big integers (unix milliseconds / lovelace) so comparisons never pass
// through floating point.
type ContractDatum struct {
	BuyerVkey     string
	BuyerAddress  string
	SellerVkey    string
	SellerAddress string

	BlockchainIdentifier string
	InputHash            string
	ResultHash           string

	PayByTime                 *big.Int
	SubmitResultTime          *big.Int
	UnlockTime                *big.Int
	ExternalDisputeUnlockTime *big.Int
	SellerCoolDownTime        *big.Int
	BuyerCoolDownTime         *big.Int
	CollateralReturnLovelace  *big.Int

	State ContractState
}

// Datum field layout inside constructor 0. The order is part of the
// contract ABI and must not change.
const datumFieldCount = 15

var datumEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.BigIntConvert = cbor.BigIntConvertShortest
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	datumEncMode = em
}

// DecodeDatum parses a raw CBOR datum into its typed form. It returns nil
// on any structurally invalid input so callers can treat malformed datums
// as "not a match" instead of a fatal error.
func DecodeDatum(raw []byte) *ContractDatum {
	if len(raw) == 0 {
		return nil
	}

	var top cbor.RawTag
	if err := cbor.Unmarshal(raw, &top); err != nil {
		return nil
	}
	if top.Number != constrTagBase {
		return nil
	}

	var fields []cbor.RawMessage
	if err := cbor.Unmarshal(top.Content, &fields); err != nil {
		return nil
	}
	if len(fields) != datumFieldCount {
		return nil
	}

	d := &ContractDatum{}

	byteFields := []struct {
		idx int
		dst *string
		hex bool
	}{
		{0, &d.BuyerVkey, true},
		{1, &d.BuyerAddress, false},
		{2, &d.SellerVkey, true},
		{3, &d.SellerAddress, false},
		{4, &d.BlockchainIdentifier, false},
		{5, &d.InputHash, true},
		{6, &d.ResultHash, true},
	}
	for _, f := range byteFields {
		var b []byte
		if err := cbor.Unmarshal(fields[f.idx], &b); err != nil {
			return nil
		}
		if f.hex {
			*f.dst = hex.EncodeToString(b)
		} else {
			*f.dst = string(b)
		}
	}

	intFields := []struct {
		idx int
		dst **big.Int
	}{
		{7, &d.PayByTime},
		{8, &d.SubmitResultTime},
		{9, &d.UnlockTime},
		{10, &d.ExternalDisputeUnlockTime},
		{11, &d.SellerCoolDownTime},
		{12, &d.BuyerCoolDownTime},
		{13, &d.CollateralReturnLovelace},
	}
	for _, f := range intFields {
		n := new(big.Int)
		if err := cbor.Unmarshal(fields[f.idx], n); err != nil {
			return nil
		}
		*f.dst = n
	}

	var state cbor.RawTag
	if err := cbor.Unmarshal(fields[14], &state); err != nil {
		return nil
	}
	if state.Number < constrTagBase || state.Number > constrTagBase+uint64(StateDisputed) {
		return nil
	}
	var stateFields []cbor.RawMessage
	if err := cbor.Unmarshal(state.Content, &stateFields); err != nil || len(stateFields) != 0 {
		return nil
	}
	d.State = ContractState(state.Number - constrTagBase)

	return d
}

// EncodeDatum produces the deterministic on-chain CBOR for a datum.
func EncodeDatum(d *ContractDatum) ([]byte, error) {
	buyerVkey, err := hex.DecodeString(d.BuyerVkey)
	if err != nil {
		return nil, err
	}
	sellerVkey, err := hex.DecodeString(d.SellerVkey)
	if err != nil {
		return nil, err
	}
	inputHash, err := hex.DecodeString(d.InputHash)
	if err != nil {
		return nil, err
	}
	resultHash, err := hex.DecodeString(d.ResultHash)
	if err != nil {
		return nil, err
	}

	fields := []interface{}{
		buyerVkey,
		[]byte(d.BuyerAddress),
		sellerVkey,
		[]byte(d.SellerAddress),
		[]byte(d.BlockchainIdentifier),
		inputHash,
		resultHash,
		d.PayByTime,
		d.SubmitResultTime,
		d.UnlockTime,
		d.ExternalDisputeUnlockTime,
		d.SellerCoolDownTime,
		d.BuyerCoolDownTime,
		d.CollateralReturnLovelace,
		cbor.Tag{Number: constrTagBase + uint64(d.State), Content: []interface{}{}},
	}

	return datumEncMode.Marshal(cbor.Tag{Number: constrTagBase, Content: fields})
}

// Exact bidirectional mapping between datum state tags and observed
// on-chain states. Any unmapped pair is a mismatch, never a default-true.
var contractToOnChainState = map[ContractState]string{
	StateFundsLocked:     models.OnChainStateFundsLocked,
	StateResultSubmitted: models.OnChainStateResultSubmitted,
	StateRefundRequested: models.OnChainStateRefundRequested,
	StateDisputed:        models.OnChainStateDisputed,
}

// OnChainStateFor maps a datum state tag to the on-chain state it denotes.
func OnChainStateFor(state ContractState) (string, bool) {
	s, ok := contractToOnChainState[state]
	return s, ok
}

// ContractStateFor is the inverse of OnChainStateFor. Only the four datum
// states have a tag; terminal off-chain states do not.
func ContractStateFor(onChainState string) (ContractState, bool) {
	for state, s := range contractToOnChainState {
		if s == onChainState {
			return state, true
		}
	}
	return 0, false
}

// ContractStateMatchesOnChainState reports whether a datum state tag and an
// observed on-chain state denote the same contract phase.
func ContractStateMatchesOnChainState(state ContractState, onChainState string) bool {
	mapped, ok := contractToOnChainState[state]
	return ok && mapped == onChainState
}

// NewCooldownTime computes the counterparty cooldown written into an
// updated datum: now plus the configured cooldown period.
func NewCooldownTime(now time.Time, periodMS int64) *big.Int {
	return big.NewInt(now.UnixMilli() + periodMS)
}
