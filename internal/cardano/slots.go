package cardano

import (
	"time"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// NetworkParams are the per-network slot arithmetic and ledger constants.
// ZeroTime/ZeroSlot anchor the Shelley era; both networks run 1s slots.
type NetworkParams struct {
	ZeroTime         int64 // unix seconds of slot ZeroSlot
	ZeroSlot         uint64
	SlotLengthSec    int64
	CoinsPerUTxOByte int64
	MinFeeA          int64 // lovelace per tx byte
	MinFeeB          int64 // constant lovelace
}

var mainnetParams = NetworkParams{
	ZeroTime:         1596059091,
	ZeroSlot:         4492800,
	SlotLengthSec:    1,
	CoinsPerUTxOByte: 4310,
	MinFeeA:          44,
	MinFeeB:          155381,
}

var preprodParams = NetworkParams{
	ZeroTime:         1655769600,
	ZeroSlot:         86400,
	SlotLengthSec:    1,
	CoinsPerUTxOByte: 4310,
	MinFeeA:          44,
	MinFeeB:          155381,
}

func ParamsForNetwork(network string) NetworkParams {
	if network == models.NetworkMainnet {
		return mainnetParams
	}
	return preprodParams
}

// SlotAtTime converts wall-clock time to the network slot number.
func (p NetworkParams) SlotAtTime(t time.Time) uint64 {
	sec := t.Unix()
	if sec <= p.ZeroTime {
		return p.ZeroSlot
	}
	return p.ZeroSlot + uint64((sec-p.ZeroTime)/p.SlotLengthSec)
}
