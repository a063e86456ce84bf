package lumensdk

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/lumenwallet/go-sdk/types"
)

const (
	defaultSwipeRange   = 10
	defaultDustLimit    = btcutil.Amount(546)
	defaultFeeRatePerKw = 2500

	// Incoming parts are dropped when their CLTV gets this close to
	// the tip.
	defaultCltvRejectThreshold uint32 = 144

	defaultTrampolineCltvDelta uint32 = 144
	defaultTrampolineBaseMsat         = lnwire.MilliSatoshi(1000)
	defaultTrampolinePpm       uint64 = 1000
	defaultTrampolineMin              = lnwire.MilliSatoshi(1000)

	defaultPartTimeout = 60 * time.Second
)

func lnwireMsat(v uint64) lnwire.MilliSatoshi {
	return lnwire.MilliSatoshi(v)
}

// applyConfigDefaults fills the zero-valued knobs with the defaults a
// mobile wallet ships with.
func applyConfigDefaults(cfg *types.Config) {
	if cfg.SwipeRange == 0 {
		cfg.SwipeRange = defaultSwipeRange
	}
	if cfg.DustLimit == 0 {
		cfg.DustLimit = defaultDustLimit
	}
	if cfg.FeeRatePerKw == 0 {
		cfg.FeeRatePerKw = defaultFeeRatePerKw
	}
	if cfg.CltvRejectThreshold == 0 {
		cfg.CltvRejectThreshold = defaultCltvRejectThreshold
	}
	if cfg.TrampolineCltvDelta == 0 {
		cfg.TrampolineCltvDelta = defaultTrampolineCltvDelta
	}
	if cfg.TrampolineBaseMsat == 0 {
		cfg.TrampolineBaseMsat = defaultTrampolineBaseMsat
	}
	if cfg.TrampolinePpm == 0 {
		cfg.TrampolinePpm = defaultTrampolinePpm
	}
	if cfg.TrampolineMinForward == 0 {
		cfg.TrampolineMinForward = defaultTrampolineMin
	}
	if cfg.StoreType == "" {
		cfg.StoreType = types.KVStore
	}
}
