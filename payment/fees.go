package payment

import (
	"math"

	"github.com/lightningnetwork/lnd/lnwire"
)

// FeeSchedule is the trampoline relay pricing: a flat base, a
// parts-per-million proportional component and a moderated
// exponential component that grows with the forwarded amount.
type FeeSchedule struct {
	BaseMsat    lnwire.MilliSatoshi
	Ppm         uint64
	Exponent    float64
	LogExponent float64
}

// RelayFee prices the forwarding of amt. The exponential component is
// amt^exponent + ln(amt)^logExponent, which stays negligible for
// small payments and dominates for large ones.
func (s FeeSchedule) RelayFee(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	fee := s.BaseMsat
	fee += lnwire.MilliSatoshi(uint64(amt) * s.Ppm / 1_000_000)

	if amt > 0 && s.Exponent > 0 {
		fee += lnwire.MilliSatoshi(math.Pow(float64(amt), s.Exponent))
	}
	if amt > 1 && s.LogExponent > 0 {
		fee += lnwire.MilliSatoshi(math.Pow(math.Log(float64(amt)), s.LogExponent))
	}
	return fee
}
