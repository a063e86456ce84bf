package payment

import (
	"github.com/lightningnetwork/lnd/lnwire"
)

// Trampoline failure codes, node-flagged per BOLT 4.
const (
	CodeTrampolineFeeInsufficient = lnwire.FlagNode | 51
	CodeTrampolineExpiryTooSoon   = lnwire.FlagNode | 52
)

// FailTrampolineFeeInsufficient tells the upstream sender its relay
// budget does not cover our fee schedule; it may retry with more.
type FailTrampolineFeeInsufficient struct{}

var _ lnwire.FailureMessage = (*FailTrampolineFeeInsufficient)(nil)

func (f *FailTrampolineFeeInsufficient) Code() lnwire.FailCode {
	return CodeTrampolineFeeInsufficient
}

func (f *FailTrampolineFeeInsufficient) Error() string {
	return f.Code().String()
}

// FailTrampolineExpiryTooSoon tells the upstream sender the incoming
// CLTV leaves us no safe slack to forward.
type FailTrampolineExpiryTooSoon struct{}

var _ lnwire.FailureMessage = (*FailTrampolineExpiryTooSoon)(nil)

func (f *FailTrampolineExpiryTooSoon) Code() lnwire.FailCode {
	return CodeTrampolineExpiryTooSoon
}

func (f *FailTrampolineExpiryTooSoon) Error() string {
	return f.Code().String()
}
