package utils

import "sync/atomic"

// BlockCount is the process-wide view of the current chain height.
// The wallet state machine stores into it; payment state machines
// read it for CLTV safety checks. It only ever moves forward.
var BlockCount atomic.Int32

// LastDisconnect is the unix-millisecond timestamp of the most recent
// server disconnect, for reconnection pacing.
var LastDisconnect atomic.Int64
