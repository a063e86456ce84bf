package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

var ReconnectConfig = struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}{
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
}

// ShouldReconnect classifies a transport error: deliberate shutdowns
// and local cancellation end the session, everything else is worth a
// delayed redial.
func ShouldReconnect(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, net.ErrClosed):
		return false, 0
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true, ReconnectConfig.InitialDelay
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return false, 0
		case websocket.CloseServiceRestart, websocket.CloseTryAgainLater:
			return true, 5 * time.Second
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 5 * time.Second
	}

	return true, ReconnectConfig.InitialDelay
}

// NextDelay advances the exponential backoff.
func NextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return ReconnectConfig.InitialDelay
	}
	next := time.Duration(float64(current) * ReconnectConfig.Multiplier)
	if next > ReconnectConfig.MaxDelay {
		return ReconnectConfig.MaxDelay
	}
	return next
}
