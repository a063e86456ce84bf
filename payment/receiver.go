package payment

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	log "github.com/sirupsen/logrus"

	"github.com/lumenwallet/go-sdk/internal/utils"
	"github.com/lumenwallet/go-sdk/types"
)

type receiverState int

const (
	recvReceiving receiverState = iota
	recvFinalizing
	recvShutdown
)

// incomingRevealed is the terminal success: every part still present
// gets fulfilled with this preimage.
type incomingRevealed struct {
	preimage lntypes.Preimage
}

// incomingAborted is the terminal failure. A nil failure means each
// part is answered with IncorrectOrUnknownPaymentDetails over its own
// amount and the height retained at abort time, so replays are
// byte-identical.
type incomingAborted struct {
	failure lnwire.FailureMessage
	height  uint32
}

type ReceiverConfig struct {
	CltvRejectThreshold uint32
	PartTimeout         time.Duration
}

// IncomingReceiver merges the parts of one multipart payment against
// a local invoice and settles them all one way. It is created on the
// first matching HTLC and dies once the stream drains.
type IncomingReceiver struct {
	tag        FullPaymentTag
	cfg        ReceiverConfig
	bag        types.PaymentBag
	memo       *PreimageMemo
	bus        ChannelBus
	onShutdown func(FullPaymentTag)

	state     receiverState
	revealed  *incomingRevealed
	aborted   *incomingAborted
	seenParts int
	lastParts []IncomingPart

	actor *actor
}

func NewIncomingReceiver(
	tag FullPaymentTag, cfg ReceiverConfig, bag types.PaymentBag,
	memo *PreimageMemo, bus ChannelBus, onShutdown func(FullPaymentTag),
) *IncomingReceiver {
	r := &IncomingReceiver{
		tag:        tag,
		cfg:        cfg,
		bag:        bag,
		memo:       memo,
		bus:        bus,
		onShutdown: onShutdown,
		state:      recvReceiving,
	}
	r.actor = newActor(r.handle)
	r.actor.replaceWork(cfg.PartTimeout)
	return r
}

func (r *IncomingReceiver) Deliver(msg any) {
	r.actor.deliver(msg)
}

func (r *IncomingReceiver) Stop() {
	r.actor.stop()
}

func (r *IncomingReceiver) handle(msg any) {
	switch m := msg.(type) {
	case InFlightPayments:
		r.handleSnapshot(m.In[r.tag])
	case CMDTimeout:
		if r.state == recvReceiving {
			r.abort(nil, r.lastParts)
		}
	}
}

func (r *IncomingReceiver) handleSnapshot(parts []IncomingPart) {
	switch r.state {
	case recvReceiving:
		if len(parts) > r.seenParts {
			r.actor.replaceWork(r.cfg.PartTimeout)
		}
		r.seenParts = len(parts)
		r.lastParts = parts
		r.evaluate(parts)

	case recvFinalizing:
		r.reissue(parts)
		if len(parts) == 0 {
			r.becomeShutdown()
		}
	}
}

// evaluate walks the fulfill triggers in priority order.
func (r *IncomingReceiver) evaluate(parts []IncomingPart) {
	ctx := context.Background()
	hash := r.tag.PaymentHash

	invoice, err := r.bag.GetInvoice(ctx, hash)
	if err != nil && !errors.Is(err, types.ErrInvoiceNotFound) {
		log.WithError(err).Error("receiver: invoice lookup failed")
		return
	}

	// A preimage we already know settles the stream when there is no
	// invoice to collect against. A local invoice keeps its preimage in
	// the same table, so a pending invoice goes through the checks below.
	if invoice == nil {
		if preimage, err := r.memo.Get(ctx, hash); err == nil {
			r.fulfill(preimage, parts)
			return
		} else if !errors.Is(err, types.ErrPreimageNotFound) {
			log.WithError(err).Error("receiver: preimage lookup failed")
			return
		}
	}

	// A succeeded invoice with a lost memo entry is an idempotent
	// retry; the preimage must still be in the bag.
	if invoice != nil && invoice.Status == types.InvoiceSucceeded {
		preimage, err := r.bag.GetPreimage(ctx, hash)
		if err != nil {
			log.WithError(err).Error("receiver: succeeded invoice without preimage")
			return
		}
		r.fulfill(preimage, parts)
		return
	}

	// A part expiring too close to the tip is unsafe to hold.
	height := uint32(utils.BlockCount.Load())
	for _, part := range parts {
		if part.Htlc.Expiry < height+r.cfg.CltvRejectThreshold {
			r.abort(nil, parts)
			return
		}
	}

	if invoice != nil && len(parts) > 0 && totalIn(parts) >= invoice.AmountMsat {
		preimage, err := r.bag.GetPreimage(ctx, hash)
		if err != nil {
			log.WithError(err).Error("receiver: invoice without stored preimage")
			r.abort(nil, parts)
			return
		}
		r.fulfill(preimage, parts)
		return
	}

	// Not enough parts yet, keep collecting.
}

// fulfill runs the success bookkeeping in one storage transaction and
// only then settles every part. Channels deduplicate replays.
func (r *IncomingReceiver) fulfill(preimage lntypes.Preimage, parts []IncomingPart) {
	ctx := context.Background()
	received := totalIn(parts)

	err := r.bag.FulfillIncoming(ctx, r.tag.PaymentHash, preimage, received,
		r.tag.PaymentHash.String())
	if err != nil {
		// Retried on the next snapshot: parts stay pending until the
		// write lands.
		log.WithError(err).Error("receiver: fulfill bookkeeping failed")
		return
	}

	for _, part := range parts {
		r.bus.Send(CMDFulfillHTLC{Preimage: preimage, Add: part.Htlc}, part.Htlc.ChanID)
	}
	r.revealed = &incomingRevealed{preimage: preimage}
	r.state = recvFinalizing
}

func (r *IncomingReceiver) abort(failure lnwire.FailureMessage, parts []IncomingPart) {
	r.aborted = &incomingAborted{
		failure: failure,
		height:  uint32(utils.BlockCount.Load()),
	}
	r.state = recvFinalizing
	r.reissue(parts)
	if len(parts) == 0 {
		r.becomeShutdown()
	}
}

// reissue re-sends the terminal decision for every part still in
// flight.
func (r *IncomingReceiver) reissue(parts []IncomingPart) {
	for _, part := range parts {
		switch {
		case r.revealed != nil:
			r.bus.Send(CMDFulfillHTLC{
				Preimage: r.revealed.preimage, Add: part.Htlc,
			}, part.Htlc.ChanID)

		case r.aborted != nil:
			failure := r.aborted.failure
			if failure == nil {
				failure = lnwire.NewFailIncorrectDetails(
					part.Htlc.Amount, r.aborted.height,
				)
			}
			r.bus.Send(CMDFailHTLC{Failure: failure, Add: part.Htlc}, part.Htlc.ChanID)
		}
	}
}

func (r *IncomingReceiver) becomeShutdown() {
	r.state = recvShutdown
	r.actor.shutdown()
	if r.onShutdown != nil {
		r.onShutdown(r.tag)
	}
}

func totalIn(parts []IncomingPart) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, part := range parts {
		total += part.Htlc.Amount
	}
	return total
}
