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

type relayState int

const (
	relayReceiving relayState = iota
	relaySending
	relayFinalizing
	relayShutdown
)

// Sending-side data variants. Exactly one is non-nil while in the
// sending state; revealed survives into finalizing.
type trampolineProcessing struct {
	cmd SendMultiPart
}

type trampolineStopping struct {
	retry bool
}

type trampolineRevealed struct {
	preimage lntypes.Preimage
	status   *SenderStatus
}

type trampolineAborted struct {
	failure lnwire.FailureMessage
}

type RelayerConfig struct {
	Schedule    FeeSchedule
	CltvDelta   uint32
	MinForward  lnwire.MilliSatoshi
	PartTimeout time.Duration
}

// TrampolineRelayer atomically binds an aggregated incoming HTLC
// stream to one outgoing multipart attempt. It never settles incoming
// before a preimage is known from the outgoing side, and once one is
// known it settles every incoming part no matter what the outgoing
// side does afterwards.
type TrampolineRelayer struct {
	tag        FullPaymentTag
	cfg        RelayerConfig
	bag        types.PaymentBag
	memo       *PreimageMemo
	bus        ChannelBus
	sender     OutgoingSender
	onShutdown func(FullPaymentTag)

	state      relayState
	processing *trampolineProcessing
	stopping   *trampolineStopping
	revealed   *trampolineRevealed
	aborted    *trampolineAborted

	seenParts    int
	lastSnapshot InFlightPayments
	earningsDone bool

	actor *actor
}

func NewTrampolineRelayer(
	tag FullPaymentTag, cfg RelayerConfig, bag types.PaymentBag,
	memo *PreimageMemo, bus ChannelBus, sender OutgoingSender,
	onShutdown func(FullPaymentTag),
) *TrampolineRelayer {
	r := &TrampolineRelayer{
		tag:        tag,
		cfg:        cfg,
		bag:        bag,
		memo:       memo,
		bus:        bus,
		sender:     sender,
		onShutdown: onShutdown,
		state:      relayReceiving,
	}
	// The sender sub-machine exists from the first moment so restart
	// reconciliation with leftover outgoing parts always has a home.
	sender.Spawn(tag)
	r.actor = newActor(r.handle)
	r.actor.replaceWork(cfg.PartTimeout)
	return r
}

func (r *TrampolineRelayer) Deliver(msg any) {
	r.actor.deliver(msg)
}

func (r *TrampolineRelayer) Stop() {
	r.actor.stop()
}

func (r *TrampolineRelayer) handle(msg any) {
	switch m := msg.(type) {
	case InFlightPayments:
		r.lastSnapshot = m
		r.handleSnapshot(m)

	case CMDTimeout:
		if r.state == relayReceiving && len(r.lastSnapshot.Out[r.tag]) == 0 {
			r.abort(&lnwire.FailMPPTimeout{}, r.lastSnapshot.In[r.tag])
		}

	case OutgoingPreimageRevealed:
		r.handleReveal(m)

	case OutgoingFailed:
		r.handleOutgoingFailed(m)
	}
}

func (r *TrampolineRelayer) handleSnapshot(snap InFlightPayments) {
	ins := snap.In[r.tag]
	outs := snap.Out[r.tag]

	switch r.state {
	case relayReceiving:
		if len(ins) > r.seenParts {
			r.actor.replaceWork(r.cfg.PartTimeout)
		}
		r.seenParts = len(ins)
		r.evaluateReceiving(ins, outs)

	case relaySending:
		if r.revealed != nil {
			r.fulfill(r.revealed.preimage, ins)
			if len(outs) == 0 {
				r.state = relayFinalizing
				if len(ins) == 0 {
					r.becomeShutdown()
				}
			}
		}

	case relayFinalizing:
		r.reissue(ins)
		if len(ins) == 0 && len(outs) == 0 {
			r.becomeShutdown()
		}
	}
}

func (r *TrampolineRelayer) evaluateReceiving(ins []IncomingPart, outs []OutgoingPart) {
	ctx := context.Background()

	// A preimage already in the store settles everything immediately.
	preimage, err := r.memo.Get(ctx, r.tag.PaymentHash)
	switch {
	case err == nil:
		r.revealed = &trampolineRevealed{preimage: preimage}
		r.fulfill(preimage, ins)
		r.state = relayFinalizing
		return
	case !errors.Is(err, types.ErrPreimageNotFound):
		log.WithError(err).Error("relayer: preimage lookup failed")
		return
	}

	if len(ins) == 0 {
		if len(outs) > 0 {
			// Outgoing leftovers with nothing incoming: drain, then fail.
			r.stopping = &trampolineStopping{retry: false}
			r.state = relaySending
		}
		return
	}

	expected := ins[0].Payload.TotalAmount
	if totalIn(ins) < expected {
		if len(outs) > 0 {
			r.stopping = &trampolineStopping{retry: false}
			r.state = relaySending
		}
		return
	}

	if len(outs) > 0 {
		// Restart with our own outgoing parts still in flight: wait
		// for them to drain, then retry from scratch.
		r.stopping = &trampolineStopping{retry: true}
		r.state = relaySending
		return
	}

	cmd, failure := r.buildRelay(ins)
	if failure != nil {
		r.abort(failure, ins)
		return
	}

	r.sender.Send(cmd)
	r.processing = &trampolineProcessing{cmd: cmd}
	r.state = relaySending
}

// buildRelay runs the validation table over the aggregated parts and,
// when everything holds, derives the outgoing send command.
func (r *TrampolineRelayer) buildRelay(ins []IncomingPart) (SendMultiPart, lnwire.FailureMessage) {
	height := uint32(utils.BlockCount.Load())
	total := totalIn(ins)
	badDetails := lnwire.NewFailIncorrectDetails(total, height)

	first := ins[0]
	inner := first.Inner
	if inner == nil {
		return SendMultiPart{}, &lnwire.FailTemporaryNodeFailure{}
	}

	for _, part := range ins {
		if part.Payload.TotalAmount != first.Payload.TotalAmount {
			return SendMultiPart{}, badDetails
		}
		if part.Inner == nil || part.Inner.AmountToForward != inner.AmountToForward {
			return SendMultiPart{}, badDetails
		}
	}

	if inner.InvoiceFeatures != nil && inner.PaymentSecret == nil {
		return SendMultiPart{}, &lnwire.FailTemporaryNodeFailure{}
	}

	forward := inner.AmountToForward
	if total-forward < r.cfg.Schedule.RelayFee(forward) {
		return SendMultiPart{}, &FailTrampolineFeeInsufficient{}
	}

	minExpiry := ins[0].Htlc.Expiry
	for _, part := range ins[1:] {
		if part.Htlc.Expiry < minExpiry {
			minExpiry = part.Htlc.Expiry
		}
	}
	if minExpiry-inner.OutgoingCltv < r.cfg.CltvDelta {
		return SendMultiPart{}, &FailTrampolineExpiryTooSoon{}
	}
	if inner.OutgoingCltv <= height {
		return SendMultiPart{}, &FailTrampolineExpiryTooSoon{}
	}

	if forward < r.cfg.MinForward {
		return SendMultiPart{}, &lnwire.FailTemporaryNodeFailure{}
	}

	excluded := make([]lnwire.ChannelID, 0, len(ins))
	for _, part := range ins {
		if !r.bus.IsOperational(part.Htlc.ChanID) {
			return SendMultiPart{}, &lnwire.FailTemporaryNodeFailure{}
		}
		excluded = append(excluded, part.Htlc.ChanID)
	}

	return SendMultiPart{
		Tag:                r.tag,
		TargetNode:         inner.NextNodeID,
		TotalAmount:        forward,
		FinalCltvExpiry:    inner.OutgoingCltv,
		CltvDeltaLimit:     minExpiry - inner.OutgoingCltv,
		ExcludedChannels:   excluded,
		PaymentSecret:      inner.PaymentSecret,
		InvoiceFeatures:    inner.InvoiceFeatures,
		InvoiceRoutingInfo: inner.InvoiceRoutingInfo,
	}, nil
}

// handleReveal is the point of no return: the preimage is persisted
// before any incoming part is settled with it.
func (r *TrampolineRelayer) handleReveal(m OutgoingPreimageRevealed) {
	if r.state == relayShutdown {
		return
	}

	ctx := context.Background()
	if err := r.memo.Put(ctx, r.tag.PaymentHash, m.Preimage); err != nil {
		log.WithError(err).Error("relayer: preimage persistence failed")
		// Without the preimage on disk we must not settle; the sender
		// re-delivers terminal events until acknowledged.
		return
	}

	status := m.Status
	r.recordEarnings(m.Preimage, &status)

	// A late reveal overrides an abort in progress.
	r.aborted = nil
	r.processing = nil
	r.stopping = nil
	r.revealed = &trampolineRevealed{preimage: m.Preimage, status: &status}
	if r.state == relayReceiving {
		r.state = relaySending
	}

	r.fulfill(m.Preimage, r.lastSnapshot.In[r.tag])
}

func (r *TrampolineRelayer) handleOutgoingFailed(m OutgoingFailed) {
	switch {
	case r.revealed != nil:
		// Already revealed: outgoing failures change nothing for the
		// incoming side.

	case r.processing != nil:
		r.processing = nil
		r.abort(chooseFailure(m.Status), r.lastSnapshot.In[r.tag])

	case r.stopping != nil && r.stopping.retry:
		// Leftovers drained: start over as if freshly created.
		r.stopping = nil
		r.state = relayReceiving
		r.seenParts = 0
		r.actor.replaceWork(r.cfg.PartTimeout)
		snap := r.lastSnapshot
		snap.Out = nil
		r.handleSnapshot(snap)

	case r.stopping != nil:
		r.stopping = nil
		r.abort(chooseFailure(m.Status), r.lastSnapshot.In[r.tag])
	}
}

// chooseFailure picks what the upstream sender learns: the final
// node's own failure beats an intermediate one, a local no-routes
// verdict is translated into a fee hint so the sender retries higher.
func chooseFailure(status SenderStatus) lnwire.FailureMessage {
	switch {
	case status.FinalNodeFailure != nil:
		return status.FinalNodeFailure
	case len(status.RemoteFailures) > 0:
		return status.RemoteFailures[0]
	case status.LocalNoRoutes:
		return &FailTrampolineFeeInsufficient{}
	default:
		return &lnwire.FailTemporaryNodeFailure{}
	}
}

// recordEarnings writes the single relay record. With parts still in
// flight the earning is the reserve minus what the sender spent on
// fees; otherwise the nominal scheduled fee.
func (r *TrampolineRelayer) recordEarnings(preimage lntypes.Preimage, status *SenderStatus) {
	if r.earningsDone {
		return
	}

	ins := r.lastSnapshot.In[r.tag]
	var forward, reserve lnwire.MilliSatoshi
	if len(ins) > 0 && ins[0].Inner != nil {
		forward = ins[0].Inner.AmountToForward
		reserve = totalIn(ins) - forward
	}

	earned := r.cfg.Schedule.RelayFee(forward)
	if status != nil && status.InFlightParts > 0 {
		earned = reserve - status.UsedFeeMsat
	}

	err := r.bag.AddRelayedPreimageInfo(context.Background(), types.RelayedPreimageInfo{
		PaymentHash:   r.tag.PaymentHash,
		PaymentSecret: r.tag.PaymentSecret,
		Preimage:      preimage,
		RelayedMsat:   forward,
		EarnedMsat:    earned,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		log.WithError(err).Error("relayer: earnings record failed")
		return
	}
	r.earningsDone = true
}

func (r *TrampolineRelayer) abort(failure lnwire.FailureMessage, ins []IncomingPart) {
	r.aborted = &trampolineAborted{failure: failure}
	r.state = relayFinalizing
	r.reissue(ins)
	if len(ins) == 0 && len(r.lastSnapshot.Out[r.tag]) == 0 {
		r.becomeShutdown()
	}
}

func (r *TrampolineRelayer) fulfill(preimage lntypes.Preimage, ins []IncomingPart) {
	for _, part := range ins {
		r.bus.Send(CMDFulfillHTLC{Preimage: preimage, Add: part.Htlc}, part.Htlc.ChanID)
	}
}

// reissue replays the terminal decision for whatever is still present.
func (r *TrampolineRelayer) reissue(ins []IncomingPart) {
	switch {
	case r.revealed != nil:
		r.fulfill(r.revealed.preimage, ins)
	case r.aborted != nil:
		for _, part := range ins {
			r.bus.Send(CMDFailHTLC{
				Failure: r.aborted.failure, Add: part.Htlc,
			}, part.Htlc.ChanID)
		}
	}
}

func (r *TrampolineRelayer) becomeShutdown() {
	r.state = relayShutdown
	r.actor.shutdown()
	if r.onShutdown != nil {
		r.onShutdown(r.tag)
	}
}
