package payment

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/lumenwallet/go-sdk/internal/utils"
)

func testRelayerConfig() RelayerConfig {
	return RelayerConfig{
		Schedule:    FeeSchedule{BaseMsat: 200},
		CltvDelta:   40,
		MinForward:  100,
		PartTimeout: time.Hour,
	}
}

func newTestRelayer(
	t *testing.T, bag *fakeBag, bus *fakeBus, sender *fakeSender,
) (*TrampolineRelayer, *shutdownFlag) {
	t.Helper()
	flag := &shutdownFlag{}
	r := NewTrampolineRelayer(
		trampolineTag(), testRelayerConfig(), bag, NewPreimageMemo(bag),
		bus, sender, flag.set,
	)
	t.Cleanup(r.Stop)
	return r, flag
}

func testNodeKey(t *testing.T) *btcec.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv.PubKey()
}

func relayParts(t *testing.T, forward lnwire.MilliSatoshi, amounts ...lnwire.MilliSatoshi) []IncomingPart {
	t.Helper()
	inner := &InnerPayload{
		AmountToForward: forward,
		OutgoingCltv:    300,
		NextNodeID:      testNodeKey(t),
	}
	var total lnwire.MilliSatoshi
	for _, amt := range amounts {
		total += amt
	}
	parts := make([]IncomingPart, 0, len(amounts))
	for i, amt := range amounts {
		parts = append(parts, trampolinePart(uint64(i+1), amt, total, 500, inner))
	}
	return parts
}

func snapshotWithOut(tag FullPaymentTag, ins []IncomingPart, outs []OutgoingPart) InFlightPayments {
	return InFlightPayments{
		In:  map[FullPaymentTag][]IncomingPart{tag: ins},
		Out: map[FullPaymentTag][]OutgoingPart{tag: outs},
	}
}

func awaitSends(t *testing.T, sender *fakeSender, n int) []SendMultiPart {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.sent()) >= n
	}, time.Second, 5*time.Millisecond)
	return sender.sent()
}

func TestRelayerSendsOutgoingWhenFunded(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	// 1100 in, 800 forwarded: the 300 reserve clears the 200 fee.
	parts := relayParts(t, 800, 600, 500)
	r.Deliver(snapshotIn(trampolineTag(), parts...))

	cmds := awaitSends(t, sender, 1)
	require.Equal(t, lnwire.MilliSatoshi(800), cmds[0].TotalAmount)
	require.Equal(t, uint32(300), cmds[0].FinalCltvExpiry)
	require.Equal(t, uint32(200), cmds[0].CltvDeltaLimit)
	require.Len(t, cmds[0].ExcludedChannels, 2)

	// Nothing is settled before the outgoing side reveals.
	awaitNoCmds(t, bus)
}

func TestRelayerFeeInsufficient(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	// 1100 in, 1000 forwarded: the 100 reserve misses the 200 fee.
	parts := relayParts(t, 1000, 600, 500)
	r.Deliver(snapshotIn(trampolineTag(), parts...))

	cmds := awaitCmds(t, bus, 2)
	for _, sent := range cmds {
		fail, ok := sent.cmd.(CMDFailHTLC)
		require.True(t, ok)
		require.IsType(t, &FailTrampolineFeeInsufficient{}, fail.Failure)
	}
	require.Empty(t, sender.sent())
}

func TestRelayerExpiryTooSoon(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	inner := &InnerPayload{
		AmountToForward: 800,
		OutgoingCltv:    480, // leaves only 20 blocks of slack
		NextNodeID:      testNodeKey(t),
	}
	part := trampolinePart(1, 1100, 1100, 500, inner)
	r.Deliver(snapshotIn(trampolineTag(), part))

	cmds := awaitCmds(t, bus, 1)
	fail := cmds[0].cmd.(CMDFailHTLC)
	require.IsType(t, &FailTrampolineExpiryTooSoon{}, fail.Failure)
}

func TestRelayerRevealFulfillsAndRecordsEarnings(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	parts := relayParts(t, 800, 600, 500)
	r.Deliver(snapshotIn(trampolineTag(), parts...))
	awaitSends(t, sender, 1)

	r.Deliver(OutgoingPreimageRevealed{
		Tag:      trampolineTag(),
		Preimage: testPreimage,
		Status:   SenderStatus{InFlightParts: 2, UsedFeeMsat: 120},
	})

	cmds := awaitCmds(t, bus, 2)
	for _, sent := range cmds {
		fulfill, ok := sent.cmd.(CMDFulfillHTLC)
		require.True(t, ok)
		require.Equal(t, testPreimage, fulfill.Preimage)
	}

	// Preimage persisted before any settle command went out.
	entries := log.list()
	require.Less(t,
		indexOfEntry(entries, "bag:set-preimage"),
		indexOfEntry(entries, "bus:fulfill"),
	)

	// In-flight sender parts: earning is the reserve minus used fees.
	infos := bag.relayedInfos()
	require.Len(t, infos, 1)
	require.Equal(t, lnwire.MilliSatoshi(800), infos[0].RelayedMsat)
	require.Equal(t, lnwire.MilliSatoshi(300-120), infos[0].EarnedMsat)
}

func TestRelayerOutgoingFailurePropagates(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	parts := relayParts(t, 800, 600, 500)
	r.Deliver(snapshotIn(trampolineTag(), parts...))
	awaitSends(t, sender, 1)

	// A local no-routes verdict is translated into a fee hint.
	r.Deliver(OutgoingFailed{
		Tag:    trampolineTag(),
		Status: SenderStatus{LocalNoRoutes: true},
	})

	cmds := awaitCmds(t, bus, 2)
	for _, sent := range cmds {
		fail := sent.cmd.(CMDFailHTLC)
		require.IsType(t, &FailTrampolineFeeInsufficient{}, fail.Failure)
	}
}

func TestRelayerPrefersFinalNodeFailure(t *testing.T) {
	final := lnwire.NewFailIncorrectDetails(800, 100)
	intermediate := &lnwire.FailTemporaryChannelFailure{}

	require.Equal(t, final, chooseFailure(SenderStatus{
		FinalNodeFailure: final,
		RemoteFailures:   []lnwire.FailureMessage{intermediate},
	}))
	require.Equal(t, intermediate, chooseFailure(SenderStatus{
		RemoteFailures: []lnwire.FailureMessage{intermediate},
	}))
	require.IsType(t, &lnwire.FailTemporaryNodeFailure{}, chooseFailure(SenderStatus{}))
}

func TestRelayerRestartWithLeftoverOutgoingRetries(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	// Boot snapshot: funded incoming AND leftover outgoing parts. The
	// relayer must drain the leftovers first, not double-send.
	parts := relayParts(t, 800, 600, 500)
	leftovers := []OutgoingPart{{PartID: 7, Amount: 400}}
	r.Deliver(snapshotWithOut(trampolineTag(), parts, leftovers))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sender.sent())
	require.Empty(t, bus.sent())

	// The leftovers eventually fail: the relay restarts from scratch
	// and sends a fresh attempt.
	r.Deliver(OutgoingFailed{Tag: trampolineTag(), Status: SenderStatus{}})
	awaitSends(t, sender, 1)
}

func TestRelayerRestartRevealFulfillsIncoming(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	parts := relayParts(t, 800, 600, 500)
	leftovers := []OutgoingPart{{PartID: 7, Amount: 400}}
	r.Deliver(snapshotWithOut(trampolineTag(), parts, leftovers))

	// The leftover attempt completes with a preimage instead.
	r.Deliver(OutgoingPreimageRevealed{
		Tag:      trampolineTag(),
		Preimage: testPreimage,
		Status:   SenderStatus{},
	})

	cmds := awaitCmds(t, bus, 2)
	for _, sent := range cmds {
		_, ok := sent.cmd.(CMDFulfillHTLC)
		require.True(t, ok)
	}
}

func TestRelayerTimeoutWithoutOutgoingAborts(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, _ := newTestRelayer(t, bag, bus, sender)

	// Underfunded: 400 in against a declared total of 900.
	inner := &InnerPayload{
		AmountToForward: 800, OutgoingCltv: 300, NextNodeID: testNodeKey(t),
	}
	part := trampolinePart(1, 400, 900, 500, inner)
	r.Deliver(snapshotIn(trampolineTag(), part))
	awaitNoCmds(t, bus)

	r.Deliver(CMDTimeout{})
	cmds := awaitCmds(t, bus, 1)
	fail := cmds[0].cmd.(CMDFailHTLC)
	require.IsType(t, &lnwire.FailMPPTimeout{}, fail.Failure)
}

func TestRelayerShutdownAfterDrain(t *testing.T) {
	utils.BlockCount.Store(100)
	log := &oplog{}
	bag := newFakeBag(log)
	bus := newFakeBus(log)
	sender := &fakeSender{}

	r, flag := newTestRelayer(t, bag, bus, sender)

	parts := relayParts(t, 800, 600, 500)
	r.Deliver(snapshotIn(trampolineTag(), parts...))
	awaitSends(t, sender, 1)

	r.Deliver(OutgoingPreimageRevealed{
		Tag: trampolineTag(), Preimage: testPreimage, Status: SenderStatus{},
	})
	awaitCmds(t, bus, 2)

	// Stream fully drained on both sides.
	r.Deliver(snapshotWithOut(trampolineTag(), nil, nil))
	require.Eventually(t, flag.isSet, time.Second, 5*time.Millisecond)
}
