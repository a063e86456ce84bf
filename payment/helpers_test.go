package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/lumenwallet/go-sdk/types"
)

// oplog records cross-fake operation ordering so tests can assert
// that storage writes precede channel commands.
type oplog struct {
	mu      sync.Mutex
	entries []string
}

func (l *oplog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *oplog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

type fakeBag struct {
	mu        sync.Mutex
	log       *oplog
	preimages map[lntypes.Hash]lntypes.Preimage
	invoices  map[lntypes.Hash]types.Invoice
	relayed   []types.RelayedPreimageInfo
}

var _ types.PaymentBag = (*fakeBag)(nil)

func newFakeBag(log *oplog) *fakeBag {
	return &fakeBag{
		log:       log,
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		invoices:  make(map[lntypes.Hash]types.Invoice),
	}
}

func (b *fakeBag) SetPreimage(_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preimages[hash] = preimage
	b.log.add("bag:set-preimage")
	return nil
}

func (b *fakeBag) GetPreimage(_ context.Context, hash lntypes.Hash) (lntypes.Preimage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	preimage, ok := b.preimages[hash]
	if !ok {
		return lntypes.Preimage{}, types.ErrPreimageNotFound
	}
	return preimage, nil
}

func (b *fakeBag) AddInvoice(_ context.Context, invoice types.Invoice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoices[invoice.PaymentHash] = invoice
	return nil
}

func (b *fakeBag) GetInvoice(_ context.Context, hash lntypes.Hash) (*types.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	invoice, ok := b.invoices[hash]
	if !ok {
		return nil, types.ErrInvoiceNotFound
	}
	return &invoice, nil
}

func (b *fakeBag) UpdOkIncoming(_ context.Context, hash lntypes.Hash, received lnwire.MilliSatoshi) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	invoice := b.invoices[hash]
	invoice.Status = types.InvoiceSucceeded
	invoice.ReceivedMsat = received
	b.invoices[hash] = invoice
	return nil
}

func (b *fakeBag) AddSearchablePayment(_ context.Context, search string, hash lntypes.Hash) error {
	return nil
}

func (b *fakeBag) AddRelayedPreimageInfo(_ context.Context, info types.RelayedPreimageInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relayed = append(b.relayed, info)
	b.log.add("bag:relayed-info")
	return nil
}

func (b *fakeBag) FulfillIncoming(
	_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
	received lnwire.MilliSatoshi, search string,
) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preimages[hash] = preimage
	if invoice, ok := b.invoices[hash]; ok {
		invoice.Status = types.InvoiceSucceeded
		invoice.ReceivedMsat = received
		b.invoices[hash] = invoice
	}
	b.log.add("bag:fulfill")
	return nil
}

func (b *fakeBag) Close() {}

func (b *fakeBag) relayedInfos() []types.RelayedPreimageInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.RelayedPreimageInfo{}, b.relayed...)
}

type sentCmd struct {
	cmd       any
	channelID lnwire.ChannelID
}

type fakeBus struct {
	mu          sync.Mutex
	log         *oplog
	cmds        []sentCmd
	inoperative map[lnwire.ChannelID]bool
}

var _ ChannelBus = (*fakeBus)(nil)

func newFakeBus(log *oplog) *fakeBus {
	return &fakeBus{log: log, inoperative: make(map[lnwire.ChannelID]bool)}
}

func (b *fakeBus) Send(cmd any, channelID lnwire.ChannelID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds = append(b.cmds, sentCmd{cmd: cmd, channelID: channelID})
	switch cmd.(type) {
	case CMDFulfillHTLC:
		b.log.add("bus:fulfill")
	case CMDFailHTLC:
		b.log.add("bus:fail")
	}
}

func (b *fakeBus) IsOperational(channelID lnwire.ChannelID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.inoperative[channelID]
}

func (b *fakeBus) sent() []sentCmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentCmd{}, b.cmds...)
}

type fakeSender struct {
	mu      sync.Mutex
	spawned []FullPaymentTag
	cmds    []SendMultiPart
}

var _ OutgoingSender = (*fakeSender)(nil)

func (s *fakeSender) Spawn(tag FullPaymentTag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, tag)
}

func (s *fakeSender) Send(cmd SendMultiPart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
}

func (s *fakeSender) sent() []SendMultiPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendMultiPart{}, s.cmds...)
}

var (
	testPreimage = lntypes.Preimage{0x01, 0x02, 0x03}
	testSecret   = [32]byte{0xaa, 0xbb}
)

func testHash() lntypes.Hash {
	return testPreimage.Hash()
}

func localTag() FullPaymentTag {
	return FullPaymentTag{PaymentHash: testHash(), PaymentSecret: testSecret, Tag: TagLocal}
}

func trampolineTag() FullPaymentTag {
	return FullPaymentTag{PaymentHash: testHash(), PaymentSecret: testSecret, Tag: TagTrampoline}
}

func localPart(id uint64, amt lnwire.MilliSatoshi, expiry uint32) IncomingPart {
	htlc := lnwire.UpdateAddHTLC{
		ChanID:      lnwire.ChannelID{byte(id)},
		ID:          id,
		Amount:      amt,
		PaymentHash: [32]byte(testHash()),
		Expiry:      expiry,
	}
	return IncomingPart{
		Htlc: htlc,
		Payload: OuterPayload{
			Amount:        amt,
			TotalAmount:   amt,
			CltvExpiry:    expiry,
			PaymentSecret: testSecret,
		},
	}
}

func trampolinePart(
	id uint64, amt, total lnwire.MilliSatoshi, expiry uint32, inner *InnerPayload,
) IncomingPart {
	part := localPart(id, amt, expiry)
	part.Payload.TotalAmount = total
	part.Inner = inner
	part.NextPacket = []byte{0xde, 0xad}
	return part
}

func snapshotIn(tag FullPaymentTag, parts ...IncomingPart) InFlightPayments {
	return InFlightPayments{
		In:  map[FullPaymentTag][]IncomingPart{tag: parts},
		Out: map[FullPaymentTag][]OutgoingPart{},
	}
}

func awaitCmds(t *testing.T, bus *fakeBus, n int) []sentCmd {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(bus.sent()) >= n
	}, time.Second, 5*time.Millisecond)
	return bus.sent()
}

func awaitNoCmds(t *testing.T, bus *fakeBus) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, bus.sent())
}
