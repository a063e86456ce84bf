package payment

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// OuterPayload is the final-hop onion payload of one HTLC part as
// decrypted by the transport layer: the per-part amount, the total the
// whole set must reach and the payment secret binding the set.
type OuterPayload struct {
	Amount        lnwire.MilliSatoshi
	TotalAmount   lnwire.MilliSatoshi
	CltvExpiry    uint32
	PaymentSecret [32]byte
}

// InnerPayload is the trampoline payload nested inside the outer one,
// describing where and how to forward.
type InnerPayload struct {
	AmountToForward lnwire.MilliSatoshi
	OutgoingCltv    uint32
	NextNodeID      *btcec.PublicKey

	// Set only when the final payee is reached through a plain invoice:
	// its secret, feature bits and routing hints travel along.
	PaymentSecret      *[32]byte
	InvoiceFeatures    []byte
	InvoiceRoutingInfo [][]byte
}

// IncomingPart is one settled-in HTLC of a stream: the raw add, its
// decrypted payload and, when relaying, the nested packet to forward.
type IncomingPart struct {
	Htlc       lnwire.UpdateAddHTLC
	Payload    OuterPayload
	Inner      *InnerPayload
	NextPacket []byte
}

// OutgoingPart is one in-flight part of the outgoing sender attempt.
type OutgoingPart struct {
	PartID  uint64
	Amount  lnwire.MilliSatoshi
	FeeMsat lnwire.MilliSatoshi
}

// InFlightPayments is the cross-restart snapshot of everything
// unresolved, keyed by stream fingerprint.
type InFlightPayments struct {
	In  map[FullPaymentTag][]IncomingPart
	Out map[FullPaymentTag][]OutgoingPart
}

// CMDFulfillHTLC instructs a channel to settle an HTLC with its
// preimage. Channels deduplicate replays.
type CMDFulfillHTLC struct {
	Preimage lntypes.Preimage
	Add      lnwire.UpdateAddHTLC
}

// CMDFailHTLC instructs a channel to fail an HTLC upstream with the
// given failure message.
type CMDFailHTLC struct {
	Failure lnwire.FailureMessage
	Add     lnwire.UpdateAddHTLC
}

// CMDTimeout is the armed part-collection deadline of a state
// machine, reset on every newly seen part.
type CMDTimeout struct{}

// ChannelBus is how payment state machines talk back to the channel
// layer: settle commands out, channel health in.
type ChannelBus interface {
	Send(cmd any, channelID lnwire.ChannelID)
	IsOperational(channelID lnwire.ChannelID) bool
}

// SendMultiPart is the command handed to the external outgoing sender
// to start a multipart payment attempt.
type SendMultiPart struct {
	Tag             FullPaymentTag
	TargetNode      *btcec.PublicKey
	TotalAmount     lnwire.MilliSatoshi
	FinalCltvExpiry uint32
	// CltvDeltaLimit caps route length by the slack the incoming side
	// leaves us.
	CltvDeltaLimit uint32
	// ExcludedChannels lists the channels the incoming parts arrived on.
	// Other channels to the same peers are not listed.
	ExcludedChannels []lnwire.ChannelID

	PaymentSecret      *[32]byte
	InvoiceFeatures    []byte
	InvoiceRoutingInfo [][]byte
}

// OutgoingSender is the narrow port to the external multipart sender
// state machine. Spawn must be idempotent per tag.
type OutgoingSender interface {
	Spawn(tag FullPaymentTag)
	Send(cmd SendMultiPart)
}

// SenderStatus is the outgoing attempt's view the sender reports with
// its terminal events.
type SenderStatus struct {
	InFlightParts int
	UsedFeeMsat   lnwire.MilliSatoshi

	// FinalNodeFailure is a remote failure reported by the payee
	// itself, RemoteFailures are those of intermediate nodes.
	FinalNodeFailure lnwire.FailureMessage
	RemoteFailures   []lnwire.FailureMessage
	LocalNoRoutes    bool
}

// OutgoingPreimageRevealed is delivered when the outgoing side learns
// the preimage, the point of no return for the relay.
type OutgoingPreimageRevealed struct {
	Tag      FullPaymentTag
	Preimage lntypes.Preimage
	Status   SenderStatus
}

// OutgoingFailed is the outgoing sender's terminal failure.
type OutgoingFailed struct {
	Tag    FullPaymentTag
	Status SenderStatus
}
