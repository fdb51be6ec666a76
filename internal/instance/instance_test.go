package instance

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumcast/arb/common/testlogger"
	"github.com/quorumcast/arb/internal/wire"
)

func newTestInstance(t *testing.T, myID uint16) *Instance {
	t.Helper()
	id := wire.Identifier{SenderID: 0, Sequence: 7}
	order := []uint16{0, 1, 2, 3}
	return New(id, myID, 4, 1, order, testlogger.New(t))
}

func env(id wire.Identifier, from uint16, inner wire.InnerMessage) wire.Envelope {
	return wire.Envelope{ID: id, SenderID: from, Inner: inner}
}

func TestBroadcastFansOutSendToEveryone(t *testing.T) {
	in := newTestInstance(t, 0)
	out, delivery := in.Handle(env(in.id, 0, wire.Broadcast([]byte("hello"))))
	require.Nil(t, delivery)
	require.Len(t, out, 1)
	require.Equal(t, wire.TagSend, out[0].Inner.Tag)
	require.Equal(t, []byte("hello"), out[0].Inner.Payload)
	require.Equal(t, []uint16{0, 1, 2, 3}, out[0].Recipients)
}

func TestSendFromNonSenderDropped(t *testing.T) {
	in := newTestInstance(t, 1)
	out, delivery := in.Handle(env(in.id, 2, wire.Send([]byte("hello"))))
	require.Nil(t, out)
	require.Nil(t, delivery)
	_, ok := in.Message()
	require.False(t, ok)
}

func TestSendAcceptedOnceEchoesDigest(t *testing.T) {
	in := newTestInstance(t, 1)
	out, _ := in.Handle(env(in.id, 0, wire.Send([]byte("hello"))))
	require.Len(t, out, 1)
	require.Equal(t, wire.TagEcho, out[0].Inner.Tag)
	want := sha256.Sum256([]byte("hello"))
	require.Equal(t, wire.Digest(want), out[0].Inner.Digest)

	msg, ok := in.Message()
	require.True(t, ok)
	require.Equal(t, []byte("hello"), msg)

	// a second SEND (even identical) is dropped
	out2, _ := in.Handle(env(in.id, 0, wire.Send([]byte("hello"))))
	require.Nil(t, out2)
}

func TestEchoDedupAndThreshold(t *testing.T) {
	in := newTestInstance(t, 1)
	d := sha256.Sum256([]byte("hello"))

	// n=4, t=1: threshold n-t = 3
	out, _ := in.Handle(env(in.id, 0, wire.Echo(d)))
	require.Nil(t, out)
	out, _ = in.Handle(env(in.id, 1, wire.Echo(d)))
	require.Nil(t, out)
	// duplicate from the same sender before threshold must not count twice
	out, _ = in.Handle(env(in.id, 1, wire.Echo(d)))
	require.Nil(t, out)
	out, _ = in.Handle(env(in.id, 2, wire.Echo(d)))
	require.Len(t, out, 1)
	require.Equal(t, wire.TagReady, out[0].Inner.Tag)
	require.Equal(t, wire.Digest(d), out[0].Inner.Digest)

	// reaching the threshold again (one more distinct ECHO) must not re-send READY
	out, _ = in.Handle(env(in.id, 3, wire.Echo(d)))
	require.Nil(t, out)
}

func TestReadyAmplification(t *testing.T) {
	in := newTestInstance(t, 2)
	d := sha256.Sum256([]byte("hello"))

	// t+1 = 2 distinct READYs trigger amplification since ECHO threshold never fired
	out, delivery := in.Handle(env(in.id, 0, wire.Ready(d)))
	require.Nil(t, out)
	require.Nil(t, delivery)
	out, delivery = in.Handle(env(in.id, 1, wire.Ready(d)))
	require.Nil(t, delivery)
	require.Len(t, out, 1)
	require.Equal(t, wire.TagReady, out[0].Inner.Tag)
}

func TestReadyDeliversWhenMessageKnown(t *testing.T) {
	in := newTestInstance(t, 1)
	payload := []byte("hello")
	d := sha256.Sum256(payload)

	_, _ = in.Handle(env(in.id, 0, wire.Send(payload))) // sets in.message, emits ECHO

	_, delivery := in.Handle(env(in.id, 0, wire.Ready(d)))
	require.Nil(t, delivery)
	_, delivery = in.Handle(env(in.id, 1, wire.Ready(d)))
	require.Nil(t, delivery)
	out, delivery := in.Handle(env(in.id, 2, wire.Ready(d)))
	require.NotNil(t, delivery)
	require.Equal(t, payload, delivery.Payload)
	require.True(t, in.Delivered())
	// 2t+1 reached with message in hand: no REQUEST should be emitted
	for _, o := range out {
		require.NotEqual(t, wire.TagRequest, o.Inner.Tag)
	}
}

func TestReadyTriggersRequestWhenMessageUnknown(t *testing.T) {
	in := newTestInstance(t, 2)
	d := sha256.Sum256([]byte("hello"))

	_, _ = in.Handle(env(in.id, 0, wire.Ready(d)))
	_, _ = in.Handle(env(in.id, 1, wire.Ready(d)))
	out, delivery := in.Handle(env(in.id, 3, wire.Ready(d)))
	require.Nil(t, delivery)
	require.True(t, in.Recovering())

	var requestOut *Outbound
	for i := range out {
		if out[i].Inner.Tag == wire.TagRequest {
			requestOut = &out[i]
		}
	}
	require.NotNil(t, requestOut)
	require.Equal(t, []uint16{0, 1, 2}, requestOut.Recipients) // first 2t+1=3 in order
}

func TestRequestDroppedWithoutMessage(t *testing.T) {
	in := newTestInstance(t, 1)
	out, delivery := in.Handle(env(in.id, 0, wire.Request()))
	require.Nil(t, out)
	require.Nil(t, delivery)
}

func TestRequestAnsweredWhenMessageKnown(t *testing.T) {
	in := newTestInstance(t, 1)
	_, _ = in.Handle(env(in.id, 0, wire.Send([]byte("hello"))))

	out, delivery := in.Handle(env(in.id, 3, wire.Request()))
	require.Nil(t, delivery)
	require.Len(t, out, 1)
	require.Equal(t, wire.TagAnswer, out[0].Inner.Tag)
	require.Equal(t, []byte("hello"), out[0].Inner.Payload)
	require.Equal(t, []uint16{3}, out[0].Recipients)
}

func TestAnswerDroppedBeforeDigestLocked(t *testing.T) {
	in := newTestInstance(t, 2)
	out, delivery := in.Handle(env(in.id, 0, wire.Answer([]byte("hello"))))
	require.Nil(t, out)
	require.Nil(t, delivery)
	require.False(t, in.Delivered())
}

func TestAnswerDeliversOnMatchingDigestAfterRecovery(t *testing.T) {
	in := newTestInstance(t, 2)
	d := sha256.Sum256([]byte("hello"))
	_, _ = in.Handle(env(in.id, 0, wire.Ready(d)))
	_, _ = in.Handle(env(in.id, 1, wire.Ready(d)))
	_, _ = in.Handle(env(in.id, 3, wire.Ready(d)))
	require.True(t, in.Recovering())

	out, delivery := in.Handle(env(in.id, 0, wire.Answer([]byte("hello"))))
	require.Nil(t, out)
	require.NotNil(t, delivery)
	require.Equal(t, []byte("hello"), delivery.Payload)
	require.True(t, in.Delivered())

	// a second, different ANSWER after delivery changes nothing
	out, delivery = in.Handle(env(in.id, 1, wire.Answer([]byte("world"))))
	require.Nil(t, out)
	require.Nil(t, delivery)
}

func TestAnswerDroppedOnDigestMismatch(t *testing.T) {
	in := newTestInstance(t, 2)
	d := sha256.Sum256([]byte("hello"))
	_, _ = in.Handle(env(in.id, 0, wire.Ready(d)))
	_, _ = in.Handle(env(in.id, 1, wire.Ready(d)))
	_, _ = in.Handle(env(in.id, 3, wire.Ready(d)))

	out, delivery := in.Handle(env(in.id, 0, wire.Answer([]byte("wrong"))))
	require.Nil(t, out)
	require.Nil(t, delivery)
	require.False(t, in.Delivered())
}

func TestEquivocatingSenderNoQuorumNoDelivery(t *testing.T) {
	// ECHOs are counted per sender, whatever digest they carry: the third
	// distinct ECHO crosses n-t=3 and the READY carries the last-received
	// ECHO's digest (dWorld). No READY quorum forms, so nothing delivers.
	in := newTestInstance(t, 1)
	dHello := sha256.Sum256([]byte("hello"))
	dWorld := sha256.Sum256([]byte("world"))

	out, _ := in.Handle(env(in.id, 1, wire.Echo(dHello)))
	require.Nil(t, out)
	out, _ = in.Handle(env(in.id, 2, wire.Echo(dHello)))
	require.Nil(t, out)
	out, _ = in.Handle(env(in.id, 3, wire.Echo(dWorld)))
	require.Len(t, out, 1)
	require.Equal(t, wire.TagReady, out[0].Inner.Tag)
	require.Equal(t, wire.Digest(dWorld), out[0].Inner.Digest)

	require.False(t, in.Delivered())
	require.False(t, in.Recovering())
}

func TestLastBroadcastTracksMostRecentEchoOrReady(t *testing.T) {
	in := newTestInstance(t, 1)
	_, ok := in.LastBroadcast()
	require.False(t, ok)

	in.Handle(env(in.id, 0, wire.Send([]byte("hello"))))
	last, ok := in.LastBroadcast()
	require.True(t, ok)
	require.Equal(t, wire.TagEcho, last.Tag)

	d := sha256.Sum256([]byte("hello"))
	in.Handle(env(in.id, 0, wire.Echo(d)))
	in.Handle(env(in.id, 1, wire.Echo(d)))
	in.Handle(env(in.id, 2, wire.Echo(d)))
	last, ok = in.LastBroadcast()
	require.True(t, ok)
	require.Equal(t, wire.TagReady, last.Tag)
	require.Equal(t, []uint16{0, 1, 2, 3}, in.Order())
}
