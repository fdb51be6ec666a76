// Package demux is the concurrent demultiplexing runtime: it owns the
// shared datagram socket, authenticates and routes incoming envelopes to
// the right per-identifier instance.Instance, and dispatches the envelopes
// instances produce back out to their recipients. See spec section 5.
package demux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quorumcast/arb/common"
	"github.com/quorumcast/arb/common/log"
	"github.com/quorumcast/arb/internal/directory"
	"github.com/quorumcast/arb/internal/instance"
	"github.com/quorumcast/arb/internal/sign"
	"github.com/quorumcast/arb/internal/wire"
)

// instanceQueueSize bounds the per-instance inbound envelope queue. An
// instance that falls behind (or a flood of envelopes for one identifier)
// backs up only its own queue.
const instanceQueueSize = 256

// Metrics is the narrow set of counters/gauges the runtime reports through,
// implemented by package metrics. A nil Metrics is replaced with a no-op, so
// the runtime never needs a nil check at the call site.
type Metrics interface {
	EnvelopeReceived()
	EnvelopeDropped(reason string)
	InstanceStarted()
	InstanceDelivered(latency time.Duration)
	InstanceReaped()
}

type noopMetrics struct{}

func (noopMetrics) EnvelopeReceived()               {}
func (noopMetrics) EnvelopeDropped(string)          {}
func (noopMetrics) InstanceStarted()                {}
func (noopMetrics) InstanceDelivered(time.Duration) {}
func (noopMetrics) InstanceReaped()                 {}

// Config holds the tunables the runtime needs beyond the directory and
// signer. Zero values are replaced with the documented defaults (spec
// section 9 / SPEC_FULL module 11).
type Config struct {
	// DeliveredGrace is how long a delivered instance is kept around to
	// answer late REQUESTs before it is garbage collected. Default 5m.
	DeliveredGrace time.Duration
	// MaxInstanceAge bounds how long an instance that never delivers is
	// kept before being garbage collected. Default 30m.
	MaxInstanceAge time.Duration
	// ReaperInterval is how often the garbage collector sweeps. Default 30s.
	ReaperInterval time.Duration
	// RetransmitInterval, if nonzero, makes every live instance periodically
	// re-send its own last ECHO/READY to the whole group. The protocol core
	// has no timeouts or retransmission (spec Non-goal); this only re-sends
	// an envelope the node already legitimately sent once, as a best-effort
	// aid against lost datagrams over the unreliable transport. Zero
	// (default) disables it entirely.
	RetransmitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeliveredGrace == 0 {
		c.DeliveredGrace = 5 * time.Minute
	}
	if c.MaxInstanceAge == 0 {
		c.MaxInstanceAge = 30 * time.Minute
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = 30 * time.Second
	}
	return c
}

// instanceEntry bundles one live broadcast instance with its driver's
// inbound queue and lifecycle bookkeeping. Only the receiver loop goroutine
// ever reads or writes the bookkeeping fields (createdAt, deliveredAt);
// only the instance's own driver goroutine ever touches inst.
type instanceEntry struct {
	inst *instance.Instance
	ch   chan wire.Envelope

	createdAt   time.Time
	deliveredAt time.Time // zero until delivered
}

type rawPacket struct {
	data []byte
	from string
}

type lifecycleEvent struct {
	id          wire.Identifier
	deliveredAt time.Time
}

// Runtime is one node's live participation in the protocol: it owns the
// transport, the instance table, and the dispatcher, and exposes the
// external operations of spec section 6 (broadcast, on_deliver).
type Runtime struct {
	runID      string
	log        log.Logger
	dir        *directory.Directory
	signer     *sign.Signer
	transport  Transport
	dispatch   *dispatcher
	deliveries *deliveryRegistry
	metrics    Metrics
	cfg        Config

	seq uint64 // atomic counter for locally-originated identifiers

	instances map[wire.Identifier]*instanceEntry

	recvCh      chan rawPacket
	lifecycleCh chan lifecycleEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New builds a Runtime bound to transport, for the local node described by
// dir and signer. Call Run to start it.
func New(l log.Logger, dir *directory.Directory, signer *sign.Signer, transport Transport, metrics Metrics, cfg Config) *Runtime {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	runID := uuid.NewString()
	return &Runtime{
		runID:       runID,
		log:         l.With("run", runID),
		dir:         dir,
		signer:      signer,
		transport:   transport,
		dispatch:    newDispatcher(l, transport, dir),
		deliveries:  newDeliveryRegistry(),
		metrics:     metrics,
		cfg:         cfg.withDefaults(),
		instances:   make(map[wire.Identifier]*instanceEntry),
		recvCh:      make(chan rawPacket, 256),
		lifecycleCh: make(chan lifecycleEvent, 256),
		stopCh:      make(chan struct{}),
	}
}

// RunID returns the correlation id generated for this Runtime, present on
// every log line it emits — useful for grepping one node's logs out of an
// aggregated stream across restarts.
func (r *Runtime) RunID() string {
	return r.runID
}

// Run starts the read loop and the single receiver/demultiplexer loop. It
// blocks until Stop is called; a transport that fails on its own ends only
// the read loop, not Run.
func (r *Runtime) Run() {
	r.log.Infow("demux runtime starting", "run", r.runID, "me", r.dir.MeID())
	r.wg.Add(2)
	go r.readLoop()
	go r.receiverLoop()
	r.wg.Wait()
}

// Stop shuts the runtime down: closes the transport (unblocking the read
// loop), signals the receiver loop, and stops every dispatcher sender and
// instance driver goroutine.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		_ = r.transport.Close()
	})
	r.wg.Wait()
}

// OnDeliver registers cb to be called for every delivered broadcast,
// including ones that already delivered before this call (spec section 6,
// supplemented replay behavior: see deliveryRegistry).
func (r *Runtime) OnDeliver(cb DeliveryCallback) {
	r.deliveries.subscribe(cb)
}

// Broadcast initiates a new reliable broadcast of payload as this node,
// using the self-dispatch idiom: it signs and sends itself a BROADCAST
// envelope over the transport, and the normal receive path takes over from
// there, fanning SEND out to every participant including the local node.
func (r *Runtime) Broadcast(payload []byte) (wire.Identifier, error) {
	if len(payload) > wire.MaxPayloadSize {
		return wire.Identifier{}, fmt.Errorf("demux: payload exceeds max size %d", wire.MaxPayloadSize)
	}
	seq := atomic.AddUint64(&r.seq, 1)
	id := wire.Identifier{SenderID: r.dir.MeID(), Sequence: seq}

	env := wire.Envelope{
		ID:       id,
		SenderID: r.dir.MeID(),
		Inner:    wire.Broadcast(payload),
	}
	data := r.sign(env)

	me := r.dir.Me()
	if err := r.transport.WriteTo(data, me.Address); err != nil {
		return id, fmt.Errorf("demux: self-dispatch failed: %w", err)
	}
	return id, nil
}

// sign encodes env's signed bytes, signs them with the local key, and
// returns the full wire-encoded envelope.
func (r *Runtime) sign(env wire.Envelope) []byte {
	sigInput := env.SignedBytes()
	sig := r.signer.Sign(sigInput)
	copy(env.Signature[:], sig)
	buf := make([]byte, 0, wire.MinEnvelopeSize+len(env.Inner.Payload))
	return env.Encode(buf)
}

// readLoop is the only goroutine that ever calls transport.ReadFrom. It
// exists so the receiver loop can multiplex datagram arrival with reaper
// ticks and lifecycle events through one select, since ReadFrom itself
// blocks and cannot be selected on directly.
func (r *Runtime) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, from, err := r.transport.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				r.log.Debugw("transport read error", "err", err)
				return
			}
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case r.recvCh <- rawPacket{data: cp, from: from}:
		case <-r.stopCh:
			return
		}
	}
}

// receiverLoop is the single goroutine that owns the instance table. It
// decodes and authenticates every arriving datagram, routes authenticated
// envelopes to the right instance driver (creating one if this is the first
// envelope seen for that identifier), records delivery times reported by the
// drivers, and periodically sweeps completed/stale instances. Outbound
// envelopes are dispatched by the driver goroutines, not here.
func (r *Runtime) receiverLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-r.recvCh:
			r.handlePacket(pkt)
		case ev := <-r.lifecycleCh:
			if e, ok := r.instances[ev.id]; ok {
				e.deliveredAt = ev.deliveredAt
			}
		case <-ticker.C:
			r.reap()
		case <-r.stopCh:
			r.shutdownInstances()
			r.dispatch.stop()
			return
		}
	}
}

func (r *Runtime) handlePacket(pkt rawPacket) {
	env, err := wire.DecodeEnvelope(pkt.data)
	if err != nil {
		r.metrics.EnvelopeDropped("malformed")
		r.log.Debugw("dropping malformed envelope", "from", pkt.from, "err", err)
		return
	}

	node, ok := r.dir.Get(env.SenderID)
	if !ok {
		r.metrics.EnvelopeDropped("unknown_sender")
		r.log.Debugw("dropping envelope from unknown sender", "sender", env.SenderID, "err", fmt.Errorf("%w: %d", common.ErrUnknownSender, env.SenderID))
		return
	}
	if err := sign.Verify(node.VerifyingKey, env.SignedBytes(), env.Signature[:]); err != nil {
		r.metrics.EnvelopeDropped("bad_signature")
		r.log.Debugw("dropping envelope with invalid signature", "sender", env.SenderID, "err", err)
		return
	}

	r.metrics.EnvelopeReceived()
	entry, isNew := r.getOrCreateInstance(env.ID)
	if isNew {
		r.metrics.InstanceStarted()
	}

	select {
	case entry.ch <- env:
	default:
		r.metrics.EnvelopeDropped("instance_queue_full")
		r.log.Warnw("instance queue full, dropping envelope", "id", env.ID.String())
	}
}

func (r *Runtime) getOrCreateInstance(id wire.Identifier) (*instanceEntry, bool) {
	if e, ok := r.instances[id]; ok {
		return e, false
	}

	order := idsOf(r.dir.All())
	inst := instance.New(id, r.dir.MeID(), r.dir.N(), r.dir.T(), order, r.log)
	entry := &instanceEntry{
		inst:      inst,
		ch:        make(chan wire.Envelope, instanceQueueSize),
		createdAt: time.Now(),
	}
	r.instances[id] = entry

	r.wg.Add(1)
	go r.driveInstance(entry)
	return entry, true
}

// driveInstance is the sole goroutine that ever calls entry.inst.Handle,
// satisfying the single-writer discipline each Instance depends on for its
// lock-free internal state.
func (r *Runtime) driveInstance(entry *instanceEntry) {
	defer r.wg.Done()
	start := time.Now()

	var retransmit <-chan time.Time
	if r.cfg.RetransmitInterval > 0 {
		ticker := time.NewTicker(r.cfg.RetransmitInterval)
		defer ticker.Stop()
		retransmit = ticker.C
	}

	for {
		select {
		case env, ok := <-entry.ch:
			if !ok {
				return
			}
			out, delivery := entry.inst.Handle(env)
			for _, o := range out {
				data := r.sign(wire.Envelope{
					ID:       entry.inst.ID(),
					SenderID: r.dir.MeID(),
					Inner:    o.Inner,
				})
				r.dispatch.send(o.Recipients, data)
			}
			if delivery != nil {
				now := time.Now()
				r.metrics.InstanceDelivered(now.Sub(start))
				r.deliveries.record(*delivery)
				select {
				case r.lifecycleCh <- lifecycleEvent{id: entry.inst.ID(), deliveredAt: now}:
				case <-r.stopCh:
					return
				}
			}
		case <-retransmit:
			r.retransmitLastBroadcast(entry)
		}
	}
}

// retransmitLastBroadcast re-sends this instance's own last ECHO/READY to
// the whole group (module 12, disabled unless Config.RetransmitInterval is
// set). It is a no-op before the instance has sent anything; after that it
// re-sends the same last ECHO/READY on every tick, including after delivery,
// until the instance is reaped.
func (r *Runtime) retransmitLastBroadcast(entry *instanceEntry) {
	inner, ok := entry.inst.LastBroadcast()
	if !ok {
		return
	}
	data := r.sign(wire.Envelope{
		ID:       entry.inst.ID(),
		SenderID: r.dir.MeID(),
		Inner:    inner,
	})
	r.log.Debugw("retransmitting last broadcast", "id", entry.inst.ID().String(), "tag", inner.Tag)
	r.dispatch.send(entry.inst.Order(), data)
}

// reap removes instances that have either outlived their post-delivery
// grace period or, for instances that never delivered, their maximum age.
// Runs only on the receiver loop goroutine, so deleting map entries here is
// safe without locking.
func (r *Runtime) reap() {
	now := time.Now()
	for id, e := range r.instances {
		var expired bool
		if !e.deliveredAt.IsZero() {
			expired = now.Sub(e.deliveredAt) > r.cfg.DeliveredGrace
		} else {
			expired = now.Sub(e.createdAt) > r.cfg.MaxInstanceAge
		}
		if expired {
			close(e.ch)
			delete(r.instances, id)
			r.metrics.InstanceReaped()
			r.log.Debugw("reaped instance", "id", id.String())
		}
	}
}

func (r *Runtime) shutdownInstances() {
	for id, e := range r.instances {
		close(e.ch)
		delete(r.instances, id)
	}
}

func idsOf(nodes []directory.Node) []uint16 {
	ids := make([]uint16, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
