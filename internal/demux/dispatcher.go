package demux

import (
	"github.com/quorumcast/arb/common/log"
	"github.com/quorumcast/arb/internal/directory"
)

// senderQueueSize bounds the per-destination outbound queue. A slow or dead
// peer backs up only its own queue, never the others — grounded on drand's
// core/broadcast.go dispatcher, which gives each destination its own
// goroutine and channel for exactly this reason.
const senderQueueSize = 100

// outboundPacket is one signed envelope ready for the wire, addressed to a
// single destination node.
type outboundPacket struct {
	addr string
	data []byte
}

// sender owns delivery to one destination address: a single goroutine reads
// off newCh and writes to the transport, so a stalled peer never blocks
// sends to any other peer.
type sender struct {
	l     log.Logger
	t     Transport
	to    directory.Node
	newCh chan outboundPacket
	done  chan struct{}
}

func newSender(l log.Logger, t Transport, to directory.Node) *sender {
	s := &sender{
		l:     l,
		t:     t,
		to:    to,
		newCh: make(chan outboundPacket, senderQueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sender) run() {
	for {
		select {
		case pkt, ok := <-s.newCh:
			if !ok {
				return
			}
			if err := s.t.WriteTo(pkt.data, pkt.addr); err != nil {
				s.l.Debugw("send failed", "to", pkt.addr, "err", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *sender) enqueue(pkt outboundPacket) {
	select {
	case s.newCh <- pkt:
	default:
		s.l.Warnw("outbound queue full, dropping envelope", "to", s.to.Address)
	}
}

func (s *sender) stop() {
	close(s.done)
}

// dispatcher fans signed envelope bytes out to any number of destination
// node ids, one sender goroutine per directory node. Grounded on drand's
// core/broadcast.go dispatcher/sender split. The directory is static for the
// lifetime of a Runtime (spec section 4.3), so senders is populated once in
// newDispatcher and never mutated again: every driveInstance goroutine calls
// send concurrently, and a read-only map needs no lock.
type dispatcher struct {
	l       log.Logger
	t       Transport
	dir     *directory.Directory
	senders map[uint16]*sender
}

func newDispatcher(l log.Logger, t Transport, dir *directory.Directory) *dispatcher {
	d := &dispatcher{
		l:       l,
		t:       t,
		dir:     dir,
		senders: make(map[uint16]*sender, len(dir.All())),
	}
	for _, node := range dir.All() {
		d.senders[node.ID] = newSender(l, t, node)
	}
	return d
}

// send enqueues data to each of ids, resolved through the directory. Unknown
// ids are logged and skipped rather than treated as fatal, since a future
// protocol change or misconfiguration on a peer should never crash the
// local node.
func (d *dispatcher) send(ids []uint16, data []byte) {
	for _, id := range ids {
		node, ok := d.dir.Get(id)
		if !ok {
			d.l.Warnw("dispatch to unknown node id", "id", id)
			continue
		}
		s, ok := d.senders[id]
		if !ok {
			d.l.Warnw("dispatch to node missing a sender", "id", id)
			continue
		}
		s.enqueue(outboundPacket{addr: node.Address, data: data})
	}
}

// stop shuts down every sender goroutine. Call once at runtime teardown.
func (d *dispatcher) stop() {
	for _, s := range d.senders {
		s.stop()
	}
}
