package daemon

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/eventloop"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
)

// loopTimer is the subset of *eventloop.Loop the Detector needs: submit a
// callback and arm a cancelable timer.
type loopTimer interface {
	Submit(fn func()) error
	ScheduleTimer(delay time.Duration, fn func()) (eventloop.CancelFunc, error)
}

// DeadFunc is invoked when the detector concludes a ring neighbor is dead,
// once the dead rank has been dropped from the ring and before this daemon
// re-points at the next surviving member.
type DeadFunc func(dead types.Rank)

// Detector implements the ring-based failure detector of §4.4. Each daemon
// sits on a cycle of participating ranks (the head node, rank 0, stays
// outside) and tracks two distinct neighbors: hb_observing, the predecessor
// it expects heartbeats FROM, and hb_observer, the successor it sends
// heartbeats TO. These are deliberately different ranks for any ring larger
// than two — collapsing them into one field means a daemon never hears from
// the peer it sends to, and every healthy member spuriously times out.
//
// A single timer ticks at a tenth of the heartbeat period; each tick decides
// whether a heartbeat is due out and whether the watched neighbor has gone
// quiet past the timeout.
type Detector struct {
	self    types.Rank
	ring    []types.Rank // sorted, wraps around; includes this daemon's own rank
	period  time.Duration
	timeout time.Duration

	transport rml.Transport
	loop      loopTimer
	onDead    DeadFunc
	logger    zerolog.Logger

	observing  types.Rank // predecessor: who we expect heartbeats from
	observer   types.Rank // successor: who we send heartbeats to
	lastSend   time.Time
	lastRecv   time.Time
	failed     map[types.Rank]bool
	cancelTick eventloop.CancelFunc
	stopped    bool

	now func() time.Time // monotonic source; replaceable in tests
}

// NewDetector creates a Detector for daemon self, given the full set of
// ring members (self included). period/timeout correspond to
// hb_period/hb_timeout.
func NewDetector(self types.Rank, ring []types.Rank, transport rml.Transport, loop loopTimer, period, timeout time.Duration, onDead DeadFunc) *Detector {
	sorted := make([]types.Rank, 0, len(ring)+1)
	haveSelf := false
	for _, r := range ring {
		sorted = append(sorted, r)
		if r == self {
			haveSelf = true
		}
	}
	if !haveSelf {
		sorted = append(sorted, self)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return &Detector{
		self:      self,
		ring:      sorted,
		period:    period,
		timeout:   timeout,
		transport: transport,
		loop:      loop,
		onDead:    onDead,
		failed:    make(map[types.Rank]bool),
		logger:    log.WithComponent("detector").With().Int32("rank", int32(self)).Logger(),
		now:       time.Now,
	}
}

// Start registers receive callbacks and arms the tick timer. A ring of size
// one (just this daemon) self-quiesces immediately: there is no neighbor to
// watch.
func (d *Detector) Start() {
	d.transport.RecvBufferNB(rml.TagHeartbeat, d.onHeartbeat)
	d.transport.RecvBufferNB(rml.TagHeartbeatRequest, d.onHeartbeatRequest)

	if len(d.ring) <= 1 {
		d.logger.Debug().Msg("detector: no ring peers, self-quiescing")
		return
	}

	d.observer = d.successor()
	d.observing = d.predecessor()
	d.lastSend = time.Time{} // force a heartbeat on the first tick
	d.lastRecv = d.now()
	d.armTick()
}

// Stop cancels the tick timer and deregisters receive callbacks.
func (d *Detector) Stop() {
	d.stopped = true
	if d.cancelTick != nil {
		d.cancelTick()
	}
	d.transport.RecvCancel(rml.TagHeartbeat)
	d.transport.RecvCancel(rml.TagHeartbeatRequest)
}

// Finalize sends the quiesce heartbeat — one whose payload rank equals the
// receiver's own — to the daemon observing us, telling it to stop expecting
// us, then stops this detector. Called on orderly daemon shutdown.
func (d *Detector) Finalize() {
	if len(d.ring) > 1 && !d.stopped {
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(d.observer))
		d.transport.SendBufferNB(int32(d.observer), rml.TagHeartbeat, payload, nil)
	}
	d.Stop()
}

func (d *Detector) armTick() {
	cancel, err := d.loop.ScheduleTimer(d.period/10, d.tick)
	if err != nil {
		d.logger.Error().Err(err).Msg("detector: failed to arm tick timer")
		return
	}
	d.cancelTick = cancel
}

// tick runs the per-tick logic of §4.4: send a heartbeat when one is due,
// warn when we have slipped a full period past the deadline, and declare
// the observed neighbor dead when it has been silent past hb_timeout.
func (d *Detector) tick() {
	if d.stopped {
		return
	}
	now := d.now()

	if now.Sub(d.lastSend) >= d.period {
		if !d.lastSend.IsZero() && now.Sub(d.lastSend) >= 2*d.period {
			d.logger.Warn().
				Dur("since_last_send", now.Sub(d.lastSend)).
				Msg("detector: heartbeat deadline missed, loop is running behind")
		}
		d.sendHeartbeatTo(d.observer)
		d.lastSend = now
	}

	if !d.lastRecv.IsZero() && now.Sub(d.lastRecv) > d.timeout && !d.failed[d.observing] {
		timer := metrics.NewTimer()
		d.declareDead()
		timer.ObserveDuration(metrics.FailureDetectorLatency)
	}

	if len(d.ring) > 1 {
		d.armTick()
	}
}

func (d *Detector) sendHeartbeatTo(dst types.Rank) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(d.self))
	d.transport.SendBufferNB(int32(dst), rml.TagHeartbeat, payload, func(err error) {
		metrics.RingHeartbeatsTotal.WithLabelValues("sent").Inc()
	})
}

// onHeartbeat records liveness of the watched neighbor. A payload carrying
// this daemon's own rank is the quiesce signal: the sender is shutting down
// in an orderly way and we must stop the detector rather than later declare
// it dead.
func (d *Detector) onHeartbeat(msg rml.Message) {
	metrics.RingHeartbeatsTotal.WithLabelValues("received").Inc()
	if len(msg.Data) >= 4 && types.Rank(binary.BigEndian.Uint32(msg.Data)) == d.self {
		d.logger.Debug().Int32("src", msg.Src).Msg("detector: quiesce heartbeat received, stopping")
		d.Stop()
		return
	}
	if types.Rank(msg.Src) == d.observing {
		d.lastRecv = d.now()
	}
}

// onHeartbeatRequest answers a HEARTBEAT_REQUEST from a peer that skipped
// past a presumed-dead node to reach this daemon: if the requester is
// closer (in ring order, starting from this daemon) than our current
// observer, accept it as the new hb_observer and heartbeat straight back;
// otherwise ignore the request — never forward it.
func (d *Detector) onHeartbeatRequest(msg rml.Message) {
	r := types.Rank(msg.Src)
	if !d.closerThanCurrentObserver(r) {
		return
	}
	d.observer = r
	d.sendHeartbeatTo(r)
	d.lastSend = d.now()
}

func (d *Detector) closerThanCurrentObserver(r types.Rank) bool {
	idx := d.selfIndex()
	if idx < 0 || len(d.ring) == 0 {
		return true
	}
	dist := func(target types.Rank) int {
		for i, x := range d.ring {
			if x == target {
				return (i - idx + len(d.ring)) % len(d.ring)
			}
		}
		return len(d.ring) + 1 // not currently in our local ring view: treat as farthest
	}
	return dist(r) < dist(d.observer)
}

// declareDead marks the watched neighbor failed, drops it from the ring,
// reports it, and walks inward to the next surviving rank, asking it via
// HEARTBEAT_REQUEST to start heartbeating to us. lastRecv advances by the
// timeout rather than resetting, so a slow repair cannot immediately
// re-trigger on the new neighbor.
func (d *Detector) declareDead() {
	dead := d.observing
	d.failed[dead] = true
	metrics.RingRepairsTotal.Inc()
	d.logger.Warn().Int32("dead", int32(dead)).Msg("detector: ring neighbor presumed dead, repairing")

	next := make([]types.Rank, 0, len(d.ring)-1)
	for _, r := range d.ring {
		if r != dead {
			next = append(next, r)
		}
	}
	d.ring = next

	if d.onDead != nil {
		d.onDead(dead)
	}

	if len(d.ring) <= 1 {
		d.logger.Warn().Msg("detector: last ring peer lost, self-quiescing")
		return
	}

	d.observing = d.predecessor()
	d.lastRecv = d.lastRecv.Add(d.timeout)
	d.transport.SendBufferNB(int32(d.observing), rml.TagHeartbeatRequest, nil, nil)
}

func (d *Detector) selfIndex() int {
	for i, r := range d.ring {
		if r == d.self {
			return i
		}
	}
	return -1
}

func (d *Detector) successor() types.Rank {
	return d.ring[ringIndex(d.self, d.ring)]
}

func (d *Detector) predecessor() types.Rank {
	i := d.selfIndex()
	return d.ring[(i-1+len(d.ring))%len(d.ring)]
}

// ringIndex is the index of the ring member immediately after self in rank
// order, wrapping around; ring is assumed sorted. This derives hb_observer.
func ringIndex(self types.Rank, ring []types.Rank) int {
	for i, r := range ring {
		if r > self {
			return i
		}
	}
	return 0
}
