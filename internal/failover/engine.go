// Package failover implements the discovery/failover engine shared by
// the image server's uplinks and (conceptually) the kernel client:
// periodic probing of alternate peers, RTT-based selection, and live
// handover of an in-flight connection without dropping queued
// requests.
package failover

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/altserver"
	"github.com/blockfabric/blockfabric/internal/netconn"
	"github.com/blockfabric/blockfabric/internal/wire"
)

// Mode is the probe cadence currently in effect.
type Mode int

// Probe cadences.
const (
	ModeStartup Mode = iota
	ModeSteady
	ModePanic
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModeSteady:
		return "steady"
	case ModePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// steadyStateCandidates is the subset size probed per cycle outside
// startup/panic mode.
const steadyStateCandidates = 3

// maxSelectImagePayload bounds the SELECT_IMAGE handshake's encoded
// payload; generous enough for any realistic image name.
const maxSelectImagePayload = 512

// probeTimeout bounds a single candidate probe (connect + handshake +
// RTT read), independent of the per-cycle cadence.
const probeTimeout = 5 * time.Second

// rttProbeHandle is the fixed opaque handle used on the RTT-measuring
// GET_BLOCK; its value is never interpreted by the probing side.
const rttProbeHandle = 0xFFFFFFFF

// Rebinder is the minimal interface a failover engine needs from the
// uplink it serves: hand over a freshly probed, already-handshaked
// connection in place. Defined here (not imported from the uplink
// package) so failover has no compile-time dependency on uplink;
// uplink.Engine satisfies this implicitly.
type Rebinder interface {
	Rebind(conn net.Conn)
}

// HungChecker lets the uplink report whether the same request has sat
// PENDING across two consecutive probe cycles, which forces a switch
// even when RTT doesn't justify one.
type HungChecker interface {
	OldestPendingHandle() (handle uint64, ok bool)
}

// Config bundles an Engine's tunables. Zero-value durations fall back
// to the package defaults below.
type Config struct {
	ProbeStartup       time.Duration
	ProbeNormal        time.Duration
	ProbePanic         time.Duration
	StartupTicks       int
	RTTThresholdFactor float64
	RTTBlockSize       uint32

	ImageName       string
	RevisionID      uint16
	ProtocolVersion uint16
}

// Default probe cadences and switching parameters, used whenever the
// corresponding Config field is left at its zero value.
const (
	DefaultProbeStartup       = 1 * time.Second
	DefaultProbeNormal        = 30 * time.Second
	DefaultProbePanic         = 2 * time.Second
	DefaultStartupTicks       = 10
	DefaultRTTThresholdFactor = 4.0
	DefaultRTTBlockSize       = 4096
)

func (c Config) withDefaults() Config {
	if c.ProbeStartup == 0 {
		c.ProbeStartup = DefaultProbeStartup
	}
	if c.ProbeNormal == 0 {
		c.ProbeNormal = DefaultProbeNormal
	}
	if c.ProbePanic == 0 {
		c.ProbePanic = DefaultProbePanic
	}
	if c.StartupTicks == 0 {
		c.StartupTicks = DefaultStartupTicks
	}
	if c.RTTThresholdFactor == 0 {
		c.RTTThresholdFactor = DefaultRTTThresholdFactor
	}
	if c.RTTBlockSize == 0 {
		c.RTTBlockSize = DefaultRTTBlockSize
	}
	return c
}

// Engine is one discovery/failover task, bound to a single registry
// of candidates and a single upstream connection consumer.
type Engine struct {
	cfg      Config
	registry *altserver.Registry
	rebinder Rebinder
	hung     HungChecker
	log      *logrus.Entry

	mu          sync.Mutex
	current     *altserver.Entry
	currentConn net.Conn
	tick        int
	lastProbe   time.Time

	connLock int32 // atomic CAS gate serializing handover

	prevHungHandle uint64
	prevHungValid  bool
	hungStreak     int

	forceProbe chan struct{}
}

// New returns an Engine with no current selection; it starts in
// ModePanic until its first successful probe.
func New(cfg Config, registry *altserver.Registry, rebinder Rebinder, hung HungChecker, log *logrus.Entry) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		registry:   registry,
		rebinder:   rebinder,
		hung:       hung,
		log:        log.WithField("component", "failover"),
		forceProbe: make(chan struct{}, 1),
	}
}

// Mode reports the engine's current probe cadence.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modeLocked()
}

func (e *Engine) modeLocked() Mode {
	if e.current == nil {
		return ModePanic
	}
	if e.tick < e.cfg.StartupTicks {
		return ModeStartup
	}
	return ModeSteady
}

func (e *Engine) interval(mode Mode) time.Duration {
	switch mode {
	case ModeStartup:
		return e.cfg.ProbeStartup
	case ModePanic:
		return e.cfg.ProbePanic
	default:
		return e.cfg.ProbeNormal
	}
}

// Conn returns the currently selected upstream connection, satisfying
// uplink.UpstreamSource.
func (e *Engine) Conn() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentConn
}

// TriggerFailover asks the engine to run an out-of-cycle probe as
// soon as its timer loop next wakes, satisfying
// uplink.UpstreamSource. Coalesces like the fd-signal primitive: a
// request already pending absorbs this one.
func (e *Engine) TriggerFailover(reason error) {
	e.log.WithError(reason).Warn("upstream reported failure, scheduling an out-of-cycle probe")
	select {
	case e.forceProbe <- struct{}{}:
	default:
	}
}

// Run drives the one-second heartbeat timer until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.onHeartbeat()
		case <-e.forceProbe:
			e.runProbeCycle()
		}
	}
}

func (e *Engine) onHeartbeat() {
	e.mu.Lock()
	e.tick++
	mode := e.modeLocked()
	due := e.lastProbe.IsZero() || time.Since(e.lastProbe) >= e.interval(mode)
	e.mu.Unlock()
	if due {
		e.runProbeCycle()
	}
}

// probeResult is one candidate's outcome within a cycle.
type probeResult struct {
	entry *altserver.Entry
	rtt   time.Duration
	conn  net.Conn
	err   error
}

// runProbeCycle runs one cycle's probes, hung-request escalation,
// and switching rule.
func (e *Engine) runProbeCycle() {
	e.mu.Lock()
	e.lastProbe = time.Now()
	mode := e.modeLocked()
	e.mu.Unlock()

	candidates := e.selectCandidates(mode)
	if len(candidates) == 0 {
		return
	}

	results := make([]probeResult, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c *altserver.Entry) {
			defer wg.Done()
			rtt, conn, err := e.probe(c)
			if err != nil {
				c.RecordSample(altserver.Unreachable)
				c.Fail()
			} else {
				c.RecordSample(rtt)
			}
			results[i] = probeResult{entry: c, rtt: rtt, conn: conn, err: err}
		}(i, c)
	}
	wg.Wait()

	if mode == ModePanic {
		e.resolvePanicCycle(results)
		return
	}
	e.resolveNormalCycle(results)
}

// resolvePanicCycle implements "in panic mode the first successfully
// probed peer wins immediately, bypassing the threshold logic."
func (e *Engine) resolvePanicCycle(results []probeResult) {
	for _, r := range results {
		if r.err == nil {
			r.entry.Win()
			e.switchTo(r.entry, r.conn)
			closeAllExcept(results, r.conn)
			return
		}
	}
}

func (e *Engine) resolveNormalCycle(results []probeResult) {
	best := bestReady(results)
	if best == nil {
		closeAllExcept(results, nil)
		return
	}

	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	if current == nil {
		best.entry.Win()
		e.switchTo(best.entry, best.conn)
		closeAllExcept(results, best.conn)
		return
	}

	if best.entry == current {
		best.entry.Win()
		closeAllExcept(results, nil)
		return
	}

	currentRTT, currentReady := current.RTT()
	forced := e.hungForcesSwitch()
	if currentReady && (forced || e.shouldSwitch(currentRTT, best)) {
		best.entry.Win()
		current.Lose()
		e.switchTo(best.entry, best.conn)
		closeAllExcept(results, best.conn)
		return
	}
	closeAllExcept(results, nil)
}

// shouldSwitch implements the switching inequality:
//
//	RTT_THRESHOLD_FACTOR * current.rtt > best.rtt + threshold
//	threshold = 1500µs - 10µs*best.best_count
//
// damped by a deterministic pseudo-random gate on the low bits of the
// clock, matching the original's avoidance of switching on every
// single cycle a marginally better peer appears.
func (e *Engine) shouldSwitch(currentRTT time.Duration, best *probeResult) bool {
	thresholdUs := 1500 - 10*int64(best.entry.BestCount())
	if thresholdUs < 0 {
		thresholdUs = 0
	}
	threshold := time.Duration(thresholdUs) * time.Microsecond
	lhs := time.Duration(float64(currentRTT) * e.cfg.RTTThresholdFactor)
	if lhs <= best.rtt+threshold {
		return false
	}
	return clockLowBits()&0x7 != 0
}

// hungForcesSwitch implements "a hung in-flight request (same pending
// request observed on two consecutive cycles) forces a switch".
func (e *Engine) hungForcesSwitch() bool {
	if e.hung == nil {
		return false
	}
	handle, ok := e.hung.OldestPendingHandle()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok {
		e.prevHungValid = false
		e.hungStreak = 0
		return false
	}
	if e.prevHungValid && e.prevHungHandle == handle {
		e.hungStreak++
	} else {
		e.hungStreak = 1
	}
	e.prevHungHandle = handle
	e.prevHungValid = true
	return e.hungStreak >= 2
}

// switchTo performs the live handover: promote the probe's socket in
// place, update the current selection, and hand the connection to
// the uplink without draining its queue. Serialized by connLock, the
// compare-and-swap gate.
func (e *Engine) switchTo(entry *altserver.Entry, conn net.Conn) {
	if conn == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&e.connLock, 0, 1) {
		conn.Close()
		return
	}
	defer atomic.StoreInt32(&e.connLock, 0)

	e.mu.Lock()
	e.current = entry
	e.currentConn = conn
	e.tick = 0 // re-enter startup cadence to confirm the new peer quickly
	e.mu.Unlock()

	if e.rebinder != nil {
		e.rebinder.Rebind(conn)
	} else {
		conn.Close()
	}
}

// selectCandidates implements the candidate subset rule:
// all candidates in startup/panic mode, otherwise three chosen by a
// deterministic pseudo-shuffle keyed on the low bits of the clock.
func (e *Engine) selectCandidates(mode Mode) []*altserver.Entry {
	all := e.registry.All()
	if len(all) == 0 {
		return nil
	}
	if mode == ModeStartup || mode == ModePanic {
		return all
	}
	shuffled := pseudoShuffle(all, clockLowBits())
	if len(shuffled) > steadyStateCandidates {
		shuffled = shuffled[:steadyStateCandidates]
	}
	return shuffled
}

// pseudoShuffle reorders entries deterministically using seed (the
// low bits of the monotonic clock), rather than a random permutation,
// so repeated calls within the same clock tick probe the same subset
// — the original's stated rationale for avoiding thrash on the
// upstream's cache.
func pseudoShuffle(entries []*altserver.Entry, seed uint64) []*altserver.Entry {
	n := len(entries)
	out := make([]*altserver.Entry, n)
	copy(out, entries)
	for i := n - 1; i > 0; i-- {
		j := int(seed>>uint(i%16)) % (i + 1)
		if j < 0 {
			j = -j
		}
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func clockLowBits() uint64 {
	return uint64(time.Now().UnixNano())
}

func bestReady(results []probeResult) *probeResult {
	var best *probeResult
	for i := range results {
		r := &results[i]
		if r.err != nil || !r.entry.Ready() {
			continue
		}
		if best == nil || r.rtt < best.rtt {
			best = r
		}
	}
	return best
}

func closeAllExcept(results []probeResult, keep net.Conn) {
	for _, r := range results {
		if r.conn != nil && r.conn != keep {
			r.conn.Close()
		}
	}
}

// probe opens a fresh connection to c, performs the SELECT_IMAGE
// handshake, and measures RTT via a fixed-offset GET_BLOCK. The
// returned connection is left open and handshaked,
// ready to be handed to switchTo on success.
func (e *Engine) probe(c *altserver.Entry) (time.Duration, net.Conn, error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
	currentRTT, _ := c.RTT()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	conn, err := netconn.Dial(ctx, addr, currentRTT, e.log)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failover: connect")
	}

	if err := e.handshake(ctx, conn, c); err != nil {
		conn.Close()
		return 0, nil, err
	}

	rtt, err := e.measureRTT(ctx, conn)
	if err != nil {
		conn.Close()
		return 0, nil, err
	}
	return rtt, conn, nil
}

func (e *Engine) handshake(ctx context.Context, conn net.Conn, c *altserver.Entry) error {
	req := wire.SelectImageRequest{
		ProtocolVersion: e.cfg.ProtocolVersion,
		Name:            e.cfg.ImageName,
		RevisionID:      e.cfg.RevisionID,
		IsServer:        true,
	}
	w := wire.NewWriter(maxSelectImagePayload)
	if err := req.Encode(w); err != nil {
		return errors.Wrap(err, "failover: encode SELECT_IMAGE")
	}

	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(w.Bytes()))}
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		return err
	}
	if err := netconn.WriteFull(ctx, conn, hdrBuf); err != nil {
		return errors.Wrap(err, "failover: send SELECT_IMAGE header")
	}
	if err := netconn.WriteFull(ctx, conn, w.Bytes()); err != nil {
		return errors.Wrap(err, "failover: send SELECT_IMAGE payload")
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(ctx, conn, replyHdrBuf); err != nil {
		return errors.Wrap(err, "failover: read SELECT_IMAGE reply header")
	}
	var replyHdr wire.ReplyHeader
	if err := replyHdr.Decode(replyHdrBuf); err != nil {
		return errors.Wrap(err, "failover: decode SELECT_IMAGE reply header")
	}
	if replyHdr.Cmd == wire.CmdError {
		return errors.New("failover: peer rejected SELECT_IMAGE")
	}
	if replyHdr.Cmd != wire.CmdSelectImage {
		return errors.Errorf("failover: unexpected reply command %s", replyHdr.Cmd)
	}

	payload := make([]byte, replyHdr.Size)
	if len(payload) > 0 {
		if err := netconn.ReadFull(ctx, conn, payload); err != nil {
			return errors.Wrap(err, "failover: read SELECT_IMAGE reply payload")
		}
	}
	var reply wire.SelectImageReply
	if err := reply.Decode(wire.NewReader(payload)); err != nil {
		return errors.Wrap(err, "failover: decode SELECT_IMAGE reply payload")
	}
	if reply.Name != e.cfg.ImageName || reply.RevisionID != e.cfg.RevisionID {
		return errors.Errorf("failover: SELECT_IMAGE mismatch: got (%s, %d)", reply.Name, reply.RevisionID)
	}
	return nil
}

func (e *Engine) measureRTT(ctx context.Context, conn net.Conn) (time.Duration, error) {
	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: e.cfg.RTTBlockSize, Handle: rttProbeHandle, Offset: 0}
	buf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(buf); err != nil {
		return 0, err
	}

	start := time.Now()
	if err := netconn.WriteFull(ctx, conn, buf); err != nil {
		return 0, errors.Wrap(err, "failover: send RTT probe")
	}
	replyBuf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(ctx, conn, replyBuf); err != nil {
		return 0, errors.Wrap(err, "failover: read RTT probe reply")
	}
	var replyHdr wire.ReplyHeader
	if err := replyHdr.Decode(replyBuf); err != nil {
		return 0, err
	}
	payload := make([]byte, replyHdr.Size)
	if len(payload) > 0 {
		if err := netconn.ReadFull(ctx, conn, payload); err != nil {
			return 0, errors.Wrap(err, "failover: read RTT probe payload")
		}
	}
	return time.Since(start), nil
}

// ProbeAll is a convenience used by tests and by the status surface:
// probes every registered candidate regardless of mode and returns an
// aggregated error of every candidate that failed, or nil if all
// succeeded.
func (e *Engine) ProbeAll() error {
	all := e.registry.All()
	var merr *multierror.Error
	for _, c := range all {
		_, conn, err := e.probe(c)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		conn.Close()
	}
	return merr.ErrorOrNil()
}
