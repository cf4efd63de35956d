package dataplane

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PortLocal is the switch-local reserved port. Fabric includes it in every
// counter reply, as real switches do.
const PortLocal uint32 = 0xfffffffe

// Op names a rule operation for failure injection and call accounting.
type Op string

const (
	OpInstall Op = "install"
	OpRemove  Op = "remove"
	OpDiscard Op = "discard"
	OpRequest Op = "request"
)

// RuleKey identifies a drop rule in the fabric.
type RuleKey struct {
	SwitchID uint64
	PortNo   uint32
}

// Fabric is an in-memory switch fabric. Port counters advance either
// explicitly (AddBytes) or from configured rates (Advance, Run). It backs
// tests and the simulated dataplane mode of the daemon.
type Fabric struct {
	mu       sync.Mutex
	switches map[uint64]*simSwitch
	handler  ReplyHandler
	async    bool
	clock    func() time.Time
	failures map[failKey][]error
	calls    map[Op]int
	rules    map[RuleKey]int // priority
}

type simSwitch struct {
	connected bool
	ports     map[uint32]*simPort
}

type simPort struct {
	rx, tx         uint64
	rxRate, txRate float64 // bytes/s
	rxFrac, txFrac float64
	buffered       int
}

type failKey struct {
	op   Op
	rule RuleKey
}

// FabricOption configures a Fabric.
type FabricOption func(*Fabric)

// WithAsyncReplies delivers counter replies from a new goroutine, like a
// real controller connection. The default is synchronous delivery.
func WithAsyncReplies() FabricOption {
	return func(f *Fabric) { f.async = true }
}

// WithClock sets the timestamp source for replies.
func WithClock(now func() time.Time) FabricOption {
	return func(f *Fabric) { f.clock = now }
}

// NewFabric creates an empty fabric.
func NewFabric(opts ...FabricOption) *Fabric {
	f := &Fabric{
		switches: make(map[uint64]*simSwitch),
		clock:    time.Now,
		failures: make(map[failKey][]error),
		calls:    make(map[Op]int),
		rules:    make(map[RuleKey]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetReplyHandler registers the consumer of counter replies.
func (f *Fabric) SetReplyHandler(h ReplyHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// AddSwitch connects a switch with the given data ports.
func (f *Fabric) AddSwitch(id uint64, ports ...uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sw, ok := f.switches[id]
	if !ok {
		sw = &simSwitch{ports: make(map[uint32]*simPort)}
		f.switches[id] = sw
	}
	sw.connected = true
	for _, p := range ports {
		if _, ok := sw.ports[p]; !ok {
			sw.ports[p] = &simPort{}
		}
	}
	if _, ok := sw.ports[PortLocal]; !ok {
		sw.ports[PortLocal] = &simPort{}
	}
}

// Disconnect marks a switch as unreachable. Its rules are forgotten.
func (f *Fabric) Disconnect(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sw, ok := f.switches[id]; ok {
		sw.connected = false
	}
	for k := range f.rules {
		if k.SwitchID == id {
			delete(f.rules, k)
		}
	}
}

// Connected reports whether the switch is known and connected.
func (f *Fabric) Connected(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sw, ok := f.switches[id]
	return ok && sw.connected
}

// SetRate sets the traffic rate of a port in bytes per second.
func (f *Fabric) SetRate(id uint64, portNo uint32, rxRate, txRate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.portLocked(id, portNo)
	if err != nil {
		return err
	}
	p.rxRate, p.txRate = rxRate, txRate
	return nil
}

// AddBytes bumps a port's counters.
func (f *Fabric) AddBytes(id uint64, portNo uint32, rx, tx uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.portLocked(id, portNo)
	if err != nil {
		return err
	}
	p.rx += rx
	p.tx += tx
	return nil
}

// ResetCounters zeroes a port's counters, as a switch restart would.
func (f *Fabric) ResetCounters(id uint64, portNo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.portLocked(id, portNo)
	if err != nil {
		return err
	}
	p.rx, p.tx = 0, 0
	return nil
}

// Buffer records a packet held by the switch for a port.
func (f *Fabric) Buffer(id uint64, portNo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.portLocked(id, portNo)
	if err != nil {
		return err
	}
	p.buffered++
	return nil
}

// Buffered returns the number of packets held for a port.
func (f *Fabric) Buffered(id uint64, portNo uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.portLocked(id, portNo)
	if err != nil {
		return 0
	}
	return p.buffered
}

// Advance accumulates every port's configured rate over d. Receive counters
// keep counting on ports with a drop rule: the rule drops after the port
// has counted the frame.
func (f *Fabric) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sec := d.Seconds()
	for _, sw := range f.switches {
		if !sw.connected {
			continue
		}
		for _, p := range sw.ports {
			p.rxFrac += p.rxRate * sec
			p.txFrac += p.txRate * sec
			whole := uint64(p.rxFrac)
			p.rx += whole
			p.rxFrac -= float64(whole)
			whole = uint64(p.txFrac)
			p.tx += whole
			p.txFrac -= float64(whole)
		}
	}
}

// Run advances counters in real time until ctx is cancelled.
func (f *Fabric) Run(ctx context.Context, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.Advance(now.Sub(last))
			last = now
		}
	}
}

// FailNext queues an error for the next op on a port.
func (f *Fabric) FailNext(op Op, id uint64, portNo uint32, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := failKey{op: op, rule: RuleKey{SwitchID: id, PortNo: portNo}}
	f.failures[k] = append(f.failures[k], err)
}

// Calls returns how many times op was invoked.
func (f *Fabric) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// DropRules returns the installed drop rules, sorted.
func (f *Fabric) DropRules() []RuleKey {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]RuleKey, 0, len(f.rules))
	for k := range f.rules {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SwitchID != out[j].SwitchID {
			return out[i].SwitchID < out[j].SwitchID
		}
		return out[i].PortNo < out[j].PortNo
	})
	return out
}

// HasDropRule reports whether a drop rule is installed on the port.
func (f *Fabric) HasDropRule(id uint64, portNo uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rules[RuleKey{SwitchID: id, PortNo: portNo}]
	return ok
}

// RequestPortCounters implements CounterSource.
func (f *Fabric) RequestPortCounters(ctx context.Context, switchID uint64) error {
	f.mu.Lock()
	f.calls[OpRequest]++
	sw, ok := f.switches[switchID]
	if !ok || !sw.connected {
		f.mu.Unlock()
		return fmt.Errorf("requesting counters from %016x: %w", switchID, ErrSwitchDisconnected)
	}
	reply := CounterReply{SwitchID: switchID, ReceivedAt: f.clock()}
	for no, p := range sw.ports {
		reply.Ports = append(reply.Ports, PortStats{PortNo: no, RxBytes: p.rx, TxBytes: p.tx})
	}
	sort.Slice(reply.Ports, func(i, j int) bool { return reply.Ports[i].PortNo < reply.Ports[j].PortNo })
	handler := f.handler
	async := f.async
	f.mu.Unlock()

	if handler == nil {
		return nil
	}
	if async {
		go handler(ctx, reply)
		return nil
	}
	handler(ctx, reply)
	return nil
}

// InstallDropRule implements RuleInstaller.
func (f *Fabric) InstallDropRule(ctx context.Context, switchID uint64, portNo uint32, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkLocked(OpInstall, switchID, portNo); err != nil {
		return err
	}
	f.rules[RuleKey{SwitchID: switchID, PortNo: portNo}] = priority
	return nil
}

// RemoveDropRule implements RuleInstaller.
func (f *Fabric) RemoveDropRule(ctx context.Context, switchID uint64, portNo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkLocked(OpRemove, switchID, portNo); err != nil {
		return err
	}
	delete(f.rules, RuleKey{SwitchID: switchID, PortNo: portNo})
	return nil
}

// DiscardBuffered implements RuleInstaller.
func (f *Fabric) DiscardBuffered(ctx context.Context, switchID uint64, portNo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkLocked(OpDiscard, switchID, portNo); err != nil {
		return err
	}
	if p, err := f.portLocked(switchID, portNo); err == nil {
		p.buffered = 0
	}
	return nil
}

// checkLocked counts the call and returns an injected or connectivity error.
func (f *Fabric) checkLocked(op Op, switchID uint64, portNo uint32) error {
	f.calls[op]++

	k := failKey{op: op, rule: RuleKey{SwitchID: switchID, PortNo: portNo}}
	if errs := f.failures[k]; len(errs) > 0 {
		err := errs[0]
		f.failures[k] = errs[1:]
		return err
	}
	sw, ok := f.switches[switchID]
	if !ok || !sw.connected {
		return fmt.Errorf("%s on %016x/%d: %w", op, switchID, portNo, ErrSwitchDisconnected)
	}
	return nil
}

func (f *Fabric) portLocked(id uint64, portNo uint32) (*simPort, error) {
	sw, ok := f.switches[id]
	if !ok {
		return nil, fmt.Errorf("switch %016x not found", id)
	}
	p, ok := sw.ports[portNo]
	if !ok {
		return nil, fmt.Errorf("port %d not found on switch %016x", portNo, id)
	}
	return p, nil
}
