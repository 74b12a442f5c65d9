package gossip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
)

// Journal is the durable membership log the protocol records into.
type Journal interface {
	RecoverCounter(id NodeID) int64
	Reconcile(ev Event) bool
	Latest(id NodeID) (Event, bool)
	Snapshot() []Event
	Close() error
}

type State int

const (
	Left State = iota
	Joined
)

func (s State) String() string {
	if s == Joined {
		return "JOINED"
	}
	return "LEFT"
}

// Config tunes the join handshake.
type Config struct {
	// JoinTimeout bounds each wait for a snapshot after an announcement.
	JoinTimeout time.Duration
	// JoinAttempts is how many times the join announcement is sent.
	JoinAttempts int
	// SoloBootstrap lets a node found a new cluster when nobody answers.
	SoloBootstrap bool
	// SnapshotTimeout bounds sending a snapshot to a joining peer.
	SnapshotTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = time.Second
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 3
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 2 * time.Second
	}
}

// Protocol runs the join/leave lifecycle of the local node.
type Protocol struct {
	cfg       Config
	self      NodeID
	journal   Journal
	transport Transport
	view      *View
	logger    *zap.Logger

	// opMu serializes Join and Leave.
	opMu sync.Mutex

	mu       sync.Mutex
	counter  int64
	onChange []func([]NodeID)
	inbox    Inbox
	cancel   context.CancelFunc

	listener sync.WaitGroup
	senders  sync.WaitGroup
}

// New recovers the local counter from the journal. A counter that says the
// node is still joined belongs to a process that died without leaving; the
// next absent counter is journaled so that Join is valid again.
func New(cfg Config, self NodeID, j Journal, tr Transport, view *View, logger *zap.Logger) *Protocol {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if view == nil {
		view = NewView()
	}
	p := &Protocol{
		cfg:       cfg,
		self:      self,
		journal:   j,
		transport: tr,
		view:      view,
		logger:    logger.With(zap.String("node", self.String())),
	}
	p.counter = j.RecoverCounter(self)
	if Present(p.counter) {
		p.logger.Warn("journal shows node still joined, recording implicit leave",
			zap.Int64("counter", p.counter))
		p.advance()
	}
	p.logger.Info("membership counter recovered", zap.Int64("counter", p.counter))
	return p
}

func (p *Protocol) Self() NodeID { return p.self }

func (p *Protocol) View() *View { return p.view }

func (p *Protocol) Counter() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

func (p *Protocol) State() State {
	if Present(p.Counter()) {
		return Joined
	}
	return Left
}

// OnViewChange registers fn to be called with the sorted view after every change.
// Callbacks run synchronously on the goroutine that changed the view.
func (p *Protocol) OnViewChange(fn func([]NodeID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// Join announces the node to the cluster and blocks until the initial
// membership snapshot is installed.
func (p *Protocol) Join(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State() == Joined {
		return &ProtocolError{Op: "join", Reason: "already joined"}
	}

	snap, err := p.transport.OpenSnapshot(p.self)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStateTransfer, err)
	}
	inbox, err := p.transport.Subscribe()
	if err != nil {
		snap.Close()
		return fmt.Errorf("%w: %w", ErrStateTransfer, err)
	}

	ev := p.advance()
	events, err := p.awaitSnapshot(ctx, snap, ev)
	snap.Close()

	switch {
	case err == nil:
	case errors.Is(err, ErrNoSnapshot) && p.cfg.SoloBootstrap:
		p.logger.Info("no peer answered the join, founding a new cluster")
	default:
		inbox.Close()
		p.abortJoin()
		return fmt.Errorf("%w: %w", ErrStateTransfer, err)
	}

	p.install(events)
	p.startListener(inbox)
	p.logger.Info("joined cluster", zap.Int64("counter", ev.Counter), zap.Int("view", p.view.Len()))
	return nil
}

// Leave announces the departure without waiting for acknowledgement and
// stops processing gossip.
func (p *Protocol) Leave(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.State() == Left {
		return &ProtocolError{Op: "leave", Reason: "already left"}
	}

	ev := p.advance()
	if err := p.transport.Announce(ctx, ev); err != nil {
		p.logger.Warn("leave announcement failed", zap.Error(err))
	}
	if err := p.stopListener(); err != nil {
		p.logger.Debug("closing gossip inbox", zap.Error(err))
	}
	p.view.Clear()
	p.notify()
	p.logger.Info("left cluster", zap.Int64("counter", ev.Counter))
	return nil
}

// Close stops any running listener and closes the journal.
func (p *Protocol) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	err := p.stopListener()
	p.senders.Wait()
	return multierr.Append(err, p.journal.Close())
}

// advance bumps the counter and records the resulting event as if it had
// arrived from gossip.
func (p *Protocol) advance() Event {
	p.mu.Lock()
	p.counter++
	ev := Event{Node: p.self, Counter: p.counter}
	p.mu.Unlock()

	accepted := p.journal.Reconcile(ev)
	telemetry.MembershipEvents.WithLabelValues("local", ev.Kind(), strconv.FormatBool(accepted)).Inc()
	return ev
}

func (p *Protocol) awaitSnapshot(ctx context.Context, snap SnapshotInbox, ev Event) ([]Event, error) {
	for attempt := 1; attempt <= p.cfg.JoinAttempts; attempt++ {
		if err := p.transport.Announce(ctx, ev); err != nil {
			p.logger.Warn("join announcement failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		actx, cancel := context.WithTimeout(ctx, p.cfg.JoinTimeout)
		events, err := snap.Accept(actx)
		cancel()
		if err == nil {
			return events, nil
		}
		if !errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug("no snapshot yet", zap.Int("attempt", attempt))
	}
	return nil, ErrNoSnapshot
}

// abortJoin returns a node whose handshake failed to the Left state.
func (p *Protocol) abortJoin() {
	ev := p.advance()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SnapshotTimeout)
	defer cancel()
	if err := p.transport.Announce(ctx, ev); err != nil {
		p.logger.Warn("compensating leave announcement failed", zap.Error(err))
	}
	p.logger.Error("join aborted", zap.Int64("counter", ev.Counter))
}

// install replaces the view with the snapshot contents.
func (p *Protocol) install(events []Event) {
	members := []NodeID{p.self}
	for _, ev := range events {
		if ev.Node == p.self {
			continue
		}
		accepted := p.journal.Reconcile(ev)
		telemetry.MembershipEvents.WithLabelValues("snapshot", ev.Kind(), strconv.FormatBool(accepted)).Inc()
		if latest, ok := p.journal.Latest(ev.Node); ok && latest.Present() {
			members = append(members, ev.Node)
		}
	}
	p.view.Replace(members)
	p.notify()
}

func (p *Protocol) startListener(inbox Inbox) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.inbox = inbox
	p.cancel = cancel
	p.mu.Unlock()

	p.listener.Add(1)
	go p.listen(ctx, inbox)
}

func (p *Protocol) stopListener() error {
	p.mu.Lock()
	inbox, cancel := p.inbox, p.cancel
	p.inbox, p.cancel = nil, nil
	p.mu.Unlock()
	if inbox == nil {
		return nil
	}
	cancel()
	err := inbox.Close()
	p.listener.Wait()
	return err
}

func (p *Protocol) listen(ctx context.Context, inbox Inbox) {
	defer p.listener.Done()
	for {
		ev, err := inbox.Receive()
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Warn("gossip receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		p.handle(ctx, ev)
	}
}

func (p *Protocol) handle(ctx context.Context, ev Event) {
	if ev.Node == p.self {
		return
	}
	accepted := p.journal.Reconcile(ev)
	telemetry.MembershipEvents.WithLabelValues("gossip", ev.Kind(), strconv.FormatBool(accepted)).Inc()

	if accepted {
		var changed bool
		if ev.Present() {
			changed = p.view.Add(ev.Node)
		} else {
			changed = p.view.Remove(ev.Node)
		}
		p.logger.Info("membership event", zap.Stringer("peer", ev.Node),
			zap.String("kind", ev.Kind()), zap.Int64("counter", ev.Counter))
		if changed {
			p.notify()
		}
	}

	// Retransmitted joins are answered again since the first snapshot may
	// have been lost.
	if ev.Present() {
		if latest, ok := p.journal.Latest(ev.Node); ok && latest.Counter == ev.Counter {
			p.sendSnapshot(ctx, ev.Node)
		}
	}
}

func (p *Protocol) sendSnapshot(ctx context.Context, to NodeID) {
	events := p.journal.Snapshot()
	p.senders.Add(1)
	go func() {
		defer p.senders.Done()
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SnapshotTimeout)
		defer cancel()
		if err := p.transport.SendSnapshot(sctx, to, events); err != nil {
			p.logger.Warn("snapshot transfer failed", zap.Stringer("peer", to), zap.Error(err))
			return
		}
		p.logger.Debug("snapshot sent", zap.Stringer("peer", to), zap.Int("events", len(events)))
	}()
}

func (p *Protocol) notify() {
	members := p.view.Members()
	telemetry.ViewSize.Set(float64(len(members)))
	p.mu.Lock()
	fns := append([]func([]NodeID){}, p.onChange...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn(members)
	}
}
