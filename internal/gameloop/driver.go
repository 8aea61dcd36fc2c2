// Package gameloop drives transports and the application at a fixed tick
// rate. Everything the driver owns (transports, inbox, state transitions)
// runs on the goroutine that calls Run; Status is the only method safe to
// call from elsewhere.
package gameloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamecore/internal/tick"
	"github.com/cory-johannsen/gamecore/internal/transport"
)

// Options configures a Driver.
type Options struct {
	// ServerID names this server in status reports.
	ServerID string
	// TPS is the target ticks per second.
	TPS int
	// Transports are read, written and flushed every active tick, in order.
	Transports []transport.Transport
	// Application consumes inbound messages and produces outbound ones.
	Application Application
	// Commands delivers control commands; nil means none will arrive.
	Commands <-chan Command
	// AutoStart leaves Idle once, at startup, without waiting for a Load
	// command. After a Reset the loop waits for Load.
	AutoStart bool
	// Scheduler overrides the default scheduler for TPS.
	Scheduler *tick.Scheduler
	// Logger must be non-nil.
	Logger *zap.Logger
}

// Status is a point-in-time view of the driver.
type Status struct {
	ServerID    string
	State       State
	Ticks       uint64
	Skipped     uint64
	Connections int
}

// Driver owns the transports and the tick scheduler.
type Driver struct {
	id         string
	tps        int
	transports []transport.Transport
	app        Application
	commands   <-chan Command
	autoStart  bool
	sched      *tick.Scheduler
	logger     *zap.Logger

	inbox []transport.Message

	state       atomic.Int32
	ticks       atomic.Uint64
	skipped     atomic.Uint64
	connections atomic.Int64
}

// New creates a Driver in StateIdle.
//
// Precondition: opts.TPS > 0; at least one transport; Application and Logger non-nil.
// Postcondition: Returns a Driver ready to Run, or a non-nil error.
func New(opts Options) (*Driver, error) {
	var errs []error
	if opts.TPS <= 0 {
		errs = append(errs, fmt.Errorf("tps must be positive, got %d", opts.TPS))
	}
	if len(opts.Transports) == 0 {
		errs = append(errs, errors.New("at least one transport is required"))
	}
	if opts.Application == nil {
		errs = append(errs, errors.New("application must not be nil"))
	}
	if opts.Logger == nil {
		errs = append(errs, errors.New("logger must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("creating game loop: %w", err)
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = tick.NewScheduler(opts.TPS)
	}

	return &Driver{
		id:         opts.ServerID,
		tps:        opts.TPS,
		transports: opts.Transports,
		app:        opts.Application,
		commands:   opts.Commands,
		autoStart:  opts.AutoStart,
		sched:      sched,
		logger:     opts.Logger,
	}, nil
}

// Run iterates until ctx is cancelled, then closes every transport.
//
// Postcondition: All transports are closed when Run returns.
func (d *Driver) Run(ctx context.Context) error {
	start := time.Now()
	d.logger.Info("game loop started",
		zap.Int("tps", d.tps),
		zap.Duration("tick", d.sched.TickDuration()),
	)

	for ctx.Err() == nil {
		d.Iterate(ctx)
	}

	err := d.close()
	d.logger.Info("game loop stopped",
		zap.Uint64("ticks", d.ticks.Load()),
		zap.Uint64("skipped", d.skipped.Load()),
		zap.Duration("uptime", time.Since(start)),
	)
	return err
}

// Iterate runs one outer loop iteration: it executes every owed tick
// back to back, then sleeps until the next tick is due. More than one
// second of backlog is not caught up; exactly one tick runs instead.
//
// Postcondition: Returns the number of ticks executed.
func (d *Driver) Iterate(ctx context.Context) int {
	owed := d.sched.Begin()
	if owed > d.tps {
		d.logger.Warn("can't keep up, skipping ticks",
			zap.Int("owed", owed),
			zap.Int("skipped", owed-1),
		)
		d.skipped.Add(uint64(owed - 1))
		owed = 1
	}

	for i := 0; i < owed; i++ {
		d.Step()
	}

	d.sched.End(ctx)
	return owed
}

// Step executes exactly one tick.
func (d *Driver) Step() {
	d.ticks.Add(1)

	// Leaving Idle takes effect on the next tick.
	wasIdle := d.State() == StateIdle
	d.pollCommand()
	if wasIdle || d.State() == StateIdle {
		return
	}
	d.exchange()
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Status returns a snapshot safe to take from any goroutine.
func (d *Driver) Status() Status {
	return Status{
		ServerID:    d.id,
		State:       d.State(),
		Ticks:       d.ticks.Load(),
		Skipped:     d.skipped.Load(),
		Connections: int(d.connections.Load()),
	}
}

func (d *Driver) pollCommand() {
	if d.autoStart && d.State() == StateIdle {
		d.autoStart = false
		d.apply(CommandLoad)
		return
	}
	select {
	case cmd := <-d.commands:
		d.apply(cmd)
	default:
	}
}

func (d *Driver) apply(cmd Command) {
	from := d.State()
	to, ok := transition(from, cmd)
	if !ok {
		d.logger.Warn("ignoring control command",
			zap.Stringer("command", cmd),
			zap.Stringer("state", from),
		)
		return
	}
	d.state.Store(int32(to))
	d.logger.Info("game loop state changed",
		zap.Stringer("command", cmd),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// exchange reads every transport, runs the application, writes its output,
// and flushes. Write failures only mark connections bad; transports evict
// them during Flush.
func (d *Driver) exchange() {
	d.inbox = d.inbox[:0]
	for _, tr := range d.transports {
		d.inbox = tr.Read(d.inbox)
	}

	for _, msg := range d.app.Tick(d.inbox) {
		if !d.write(msg) {
			d.logger.Debug("outbound message not delivered",
				zap.Uint32("conn_id", uint32(msg.ID())),
				zap.Int("bytes", len(msg.Data())),
			)
		}
	}

	conns := 0
	for _, tr := range d.transports {
		tr.Flush()
		conns += tr.Len()
	}
	d.connections.Store(int64(conns))
}

// write routes msg to the transport that owns its connection.
func (d *Driver) write(msg transport.Message) bool {
	for _, tr := range d.transports {
		if tr.Connected(msg.ID()) {
			return tr.Write(msg.ID(), msg.Data())
		}
	}
	return false
}

func (d *Driver) close() error {
	var errs []error
	for _, tr := range d.transports {
		if err := tr.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing transports: %w", err)
	}
	return nil
}
