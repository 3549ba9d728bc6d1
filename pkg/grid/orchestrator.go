package grid

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"biochip-go/pkg/actuation"
	"biochip-go/pkg/errors"
	"biochip-go/pkg/log"
	"biochip-go/pkg/metrics"
	"biochip-go/pkg/motion"
	"biochip-go/pkg/program"
)

// Actuator drives the plates. *actuation.Client implements it.
type Actuator interface {
	SetPlate(x, y int) error
	ClearPlate(x, y int) error
	ClearAllPlates() error
	PollReplies() (actuation.Replies, error)
}

// Config holds the grid geometry and pacing.
type Config struct {
	Bounds motion.Bounds
	// SettleTime is the pause after every tick and split.
	SettleTime time.Duration
	// ClearOnFinish makes Finish de-energize every plate.
	ClearOnFinish bool
}

// Orchestrator executes compiled operations one at a time. Run is not
// safe for concurrent use; Status may be called from any goroutine.
type Orchestrator struct {
	act     Actuator
	cfg     Config
	vision  Vision
	sleeper Sleeper
	sink    EventSink
	now     func() time.Time
	log     *log.Logger
	metrics *metrics.HostMetrics

	mu       sync.Mutex
	registry *Registry
	status   Status
	eventSeq uint64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVision enables cross-checks against observed droplet positions.
func WithVision(v Vision) Option {
	return func(o *Orchestrator) { o.vision = v }
}

// WithSleeper replaces RealSleeper.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleeper = s }
}

// WithEventSink sets where events are published.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the collectors updated by the orchestrator.
func WithMetrics(m *metrics.HostMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock replaces time.Now in events and status.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator driving act.
func New(act Actuator, cfg Config, opts ...Option) (*Orchestrator, error) {
	if _, err := motion.NewBounds(cfg.Bounds.MaxX, cfg.Bounds.MaxY); err != nil {
		return nil, err
	}
	if cfg.SettleTime < 0 {
		return nil, errors.New(errors.ErrConfig, fmt.Sprintf("settle time %v must not be negative", cfg.SettleTime))
	}
	o := &Orchestrator{
		act:      act,
		cfg:      cfg,
		sleeper:  RealSleeper,
		now:      time.Now,
		log:      log.GetLogger("grid"),
		metrics:  metrics.Global(),
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.status = Status{State: RunStateStandby, Grid: cfg.Bounds, Droplets: []DropletState{}}
	return o, nil
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Droplets = o.registry.Snapshot()
	return s
}

// Snapshot returns the live droplets sorted by id.
func (o *Orchestrator) Snapshot() []DropletState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry.Snapshot()
}

// Run executes ops in order, each to completion before the next. The
// registry starts empty. A bounds, lifecycle or link error aborts the run
// and is returned wrapped with the failing operation.
func (o *Orchestrator) Run(ctx context.Context, ops []program.Operation) error {
	started := o.now()
	o.mu.Lock()
	o.registry = NewRegistry()
	o.status = Status{
		RunID:     ulid.Make().String(),
		State:     RunStateRunning,
		Grid:      o.cfg.Bounds,
		Total:     len(ops),
		StartedAt: &started,
	}
	o.eventSeq = 0
	o.mu.Unlock()
	o.metrics.ActiveDroplets.Set(0)

	runLog := o.log.With(log.Fields{"run": o.status.RunID})
	runLog.Info("running %d operations on %s grid", len(ops), o.cfg.Bounds)
	o.emit(Event{Kind: EventRunStarted, Detail: fmt.Sprintf("%d operations", len(ops))})

	for i, op := range ops {
		o.mu.Lock()
		o.status.Line = op.Line
		o.status.Operation = op.String()
		o.mu.Unlock()

		err := ctx.Err()
		if err == nil {
			runLog.WithField("line", op.Line).Debug(op.String())
			err = o.execute(ctx, op)
		}
		if err != nil {
			err = fmt.Errorf("line %d: %s: %w", op.Line, op, err)
			o.finishRun(RunStateError, err)
			runLog.WithError(err).Error("run aborted")
			o.emit(Event{Kind: EventRunFailed, Line: op.Line, Detail: err.Error()})
			return err
		}

		o.metrics.RecordOperation(op.Kind.String())
		o.mu.Lock()
		o.status.Executed = i + 1
		o.mu.Unlock()
	}

	o.finishRun(RunStateComplete, nil)
	runLog.Info("run complete")
	o.emit(Event{Kind: EventRunComplete})
	return nil
}

func (o *Orchestrator) finishRun(state RunState, err error) {
	finished := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.State = state
	o.status.FinishedAt = &finished
	if err != nil {
		o.status.Error = err.Error()
	}
}

// Finish ends a session. With ClearOnFinish every plate is cleared.
func (o *Orchestrator) Finish(ctx context.Context) error {
	if !o.cfg.ClearOnFinish {
		return nil
	}
	if err := o.act.ClearAllPlates(); err != nil {
		return err
	}
	o.emit(Event{Kind: EventPlatesCleared})
	if err := o.sleeper.Sleep(ctx, o.cfg.SettleTime); err != nil {
		return err
	}
	return o.poll()
}

func (o *Orchestrator) execute(ctx context.Context, op program.Operation) error {
	switch op.Kind {
	case program.New:
		return o.create(op)
	case program.Move:
		return o.move(ctx, op)
	case program.Mix:
		return o.mix(ctx, op)
	case program.Split:
		return o.split(ctx, op)
	case program.Wait:
		o.emit(Event{Kind: EventWait, Line: op.Line, Detail: op.Duration.String()})
		return o.sleeper.Sleep(ctx, op.Duration)
	}
	return errors.InvalidInstructionError().SetLine(op.Line)
}

func (o *Orchestrator) create(op program.Operation) error {
	if err := o.cfg.Bounds.Check(op.Position); err != nil {
		return err
	}
	o.mu.Lock()
	_, err := o.registry.Add(op.Droplet, op.Position)
	n := o.registry.Len()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.metrics.ActiveDroplets.Set(float64(n))
	o.emit(Event{Kind: EventDropletCreated, Line: op.Line, Droplet: op.Droplet, Position: posPtr(op.Position)})
	return nil
}

func (o *Orchestrator) move(ctx context.Context, op program.Operation) error {
	if err := o.cfg.Bounds.Check(op.Position); err != nil {
		return err
	}
	if err := o.route(op.Droplet, op.Position); err != nil {
		return err
	}
	return o.TickAll(ctx, []string{op.Droplet})
}

// route plans the path of id toward target.
func (o *Orchestrator) route(id string, target motion.Position) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	d.Path = motion.Plan(d.Position, target)
	return nil
}

func (o *Orchestrator) mix(ctx context.Context, op program.Operation) error {
	a, b, out := op.Inputs[0], op.Inputs[1], op.Outputs[0]
	if a == b {
		return errors.LifecycleError(a, fmt.Sprintf("Droplet %s cannot be mixed with itself", a))
	}

	o.mu.Lock()
	db, err := o.registry.Get(b)
	var target motion.Position
	if err == nil {
		target = db.Position
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}

	if err := o.route(a, target); err != nil {
		return err
	}
	if err := o.TickAll(ctx, []string{a}); err != nil {
		return err
	}

	o.mu.Lock()
	o.registry.Remove(a)
	o.registry.Remove(b)
	_, err = o.registry.Add(out, target)
	n := o.registry.Len()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.metrics.ActiveDroplets.Set(float64(n))
	o.emit(Event{
		Kind:     EventDropletsMixed,
		Line:     op.Line,
		Droplet:  out,
		Position: posPtr(target),
		Detail:   fmt.Sprintf("%s + %s", a, b),
	})
	return nil
}

func (o *Orchestrator) split(ctx context.Context, op program.Operation) error {
	o1, o2 := op.Outputs[0], op.Outputs[1]

	o.mu.Lock()
	d, err := o.registry.Get(op.Droplet)
	var pos motion.Position
	if err == nil {
		pos = d.Position
	}
	o.mu.Unlock()
	if err != nil {
		return err
	}

	plan, err := o.cfg.Bounds.Split(pos)
	if stderrors.Is(err, motion.ErrSplitUnavailable) {
		o.metrics.SplitsUnavailable.Inc()
		o.log.WithFields(log.Fields{"droplet": op.Droplet, "grid": o.cfg.Bounds.String()}).
			Warn("splitting is not available on such a small grid, needs 3 consecutive plates")
		o.emit(Event{Kind: EventSplitUnavailable, Line: op.Line, Droplet: op.Droplet, Position: posPtr(pos)})
		return nil
	}
	if err != nil {
		return err
	}

	if plan.Shift != nil {
		o.mu.Lock()
		d.Path = []motion.Direction{*plan.Shift}
		o.mu.Unlock()
		if err := o.TickAll(ctx, []string{op.Droplet}); err != nil {
			return err
		}
	}

	for _, t := range plan.Targets {
		if err := o.act.SetPlate(t.X, t.Y); err != nil {
			return err
		}
	}
	if err := o.act.ClearPlate(plan.Center.X, plan.Center.Y); err != nil {
		return err
	}
	if err := o.settle(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.registry.Remove(op.Droplet)
	_, err = o.registry.Add(o1, plan.Targets[0])
	if err == nil {
		_, err = o.registry.Add(o2, plan.Targets[1])
	}
	n := o.registry.Len()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.metrics.ActiveDroplets.Set(float64(n))
	o.emit(Event{
		Kind:     EventDropletSplit,
		Line:     op.Line,
		Droplet:  op.Droplet,
		Position: posPtr(plan.Center),
		Detail:   fmt.Sprintf("%s split into %s at %s and %s at %s", plan.Axis, o1, plan.Targets[0], o2, plan.Targets[1]),
	})
	o.crossCheck(ctx, []string{o1, o2})
	return nil
}

// TickAll advances every listed droplet one step per tick, with one
// shared settle after each tick, until none has steps left. A tick that
// moves nothing ends the loop without pausing.
func (o *Orchestrator) TickAll(ctx context.Context, ids []string) error {
	for {
		moved, err := o.tick(ids)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		o.metrics.Ticks.Inc()
		if err := o.settle(ctx); err != nil {
			return err
		}
		o.crossCheck(ctx, ids)
	}
}

// tick moves each droplet with steps left by one plate: clear the old
// plate, then set the new one.
func (o *Orchestrator) tick(ids []string) (bool, error) {
	moved := false
	for _, id := range ids {
		o.mu.Lock()
		d, err := o.registry.Get(id)
		if err != nil {
			o.mu.Unlock()
			return moved, err
		}
		if !d.HasSteps() {
			o.mu.Unlock()
			continue
		}
		step := d.nextStep()
		from := d.Position
		to := from.Add(step)
		o.mu.Unlock()

		if step.IsZero() {
			continue
		}
		if err := o.cfg.Bounds.Check(to); err != nil {
			return moved, err
		}
		if err := o.act.ClearPlate(from.X, from.Y); err != nil {
			return moved, err
		}
		if err := o.act.SetPlate(to.X, to.Y); err != nil {
			return moved, err
		}

		o.mu.Lock()
		d.Position = to
		o.mu.Unlock()
		moved = true
		o.emit(Event{Kind: EventDropletStep, Droplet: id, Position: posPtr(to), Detail: step.String()})
	}
	return moved, nil
}

// settle waits one settle interval, then reconciles device replies.
func (o *Orchestrator) settle(ctx context.Context) error {
	if err := o.sleeper.Sleep(ctx, o.cfg.SettleTime); err != nil {
		return err
	}
	return o.poll()
}

// poll reconciles replies. Protocol problems are logged by the client
// and never abort the run; a failing link does.
func (o *Orchestrator) poll() error {
	replies, err := o.act.PollReplies()
	if err != nil {
		return err
	}
	if problems := replies.Problems(); len(problems) > 0 {
		o.log.WithField("count", len(problems)).Debug("device replies need attention")
	}
	return nil
}

// crossCheck compares droplet positions with what vision observes.
// Mismatches are logged and counted only.
func (o *Orchestrator) crossCheck(ctx context.Context, ids []string) {
	if o.vision == nil {
		return
	}
	seen, err := o.vision.Observe(ctx)
	if err != nil {
		o.log.WithError(err).Warn("vision unavailable")
		return
	}
	observed := make(map[motion.Position]struct{}, len(seen))
	for _, p := range seen {
		observed[p] = struct{}{}
	}

	for _, id := range ids {
		o.mu.Lock()
		d, err := o.registry.Get(id)
		var pos motion.Position
		if err == nil {
			pos = d.Position
		}
		o.mu.Unlock()
		if err != nil {
			continue
		}
		if _, ok := observed[pos]; ok {
			continue
		}
		o.metrics.VisionMismatches.Inc()
		o.log.WithFields(log.Fields{"droplet": id, "expected": pos.String()}).
			Warn("droplet does not match the visual feedback")
		o.emit(Event{Kind: EventVisionMismatch, Droplet: id, Position: posPtr(pos)})
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.sink == nil {
		return
	}
	o.mu.Lock()
	o.eventSeq++
	e.Seq = o.eventSeq
	e.RunID = o.status.RunID
	o.mu.Unlock()
	e.Time = o.now()
	o.sink.Publish(e)
}

func posPtr(p motion.Position) *motion.Position {
	return &p
}
