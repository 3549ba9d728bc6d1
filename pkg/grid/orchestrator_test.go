package grid

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biochip-go/pkg/actuation"
	"biochip-go/pkg/errors"
	"biochip-go/pkg/log"
	"biochip-go/pkg/metrics"
	"biochip-go/pkg/motion"
	"biochip-go/pkg/program"
	"biochip-go/pkg/protocol"
)

// transcript records plate commands and pauses in the order they happen.
type transcript struct {
	mu      sync.Mutex
	entries []string
	failOn  string
	pollErr error
	polls   int
}

func (t *transcript) add(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == t.failOn {
		return errors.IOError(io.ErrClosedPipe, "write "+s)
	}
	t.entries = append(t.entries, s)
	return nil
}

func (t *transcript) SetPlate(x, y int) error   { return t.add(protocol.SetPlate(x, y)) }
func (t *transcript) ClearPlate(x, y int) error { return t.add(protocol.ClearPlate(x, y)) }
func (t *transcript) ClearAllPlates() error     { return t.add(protocol.ClearAll()) }

func (t *transcript) PollReplies() (actuation.Replies, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polls++
	return actuation.Replies{}, t.pollErr
}

func (t *transcript) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.add("sleep " + d.String())
}

func (t *transcript) commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, e := range t.entries {
		if len(e) < 5 || e[:5] != "sleep" {
			out = append(out, e)
		}
	}
	return out
}

func (t *transcript) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entries...)
}

type fixture struct {
	orch    *Orchestrator
	rec     *transcript
	metrics *metrics.HostMetrics
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func newFixture(t *testing.T, maxX, maxY int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{rec: &transcript{}, metrics: metrics.NewHostMetrics(), events: &eventLog{}}
	cfg := Config{Bounds: motion.Bounds{MaxX: maxX, MaxY: maxY}, SettleTime: time.Second}
	opts = append([]Option{
		WithSleeper(f.rec),
		WithLogger(log.Discard()),
		WithMetrics(f.metrics),
		WithEventSink(f.events),
	}, opts...)
	orch, err := New(f.rec, cfg, opts...)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func compileOps(t *testing.T, src string) []program.Operation {
	t.Helper()
	res := program.CompileString(src, program.WithLogger(log.Discard()), program.WithMetrics(metrics.NewHostMetrics()))
	require.NoError(t, res.Err())
	return res.Operations
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&transcript{}, Config{Bounds: motion.Bounds{MaxX: 0, MaxY: 9}})
	require.Error(t, err)
	_, err = New(&transcript{}, Config{Bounds: motion.Bounds{MaxX: 8, MaxY: 9}, SettleTime: -time.Second})
	require.Error(t, err)
}

func TestRunMoveThenWait(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := compileOps(t, "NEW A 0 0\nMOVE A 2 0\nWAIT 1")

	require.NoError(t, f.orch.Run(context.Background(), ops))

	assert.Equal(t, []string{"C00", "S10", "C10", "S20"}, f.rec.commands())
	assert.Equal(t, []string{
		"C00", "S10", "sleep 1s",
		"C10", "S20", "sleep 1s",
		"sleep 1s",
	}, f.rec.all())

	assert.Equal(t, []DropletState{{ID: "A", Position: motion.Pos(2, 0)}}, f.orch.Snapshot())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OperationsExecuted.WithLabelValues("MOVE")))
	assert.Equal(t, 2, f.rec.polls)
}

func TestRunMix(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := compileOps(t, "NEW A 0 0\nNEW B 2 1\nMIX A + B > C")

	require.NoError(t, f.orch.Run(context.Background(), ops))

	// Right while x dominates, then up on the tie at (1, 0).
	assert.Equal(t, []string{"C00", "S10", "C10", "S11", "C11", "S21"}, f.rec.commands())
	assert.Equal(t, []DropletState{{ID: "C", Position: motion.Pos(2, 1)}}, f.orch.Snapshot())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveDroplets))

	f.orch.mu.Lock()
	assert.True(t, f.orch.registry.Deleted("A"))
	assert.True(t, f.orch.registry.Deleted("B"))
	f.orch.mu.Unlock()
}

func TestRunMixIntoInputID(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := compileOps(t, "NEW A 0 0\nNEW B 1 0\nMIX A B A")

	require.NoError(t, f.orch.Run(context.Background(), ops))
	assert.Equal(t, []DropletState{{ID: "A", Position: motion.Pos(1, 0)}}, f.orch.Snapshot())
}

func TestRunSplitInterior(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := compileOps(t, "NEW A 4 4\nSPLIT A B C")

	require.NoError(t, f.orch.Run(context.Background(), ops))

	assert.Equal(t, []string{"S34", "S54", "C44", "sleep 1s"}, f.rec.all())
	assert.Equal(t, []DropletState{
		{ID: "B", Position: motion.Pos(3, 4)},
		{ID: "C", Position: motion.Pos(5, 4)},
	}, f.orch.Snapshot())
}

func TestRunSplitCornerShiftsFirst(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := compileOps(t, "NEW A 0 0\nSPLIT A B C")

	require.NoError(t, f.orch.Run(context.Background(), ops))

	assert.Equal(t, []string{
		"C00", "S01", "sleep 1s",
		"S00", "S02", "C01", "sleep 1s",
	}, f.rec.all())
	assert.Equal(t, []DropletState{
		{ID: "B", Position: motion.Pos(0, 0)},
		{ID: "C", Position: motion.Pos(0, 2)},
	}, f.orch.Snapshot())
}

func splitUnavailableOps(next program.Operation) []program.Operation {
	ops := []program.Operation{program.NewOp("A", 0, 0), program.SplitOp("A", "B", "C"), next}
	for i := range ops {
		ops[i].Line = i + 1
	}
	return ops
}

func TestRunSplitUnavailable(t *testing.T) {
	f := newFixture(t, 2, 2)
	ops := splitUnavailableOps(program.MoveOp("A", 1, 0))

	require.NoError(t, f.orch.Run(context.Background(), ops))

	assert.Equal(t, []string{"C00", "S10"}, f.rec.commands())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SplitsUnavailable))
	assert.Contains(t, f.events.kinds(), EventSplitUnavailable)
	assert.Equal(t, []DropletState{{ID: "A", Position: motion.Pos(1, 0)}}, f.orch.Snapshot())
}

func TestRunSplitUnavailableOutputsUndefined(t *testing.T) {
	for _, next := range []program.Operation{program.MoveOp("B", 1, 0), program.MoveOp("C", 0, 1)} {
		t.Run(next.Droplet, func(t *testing.T) {
			f := newFixture(t, 2, 2)

			err := f.orch.Run(context.Background(), splitUnavailableOps(next))
			require.Error(t, err)
			assert.True(t, errors.IsLifecycle(err))
			assert.Contains(t, err.Error(), "line 3: MOVE "+next.Droplet)
			assert.Empty(t, f.rec.commands())
			assert.Equal(t, RunStateError, f.orch.Status().State)
			assert.Equal(t, []DropletState{{ID: "A", Position: motion.Pos(0, 0)}}, f.orch.Snapshot())
		})
	}
}

func TestRunAbortsOnBounds(t *testing.T) {
	f := newFixture(t, 8, 9)
	ops := []program.Operation{program.NewOp("A", 0, 0), program.MoveOp("A", 8, 0), program.WaitOp(time.Second)}
	ops[1].Line = 2

	err := f.orch.Run(context.Background(), ops)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "line 2: MOVE A 8 0")
	assert.Empty(t, f.rec.all())

	st := f.orch.Status()
	assert.Equal(t, RunStateError, st.State)
	assert.Equal(t, 1, st.Executed)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, EventRunFailed, f.events.kinds()[len(f.events.kinds())-1])
}

func TestRunAbortsOnUnknownDroplet(t *testing.T) {
	f := newFixture(t, 8, 9)

	err := f.orch.Run(context.Background(), []program.Operation{program.MoveOp("Z", 1, 1)})
	require.Error(t, err)
	assert.True(t, errors.IsLifecycle(err))

	err = f.orch.Run(context.Background(), []program.Operation{
		program.NewOp("A", 0, 0),
		program.NewOp("B", 0, 1),
		program.MixOp("A", "B", "C"),
		program.MoveOp("A", 1, 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Droplet A is no longer available")
}

func TestRunAbortsOnLinkFailure(t *testing.T) {
	f := newFixture(t, 8, 9)
	f.rec.failOn = "S10"

	err := f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nMOVE A 3 0"))
	require.Error(t, err)
	assert.True(t, errors.IsIO(err))
	assert.Equal(t, []string{"C00"}, f.rec.all())

	f = newFixture(t, 8, 9)
	f.rec.pollErr = errors.IOError(io.EOF, "read actuation link")
	err = f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nMOVE A 3 0"))
	require.Error(t, err)
	assert.True(t, errors.IsIO(err))
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, 8, 9)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.orch.Run(ctx, compileOps(t, "NEW A 0 0"))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Empty(t, f.orch.Snapshot())
}

func TestRunResetsRegistry(t *testing.T) {
	f := newFixture(t, 8, 9)
	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0")))
	first := f.orch.Status().RunID

	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 1 1")))
	st := f.orch.Status()
	assert.NotEqual(t, first, st.RunID)
	assert.Equal(t, []DropletState{{ID: "A", Position: motion.Pos(1, 1)}}, st.Droplets)
}

func TestVisionCrossCheck(t *testing.T) {
	observed := []motion.Position{motion.Pos(1, 0)}
	vision := VisionFunc(func(context.Context) ([]motion.Position, error) { return observed, nil })
	f := newFixture(t, 8, 9, WithVision(vision))

	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nMOVE A 2 0")))

	// Matches after the first tick, not after the second.
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.VisionMismatches))
	assert.Contains(t, f.events.kinds(), EventVisionMismatch)
}

func TestVisionFailureIsNotFatal(t *testing.T) {
	vision := VisionFunc(func(context.Context) ([]motion.Position, error) { return nil, io.ErrUnexpectedEOF })
	f := newFixture(t, 8, 9, WithVision(vision))

	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nMOVE A 1 0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.VisionMismatches))
}

func TestEvents(t *testing.T) {
	f := newFixture(t, 8, 9)
	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nMOVE A 1 0\nWAIT 0")))

	assert.Equal(t, []EventKind{
		EventRunStarted,
		EventDropletCreated,
		EventDropletStep,
		EventWait,
		EventRunComplete,
	}, f.events.kinds())

	runID := f.events.events[0].RunID
	_, err := ulid.Parse(runID)
	require.NoError(t, err)
	for i, e := range f.events.events {
		assert.Equal(t, runID, e.RunID)
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	step := f.events.events[2]
	assert.Equal(t, "A", step.Droplet)
	assert.Equal(t, motion.Pos(1, 0), *step.Position)
	assert.Equal(t, "right", step.Detail)
}

func TestTickAllSharesSettle(t *testing.T) {
	f := newFixture(t, 8, 9)
	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nNEW B 5 5")))
	require.NoError(t, f.orch.route("A", motion.Pos(2, 0)))
	require.NoError(t, f.orch.route("B", motion.Pos(5, 4)))

	require.NoError(t, f.orch.TickAll(context.Background(), []string{"A", "B"}))

	assert.Equal(t, []string{
		"C00", "S10", "C55", "S54", "sleep 1s",
		"C10", "S20", "sleep 1s",
	}, f.rec.all())
}

func TestFinish(t *testing.T) {
	f := newFixture(t, 8, 9)
	require.NoError(t, f.orch.Finish(context.Background()))
	assert.Empty(t, f.rec.all())

	f.orch.cfg.ClearOnFinish = true
	require.NoError(t, f.orch.Finish(context.Background()))
	assert.Equal(t, []string{"CAP", "sleep 1s"}, f.rec.all())
	assert.Contains(t, f.events.kinds(), EventPlatesCleared)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 8, 9)
	st := f.orch.Status()
	assert.Equal(t, RunStateStandby, st.State)
	assert.Equal(t, motion.Bounds{MaxX: 8, MaxY: 9}, st.Grid)
	assert.Empty(t, st.Droplets)

	require.NoError(t, f.orch.Run(context.Background(), compileOps(t, "NEW A 0 0\nNEW B 3 3")))
	st = f.orch.Status()
	assert.Equal(t, RunStateComplete, st.State)
	assert.Equal(t, 2, st.Executed)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Line)
	assert.Equal(t, "NEW B 3 3", st.Operation)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.FinishedAt)
	assert.Len(t, st.Droplets, 2)
}

func TestRealSleeper(t *testing.T) {
	require.NoError(t, RealSleeper.Sleep(context.Background(), time.Millisecond))
	require.NoError(t, RealSleeper.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := RealSleeper.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
