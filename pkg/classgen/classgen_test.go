package classgen

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkoosis/testseq/pkg/attach"
	"github.com/dkoosis/testseq/pkg/clock"
	"github.com/dkoosis/testseq/pkg/event"
	"github.com/dkoosis/testseq/pkg/idgen"
	"github.com/dkoosis/testseq/pkg/sink"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	gen *Generator
	rec *sink.Recorder
	val *sink.Validator
	ids *idgen.Sequence
	clk *clock.Manual
}

func newFixture() *fixture {
	f := &fixture{
		rec: sink.NewRecorder(),
		val: sink.NewValidator(true),
		ids: idgen.NewSequence(),
		clk: clock.NewManual(t0, time.Second),
	}
	f.gen = New(attach.New(sink.Multi{f.rec, f.val}), f.ids, f.clk)
	return f
}

func (f *fixture) method(name string) event.Descriptor {
	return event.Descriptor{ID: f.ids.Next(), Name: name}
}

func TestGenerator_TwoPassingMethods(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "FooTest"}))

	a, b := f.method("testA"), f.method("testB")
	require.NoError(t, f.gen.Started("t", a, event.StartEvent{}))
	require.NoError(t, f.gen.Completed("t", a.ID, event.CompleteEvent{Result: event.ResultSuccess}))
	require.NoError(t, f.gen.Started("t", b, event.StartEvent{}))
	require.NoError(t, f.gen.Completed("t", b.ID, event.CompleteEvent{Result: event.ResultSuccess}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{}))

	assert.Equal(t, []string{
		"started FooTest",
		"started testA parent=FooTest",
		"completed testA success",
		"started testB parent=FooTest",
		"completed testB success",
		"completed FooTest",
	}, f.rec.Trace())
	assert.NoError(t, f.val.Finish())
	assert.Zero(t, f.gen.Brackets())

	recs := f.rec.Records()
	assert.Equal(t, event.KindClass, recs[0].Kind)
	assert.Equal(t, "FooTest", recs[1].ClassName)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i].Time.Before(recs[i-1].Time), "record %d goes back in time", i)
	}
}

func TestGenerator_ExecutorFailsBeforeAnyMethod(t *testing.T) {
	f := newFixture()
	cause := errors.New("init failed")
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "BarTest"}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{Cause: cause}))

	assert.Equal(t, []string{
		"started BarTest",
		"failed BarTest: init failed",
	}, f.rec.Trace())
	assert.Same(t, cause, f.rec.Records()[1].Cause)
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_EmptyClass(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "Empty"}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{}))
	assert.Equal(t, []string{"started Empty", "completed Empty"}, f.rec.Trace())
}

func TestGenerator_ClassFailureFailsOpenMethods(t *testing.T) {
	f := newFixture()
	cause := errors.New("panic in teardown")
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "C"}))
	m, sub := f.method("m"), f.method("m/sub")
	require.NoError(t, f.gen.Started("t", m, event.StartEvent{}))
	require.NoError(t, f.gen.Started("t", sub, event.StartEvent{}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{Cause: cause}))

	assert.Equal(t, []string{
		"started C",
		"started m parent=C",
		"started m/sub parent=m",
		"failed m/sub: panic in teardown",
		"failed m: panic in teardown",
		"failed C: panic in teardown",
	}, f.rec.Trace())
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_CleanFinishCompletesOpenMethods(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "C"}))
	m := f.method("m")
	require.NoError(t, f.gen.Started("t", m, event.StartEvent{}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{}))

	assert.Equal(t, []string{
		"started C",
		"started m parent=C",
		"completed m",
		"completed C",
	}, f.rec.Trace())
	assert.Equal(t, event.ResultUnspecified, f.rec.Records()[2].Result)
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_ClassIDFromCaller(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{ID: 77, Name: "C"}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{ID: 77}))

	recs := f.rec.Records()
	assert.Equal(t, event.ID(77), recs[0].ID)
	assert.Equal(t, event.ID(77), recs[1].ID)
	assert.Equal(t, event.ID(0), f.ids.Last(), "no id issued when the caller supplied one")
}

func TestGenerator_ClampsTimestamps(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "C"})) // stamped t0
	m := f.method("m")
	early := t0.Add(-time.Hour)
	late := t0.Add(time.Hour)
	require.NoError(t, f.gen.Started("t", m, event.StartEvent{Time: early}))
	require.NoError(t, f.gen.Output("t", m.ID, event.OutputEvent{Time: late, Message: "x"}))
	require.NoError(t, f.gen.Completed("t", m.ID, event.CompleteEvent{Time: t0}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{}))

	recs := f.rec.Records()
	assert.Equal(t, t0, recs[0].Time)
	assert.Equal(t, t0, recs[1].Time, "earlier than the class start is clamped forward")
	assert.Equal(t, late, recs[2].Time)
	assert.Equal(t, late, recs[3].Time, "clamped to the output before it")
	assert.Equal(t, late, recs[4].Time, "class end never precedes its methods")
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_KeepsObservedClassTimes(t *testing.T) {
	f := newFixture()
	begin := t0.Add(-time.Minute)
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "ex/slow", Time: begin}))
	m := f.method("TestSlow")
	require.NoError(t, f.gen.Started("t", m, event.StartEvent{Time: begin.Add(time.Second)}))
	require.NoError(t, f.gen.Completed("t", m.ID, event.CompleteEvent{Time: begin.Add(9 * time.Second)}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{Time: begin.Add(10 * time.Second)}))

	recs := f.rec.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, begin, recs[0].Time, "class starts when the caller saw it start")
	assert.Equal(t, 8*time.Second, recs[2].Time.Sub(recs[1].Time))
	assert.Equal(t, 10*time.Second, recs[3].Time.Sub(recs[0].Time))
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_OpenMethodsEndWithTheClass(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{Name: "C", Time: t0}))
	a, b := f.method("a"), f.method("b")
	require.NoError(t, f.gen.Started("t", a, event.StartEvent{Time: t0}))
	require.NoError(t, f.gen.Started("t", b, event.StartEvent{Time: t0}))
	end := t0.Add(5 * time.Second)
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{Cause: errors.New("boom"), Time: end}))

	recs := f.rec.Records()
	require.Len(t, recs, 6)
	for _, r := range recs[3:] {
		assert.Equal(t, end, r.Time, "%s", r)
	}
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_StandaloneEventsPassThrough(t *testing.T) {
	f := newFixture()
	m := f.method("loose")
	require.NoError(t, f.gen.Started("none", m, event.StartEvent{}))
	require.NoError(t, f.gen.Completed("none", m.ID, event.CompleteEvent{}))

	recs := f.rec.Records()
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Time.IsZero(), "no bracket, no stamping")
	assert.Empty(t, recs[0].ClassName)
}

func TestGenerator_MalformedClassNotificationsDropped(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassFinished("ghost", event.ClassResult{}))
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{ID: 5, Name: "C"}))
	require.NoError(t, f.gen.ClassStarted("t", event.ClassInfo{ID: 6, Name: "D"}))
	require.NoError(t, f.gen.Completed("t", 5, event.CompleteEvent{}))
	require.NoError(t, f.gen.ClassFinished("t", event.ClassResult{ID: 5}))

	assert.Equal(t, []string{"started C", "completed C"}, f.rec.Trace())
}

func TestGenerator_InterleavedClasses(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.gen.ClassStarted("a", event.ClassInfo{Name: "A"}))
	require.NoError(t, f.gen.ClassStarted("b", event.ClassInfo{Name: "B"}))
	a1, b1 := f.method("a1"), f.method("b1")
	require.NoError(t, f.gen.Started("a", a1, event.StartEvent{}))
	require.NoError(t, f.gen.Started("b", b1, event.StartEvent{}))
	require.NoError(t, f.gen.Completed("b", b1.ID, event.CompleteEvent{}))
	require.NoError(t, f.gen.ClassFinished("b", event.ClassResult{}))
	require.NoError(t, f.gen.Completed("a", a1.ID, event.CompleteEvent{}))
	require.NoError(t, f.gen.ClassFinished("a", event.ClassResult{}))

	assert.Equal(t, []string{
		"started A",
		"started B",
		"started a1 parent=A",
		"started b1 parent=B",
		"completed b1",
		"completed B",
		"completed a1",
		"completed A",
	}, f.rec.Trace())
	assert.NoError(t, f.val.Finish())
}

func TestGenerator_AbortClosesEverythingInOpenOrder(t *testing.T) {
	f := newFixture()
	cause := errors.New("interrupted")
	require.NoError(t, f.gen.ClassStarted("a", event.ClassInfo{Name: "A"}))
	require.NoError(t, f.gen.ClassStarted("b", event.ClassInfo{Name: "B"}))
	a1 := f.method("a1")
	require.NoError(t, f.gen.Started("a", a1, event.StartEvent{}))

	require.NoError(t, f.gen.Abort(cause))
	assert.Zero(t, f.gen.Brackets())

	assert.Equal(t, []string{
		"started A",
		"started B",
		"started a1 parent=A",
		"failed a1: interrupted",
		"failed A: interrupted",
		"failed B: interrupted",
	}, f.rec.Trace())
	assert.NoError(t, f.val.Finish())

	require.NoError(t, f.gen.Abort(cause), "nothing left to close")
	assert.Equal(t, 6, f.rec.Len())
}

type brokenSink struct{ event.Discard }

func (brokenSink) Completed(event.Token, event.ID, event.CompleteEvent) error {
	return errors.New("write failed")
}

func TestGenerator_CloseJoinsDownstreamErrors(t *testing.T) {
	g := New(brokenSink{}, idgen.NewSequence(), clock.System())
	require.NoError(t, g.ClassStarted("t", event.ClassInfo{Name: "C"}))
	require.NoError(t, g.Started("t", event.Descriptor{ID: 100, Name: "m"}, event.StartEvent{}))
	err := g.ClassFinished("t", event.ClassResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
	assert.Zero(t, g.Brackets(), "bracket released even when the sink fails")
}
