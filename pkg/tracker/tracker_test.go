// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package tracker_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raimundojimenez/kismet/pkg/capproto"
	"github.com/raimundojimenez/kismet/pkg/eventbus"
	"github.com/raimundojimenez/kismet/pkg/source"
	"github.com/raimundojimenez/kismet/pkg/source/sourcetest"
	"github.com/raimundojimenez/kismet/pkg/tracker"
)

// testDriver is a scripted capture driver. probeResult selects the
// in-process answer; ProbeRequireIPC defers to the script, which plays the
// child side of every spawned protocol conversation.
type testDriver struct {
	typ         string
	probeResult source.ProbeResult
	inprocList  []capproto.ListedInterface
	script      sourcetest.Script
	bus         *eventbus.Bus
	builds      atomic.Int32
}

func (d *testDriver) Type() string         { return d.typ }
func (d *testDriver) Description() string  { return d.typ + " test driver" }
func (d *testDriver) ChannelCapable() bool { return true }

func (d *testDriver) Probe(*source.Definition) source.ProbeResult { return d.probeResult }

func (d *testDriver) List() ([]capproto.ListedInterface, bool) {
	if d.inprocList != nil {
		return d.inprocList, true
	}
	return nil, false
}

func (d *testDriver) Build(def *source.Definition) (*source.Source, error) {
	d.builds.Add(1)
	return source.New(source.Config{
		Definition:   def,
		Driver:       d,
		Bus:          d.bus,
		Logger:       zap.NewNop(),
		NewTransport: sourcetest.Factory(d.script),
	})
}

// protoScript answers PROBE after probeDelay with the given claim, and
// answers OPEN and LIST affirmatively.
func protoScript(claim bool, probeDelay time.Duration, ifaces []capproto.ListedInterface) sourcetest.Script {
	return func(c *sourcetest.Child) {
		c.Send(capproto.NewHelloFrame("2024.1", "test"))
		for {
			select {
			case f := <-c.Frames:
				switch f.Type {
				case capproto.FrameProbe:
					time.Sleep(probeDelay)
					c.Send(capproto.NewProbeRespFrame(f.TransactionID, claim, "probed", nil))
				case capproto.FrameOpen:
					c.Send(capproto.NewOpenRespFrame(f.TransactionID, true, "ok", "", nil))
				case capproto.FrameList:
					c.Send(capproto.NewListRespFrame(f.TransactionID, ifaces))
				}
			case <-c.Done():
				return
			}
		}
	}
}

type result struct {
	ok  bool
	msg string
}

func newTracker(t *testing.T, cfg tracker.Config) *tracker.Tracker {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	tr := tracker.New(cfg)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)
	return tr
}

func openAndWait(t *testing.T, tr *tracker.Tracker, def string) result {
	t.Helper()
	ch := make(chan result, 1)
	tr.OpenSource(def, func(ok bool, msg string) { ch <- result{ok, msg} })
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback never fired")
		return result{}
	}
}

func TestProbeRaceFirstAffirmativeWins(t *testing.T) {
	tr := newTracker(t, tracker.Config{})

	// All three require IPC probes; B answers first.
	a := &testDriver{typ: "A", probeResult: source.ProbeRequireIPC, script: protoScript(true, 150*time.Millisecond, nil)}
	b := &testDriver{typ: "B", probeResult: source.ProbeRequireIPC, script: protoScript(true, 30*time.Millisecond, nil)}
	c := &testDriver{typ: "C", probeResult: source.ProbeRequireIPC, script: protoScript(true, 400*time.Millisecond, nil)}
	tr.RegisterDriver(a)
	tr.RegisterDriver(b)
	tr.RegisterDriver(c)

	r := openAndWait(t, tr, "wlan0")
	require.True(t, r.ok, "open failed: %s", r.msg)

	srcs := tr.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, "B", srcs[0].DriverType)

	// Losers terminated, winner re-built for the open; exactly one extra
	// build beyond the three probe children.
	deadline := time.Now().Add(2 * time.Second)
	for b.builds.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int32(2), b.builds.Load())
	assert.Equal(t, int32(1), a.builds.Load())
	assert.Equal(t, int32(1), c.builds.Load())
}

func TestProbeTimeout(t *testing.T) {
	tr := newTracker(t, tracker.Config{ProbeTimeout: 200 * time.Millisecond})

	// Never answers the probe.
	mute := &testDriver{typ: "mute", probeResult: source.ProbeRequireIPC,
		script: func(c *sourcetest.Child) {
			c.Send(capproto.NewHelloFrame("2024.1", "mute"))
			<-c.Done()
		}}
	tr.RegisterDriver(mute)

	start := time.Now()
	r := openAndWait(t, tr, "wlan0")
	assert.False(t, r.ok)
	assert.Equal(t, "timeout", r.msg)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, tr.Sources(), "timeout must not admit a source")
}

func TestProbeAllDecline(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	tr.RegisterDriver(&testDriver{typ: "no1", probeResult: source.ProbeRequireIPC, script: protoScript(false, 0, nil)})
	tr.RegisterDriver(&testDriver{typ: "no2", probeResult: source.ProbeRequireIPC, script: protoScript(false, 0, nil)})

	r := openAndWait(t, tr, "wlan0")
	assert.False(t, r.ok)
	assert.Contains(t, r.msg, "no driver claimed")
	assert.Empty(t, tr.Sources())
}

func TestProbeInProcessFastPath(t *testing.T) {
	tr := newTracker(t, tracker.Config{})

	ipc := &testDriver{typ: "slowipc", probeResult: source.ProbeRequireIPC, script: protoScript(true, time.Second, nil)}
	native := &testDriver{typ: "native", probeResult: source.ProbeYes, script: protoScript(true, 0, nil)}
	tr.RegisterDriver(ipc)
	tr.RegisterDriver(native)

	start := time.Now()
	r := openAndWait(t, tr, "wlan0")
	require.True(t, r.ok)
	assert.Less(t, time.Since(start), time.Second, "in-process probe must not wait for IPC")
	assert.Equal(t, "native", tr.Sources()[0].DriverType)
	assert.Zero(t, ipc.builds.Load(), "fast path cancels the IPC probes before spawning")
}

func TestOpenExplicitType(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	d := &testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC, script: protoScript(true, 0, nil)}
	tr.RegisterDriver(d)

	r := openAndWait(t, tr, "wlan0:type=wifi")
	require.True(t, r.ok)
	assert.Equal(t, "wlan0", r.msg)

	srcs := tr.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, 1, srcs[0].RuntimeID)
	assert.Equal(t, "running", srcs[0].State)
}

func TestOpenUnknownDriver(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	r := openAndWait(t, tr, "wlan0:type=nosuch")
	assert.False(t, r.ok)
	assert.Contains(t, r.msg, "nosuch")
}

func TestOpenBadDefinition(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	r := openAndWait(t, tr, "wlan0:not an option")
	assert.False(t, r.ok)
}

func TestRegisterDriverReplaces(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	first := &testDriver{typ: "wifi", probeResult: source.ProbeNo}
	second := &testDriver{typ: "wifi", probeResult: source.ProbeYes, script: protoScript(true, 0, nil)}
	tr.RegisterDriver(first)
	tr.RegisterDriver(second)

	drivers := tr.Drivers()
	require.Len(t, drivers, 1)
	assert.Same(t, source.Driver(second), drivers[0])
}

func TestRemoveSource(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	tr.RegisterDriver(&testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC, script: protoScript(true, 0, nil)})

	r := openAndWait(t, tr, "wlan0:type=wifi")
	require.True(t, r.ok)
	uuid := tr.Sources()[0].UUID

	require.True(t, tr.RemoveSource(uuid))
	assert.Empty(t, tr.Sources())
	assert.False(t, tr.RemoveSource(uuid), "second removal reports not found")

	// Removal by runtime id.
	r = openAndWait(t, tr, "wlan1:type=wifi")
	require.True(t, r.ok)
	id := tr.Sources()[0].RuntimeID
	require.True(t, tr.RemoveSourceByID(id))
	assert.False(t, tr.RemoveSourceByID(id))
}

type collectWorker struct {
	uuids     []string
	finalized bool
}

func (w *collectWorker) Handle(snap source.Snapshot) { w.uuids = append(w.uuids, snap.UUID) }
func (w *collectWorker) Finalize()                   { w.finalized = true }

func TestIterateSources(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	tr.RegisterDriver(&testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC, script: protoScript(true, 0, nil)})

	require.True(t, openAndWait(t, tr, "wlan0:type=wifi").ok)
	require.True(t, openAndWait(t, tr, "wlan1:type=wifi").ok)

	var w collectWorker
	tr.IterateSources(&w)
	assert.Len(t, w.uuids, 2)
	assert.True(t, w.finalized)

	removed := w.uuids[0]
	tr.RemoveSource(removed)

	var w2 collectWorker
	tr.IterateSources(&w2)
	require.Len(t, w2.uuids, 1)
	assert.NotContains(t, w2.uuids, removed)
}

func TestRetryTimerRecoversSource(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	defer bus.Shutdown()

	errCh := make(chan *eventbus.Event, 4)
	openCh := make(chan *eventbus.Event, 4)
	bus.RegisterListener([]string{source.EventSourceError}, func(e *eventbus.Event) { errCh <- e })
	bus.RegisterListener([]string{source.EventSourceOpened}, func(e *eventbus.Event) { openCh <- e })

	var attempts atomic.Int32
	script := func(c *sourcetest.Child) {
		n := attempts.Add(1)
		c.Send(capproto.NewHelloFrame("2024.1", "flaky"))
		f := <-c.Frames
		if n == 1 {
			c.Send(capproto.NewOpenRespFrame(f.TransactionID, false, "device busy", "", nil))
		} else {
			c.Send(capproto.NewOpenRespFrame(f.TransactionID, true, "ok", "", nil))
		}
		<-c.Done()
	}

	tr := newTracker(t, tracker.Config{Bus: bus, RetryInterval: 50 * time.Millisecond})
	d := &testDriver{typ: "flaky", probeResult: source.ProbeRequireIPC, script: script, bus: bus}
	tr.RegisterDriver(d)

	r := openAndWait(t, tr, "wlan0:type=flaky")
	assert.False(t, r.ok)
	assert.Equal(t, "device busy", r.msg)

	// The failed source stays admitted.
	require.Len(t, tr.Sources(), 1)
	uuid := tr.Sources()[0].UUID

	var errEvent *eventbus.Event
	select {
	case errEvent = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no SOURCE_ERROR event")
	}
	assert.Equal(t, uuid, errEvent.String("uuid"))

	require.Len(t, tr.ErrorSources(), 1)

	// The retry timer brings it back without operator action.
	select {
	case e := <-openCh:
		assert.Equal(t, uuid, e.String("uuid"), "uuid stable across retry")
	case <-time.After(5 * time.Second):
		t.Fatal("no SOURCE_OPENED event after retry")
	}
	assert.Empty(t, tr.ErrorSources())
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestDuplicateUUIDRejected(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	tr.RegisterDriver(&testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC, script: protoScript(true, 0, nil)})

	def := "wlan0:type=wifi,uuid=9d2458f1-15ee-47e4-9a4e-4c3a9c190a3b"
	require.True(t, openAndWait(t, tr, def).ok)

	r := openAndWait(t, tr, "wlan1:type=wifi,uuid=9d2458f1-15ee-47e4-9a4e-4c3a9c190a3b")
	assert.False(t, r.ok)
	assert.True(t, strings.Contains(r.msg, "duplicate"), "msg = %q", r.msg)
	assert.Len(t, tr.Sources(), 1)
}

func TestFindSource(t *testing.T) {
	tr := newTracker(t, tracker.Config{})
	tr.RegisterDriver(&testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC, script: protoScript(true, 0, nil)})
	require.True(t, openAndWait(t, tr, "wlan0:type=wifi").ok)

	snap := tr.Sources()[0]
	byUUID, ok := tr.FindSource(snap.UUID)
	require.True(t, ok)
	assert.Equal(t, snap.RuntimeID, byUUID.RuntimeID)

	byID, ok := tr.FindSource("1")
	require.True(t, ok)
	assert.Equal(t, snap.UUID, byID.UUID)

	_, ok = tr.FindSource("missing")
	assert.False(t, ok)
}

func TestListInterfacesAggregates(t *testing.T) {
	tr := newTracker(t, tracker.Config{ListTimeout: 2 * time.Second})

	inproc := &testDriver{typ: "native", probeResult: source.ProbeNo,
		inprocList: []capproto.ListedInterface{{Interface: "hci0", Description: "bluetooth"}}}
	viaIPC := &testDriver{typ: "wifi", probeResult: source.ProbeRequireIPC,
		script: protoScript(false, 0, []capproto.ListedInterface{
			{Interface: "wlan0", Description: "internal"},
			{Interface: "wlan1", Description: "usb"},
		})}
	tr.RegisterDriver(inproc)
	tr.RegisterDriver(viaIPC)

	got := make(chan []capproto.ListedInterface, 1)
	tr.ListInterfaces(func(ifaces []capproto.ListedInterface) { got <- ifaces })

	select {
	case ifaces := <-got:
		require.Len(t, ifaces, 3)
		byName := map[string]string{}
		for _, i := range ifaces {
			byName[i.Interface] = i.Flags["driver"]
		}
		assert.Equal(t, "native", byName["hci0"])
		assert.Equal(t, "wifi", byName["wlan0"])
		assert.Equal(t, "wifi", byName["wlan1"])
	case <-time.After(10 * time.Second):
		t.Fatal("list callback never fired")
	}
}
