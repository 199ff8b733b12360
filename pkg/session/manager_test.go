package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/video"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	arb *arbiter.Arbiter
	clk *clock.FakeClock
	pub *video.Publisher
	mgr *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(epoch)
	arb, err := arbiter.New(arbiter.Config{SourceTimeout: 500 * time.Millisecond}, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pub := video.NewPublisher(nil, video.Config{}, clk, zerolog.Nop())
	adapters := []input.Adapter{
		input.WebAdapter{},
		input.NewKeyboardAdapter(nil),
		input.NewGamepadAdapter(input.DefaultGamepadConfig()),
	}
	mgr := NewManager(arb, adapters, pub, Config{IdleTimeout: time.Minute, OutboxSize: 2}, clk, zerolog.Nop())
	return &fixture{arb: arb, clk: clk, pub: pub, mgr: mgr}
}

func TestOpen_RegistersSources(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.Open("10.0.0.2:5000", command.Web, command.Keyboard)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{SourceID(s.ID, command.Web): true, SourceID(s.ID, command.Keyboard): true}
	sources := f.arb.Sources()
	if len(sources) != 2 {
		t.Fatalf("arbiter has %d sources, want 2", len(sources))
	}
	for _, src := range sources {
		if !want[src.ID] {
			t.Errorf("unexpected source %q", src.ID)
		}
	}
	if got := s.Channels(); len(got) != 2 {
		t.Errorf("channels = %v", got)
	}
}

func TestDispatch_SubmitsToArbiter(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.Open("browser", command.Web)

	if err := f.mgr.Dispatch(s.ID, command.Web, input.WebButton{Command: "forward", Speed: 0.8}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.clk.Advance(10 * time.Millisecond)
	if err := f.mgr.Dispatch(s.ID, command.Web, input.WebJoystick{X: 0.5, Y: -0.25}); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	state := f.arb.Resolve()
	if state.Axis(command.Drive) != 0.25 || state.Axis(command.Turn) != 0.5 {
		t.Errorf("state axes = %v, want the newest joystick position", state.Axes)
	}
	if state.ContributingSourceID != SourceID(s.ID, command.Web) {
		t.Errorf("contributing source = %q", state.ContributingSourceID)
	}
}

func TestDispatch_Dropped(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.Open("browser", command.Web)

	tests := []struct {
		name    string
		kind    command.Kind
		payload any
	}{
		{"unsubscribed channel", command.Keyboard, input.KeyEvent{Code: "KeyW", Down: true}},
		{"unrecognized payload", command.Web, "hello"},
		{"unknown button", command.Web, input.WebButton{Command: "jump"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.mgr.Dispatch(s.ID, tt.kind, tt.payload)
			if !errors.Is(err, ErrDropped) {
				t.Errorf("Dispatch = %v, want ErrDropped", err)
			}
		})
	}
	if state := f.arb.Resolve(); state.ContributingSourceID != "" {
		t.Errorf("dropped events reached the arbiter: %+v", state)
	}
}

func TestDispatch_InvalidCommand(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.Open("browser", command.Web)

	err := f.mgr.Dispatch(s.ID, command.Web, input.WebJoystick{X: 2})
	if !errors.Is(err, command.ErrInvalidCommand) {
		t.Fatalf("Dispatch = %v, want ErrInvalidCommand", err)
	}
	if errors.Is(err, ErrDropped) {
		t.Error("invalid command reported as dropped")
	}

	// The session keeps working after a rejected command.
	if err := f.mgr.Dispatch(s.ID, command.Web, input.WebButton{Command: "left"}); err != nil {
		t.Errorf("Dispatch after rejection: %v", err)
	}
}

func TestDispatch_UnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Dispatch("nope", command.Web, input.WebButton{Command: "stop"})
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Dispatch = %v, want ErrUnknownSession", err)
	}
}

func TestClose_DisconnectsImmediately(t *testing.T) {
	f := newFixture(t)
	pad, _ := f.mgr.Open("js0", command.Gamepad)
	web, _ := f.mgr.Open("browser", command.Web)

	f.mgr.Dispatch(pad.ID, command.Gamepad, input.GamepadReport{Axes: map[int]int16{1: -32767}})
	f.mgr.Dispatch(web.ID, command.Web, input.WebButton{Command: "backward", Speed: 1})
	if got := f.arb.Resolve().Axis(command.Drive); got != 1 {
		t.Fatalf("drive = %v, want gamepad forward", got)
	}

	if !f.mgr.Close(pad.ID) {
		t.Fatal("Close returned false for an open session")
	}
	if pad.Context().Err() == nil {
		t.Error("session context not cancelled")
	}
	state := f.arb.Resolve()
	if got := state.Axis(command.Drive); got != -1 {
		t.Errorf("drive after disconnect = %v, want web value -1", got)
	}
	if state.ContributingSourceID != SourceID(web.ID, command.Web) {
		t.Errorf("contributing source = %q", state.ContributingSourceID)
	}
	if f.mgr.Close(pad.ID) {
		t.Error("second Close returned true")
	}
}

// gatedAdapter holds Normalize until release is closed.
type gatedAdapter struct {
	input.WebAdapter
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAdapter) Normalize(ev input.Event) (command.Command, error) {
	close(g.entered)
	<-g.release
	return g.WebAdapter.Normalize(ev)
}

func TestClose_DuringDispatch(t *testing.T) {
	clk := clock.Fake(epoch)
	arb, err := arbiter.New(arbiter.Config{SourceTimeout: 500 * time.Millisecond}, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	gate := &gatedAdapter{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(arb, []input.Adapter{gate}, nil, Config{}, clk, zerolog.Nop())
	s, err := mgr.Open("browser", command.Web)
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- mgr.Dispatch(s.ID, command.Web, input.WebButton{Command: "forward", Speed: 1})
	}()
	<-gate.entered
	mgr.Close(s.ID)
	close(gate.release)

	if err := <-errc; !errors.Is(err, ErrUnknownSession) {
		t.Errorf("dispatch after close = %v, want ErrUnknownSession", err)
	}
	if sources := arb.Sources(); len(sources) != 0 {
		t.Errorf("sources after close = %+v", sources)
	}
	state := arb.Resolve()
	if state.ContributingSourceID != "" || state.Axis(command.Drive) != 0 {
		t.Errorf("closed session still contributes: %+v", state)
	}
	if err := mgr.Subscribe(s.ID, command.Web); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("subscribe after close = %v", err)
	}
}

func TestSend_DropsOldest(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.Open("viewer")

	for i := 0; i < 5; i++ {
		f.mgr.Broadcast(Message{Type: "status", Data: i})
	}
	var got []int
	for len(s.Outbox()) > 0 {
		got = append(got, (<-s.Outbox()).Data.(int))
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("outbox = %v, want the two newest messages", got)
	}
	if d := s.Info().Dropped; d != 3 {
		t.Errorf("dropped = %d, want 3", d)
	}

	f.mgr.Close(s.ID)
	if s.Send(Message{Type: "status"}) {
		t.Error("Send succeeded after close")
	}
}

func TestForRemote_ReusedAndReaped(t *testing.T) {
	f := newFixture(t)
	a, err := f.mgr.ForRemote("10.0.0.9", command.Web)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.mgr.ForRemote("10.0.0.9", command.Web)
	if a.ID != b.ID {
		t.Errorf("ForRemote opened a second session for the same remote")
	}
	conn, _ := f.mgr.Open("10.0.0.10:4000", command.Web)

	f.clk.Advance(30 * time.Second)
	f.mgr.Dispatch(a.ID, command.Web, input.WebButton{Command: "stop"})
	f.clk.Advance(45 * time.Second)
	if n := f.mgr.Reap(); n != 0 {
		t.Fatalf("reaped %d sessions before the idle timeout", n)
	}

	f.clk.Advance(20 * time.Second)
	if n := f.mgr.Reap(); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if _, ok := f.mgr.Lookup(a.ID); ok {
		t.Error("idle ephemeral session still open")
	}
	if _, ok := f.mgr.Lookup(conn.ID); !ok {
		t.Error("connection-bound session was reaped")
	}
	c, _ := f.mgr.ForRemote("10.0.0.9", command.Web)
	if c.ID == a.ID {
		t.Error("reaped session id reused")
	}
}

func TestWatch_ClosedWithSession(t *testing.T) {
	f := newFixture(t)
	s, _ := f.mgr.Open("viewer")
	sub, err := f.mgr.Watch(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	f.pub.Publish([]byte{0xff, 0xd8, 0xff, 0xd9})
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Info().Viewer {
		t.Error("session not marked as viewer")
	}

	f.mgr.Close(s.ID)
	if _, err := sub.Next(context.Background()); !errors.Is(err, video.ErrClosed) {
		t.Errorf("Next after session close = %v", err)
	}
	if n := len(f.pub.Stats().Subscribers); n != 0 {
		t.Errorf("%d subscribers remain", n)
	}
}

func TestOpen_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Open("x", command.Kind("joystick")); err == nil {
		t.Error("Open accepted a channel without an adapter")
	}
	if n := len(f.arb.Sources()); n != 0 {
		t.Errorf("%d sources left after failed open", n)
	}
}
