package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestGraph(t *testing.T, runner Runner) *Graph {
	t.Helper()
	return NewGraph(zaptest.NewLogger(t).Sugar(), runner, DefaultLoopbackLatencyMsec)
}

func TestSetupCreatesGraph(t *testing.T) {
	pactl := newFakePactl()
	g := newTestGraph(t, pactl)

	g.Setup(context.Background(), "")

	sinks := pactl.modulesNamed("module-null-sink")
	if len(sinks) != 1 {
		t.Fatalf("expected 1 null sink, got %d", len(sinks))
	}
	if got := argValue(sinks[0], "sink_properties"); got != "device.description='"+MixerSinkDescription+"'" {
		t.Errorf("unexpected sink properties %q", got)
	}

	remaps := pactl.modulesNamed("module-remap-source")
	if len(remaps) != 1 {
		t.Fatalf("expected 1 remap source, got %d", len(remaps))
	}
	if got := argValue(remaps[0], "master"); got != MixerSinkName+".monitor" {
		t.Errorf("remap master = %q, want the mixer monitor", got)
	}

	loopbacks := pactl.modulesNamed("module-loopback")
	if len(loopbacks) != 1 {
		t.Fatalf("expected 1 loopback, got %d", len(loopbacks))
	}
	if got := argValue(loopbacks[0], "source"); got != pactl.defaultSource {
		t.Errorf("loopback source = %q, want default source %q", got, pactl.defaultSource)
	}
	if got := argValue(loopbacks[0], "latency_msec"); got != "1" {
		t.Errorf("loopback latency = %q, want 1", got)
	}

	state := g.State()
	if !state.MixerSinkLoaded || !state.VirtualMicLoaded {
		t.Errorf("unexpected state %+v", state)
	}
	if state.LoopbackModuleID == "" || len(state.TrackedModuleIDs) != 3 {
		t.Errorf("expected loopback and 3 tracked modules, got %+v", state)
	}

	var unmuted, suspended bool
	for _, call := range pactl.calls {
		joined := strings.Join(call, " ")
		if joined == "set-sink-mute "+MixerSinkName+" 0" {
			unmuted = true
		}
		if joined == "suspend-sink "+MixerSinkName+" 0" {
			suspended = true
		}
	}
	if !unmuted || !suspended {
		t.Errorf("mixer sink was not unmuted (%t) and resumed (%t)", unmuted, suspended)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	pactl := newFakePactl()
	g := newTestGraph(t, pactl)

	g.Setup(context.Background(), "")
	first := g.State()

	g.Setup(context.Background(), "")
	second := g.State()

	if n := len(pactl.modulesNamed("module-null-sink")); n != 1 {
		t.Errorf("expected 1 null sink after two setups, got %d", n)
	}
	if n := len(pactl.modulesNamed("module-remap-source")); n != 1 {
		t.Errorf("expected 1 remap source after two setups, got %d", n)
	}
	if n := len(pactl.modulesNamed("module-loopback")); n != 1 {
		t.Errorf("expected 1 loopback after two setups, got %d", n)
	}
	if first.MixerSinkLoaded != second.MixerSinkLoaded ||
		first.VirtualMicLoaded != second.VirtualMicLoaded ||
		first.LoopbackSource != second.LoopbackSource ||
		len(first.TrackedModuleIDs) != len(second.TrackedModuleIDs) {
		t.Errorf("state changed between setups: %+v vs %+v", first, second)
	}
}

func TestSetupSweepsLeftovers(t *testing.T) {
	pactl := newFakePactl()

	// modules left behind by a crashed run
	_, _ = pactl.Run(context.Background(), "load-module", "module-null-sink",
		"sink_name="+MixerSinkName, "sink_properties=device.description='"+MixerSinkDescription+"'")
	_, _ = pactl.Run(context.Background(), "load-module", "module-loopback",
		"source=alsa_input.old", "sink="+MixerSinkName, "latency_msec=1")
	_, _ = pactl.Run(context.Background(), "load-module", "module-echo-cancel")
	pactl.calls = nil

	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	if n := len(pactl.modulesNamed("module-echo-cancel")); n != 1 {
		t.Errorf("unrelated module must survive the sweep, found %d", n)
	}
	if n := len(pactl.modulesNamed("module-null-sink")); n != 1 {
		t.Errorf("expected exactly one fresh null sink, got %d", n)
	}
	loopbacks := pactl.modulesNamed("module-loopback")
	if len(loopbacks) != 1 || argValue(loopbacks[0], "source") == "alsa_input.old" {
		t.Errorf("stale loopback survived: %+v", loopbacks)
	}
	if n := len(pactl.callsTo("unload-module")); n != 2 {
		t.Errorf("expected 2 unloads during the sweep, got %d", n)
	}
}

func TestSetupRetriesEmptyReplyOnce(t *testing.T) {
	pactl := newFakePactl()
	pactl.emptyReplies = 1

	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	if n := len(pactl.modulesNamed("module-null-sink")); n != 1 {
		t.Errorf("expected the null sink after one retry, got %d", n)
	}
}

func TestSetupDegradesWhenSinkFails(t *testing.T) {
	pactl := newFakePactl()
	pactl.failing["module-null-sink"] = true

	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	state := g.State()
	if state.MixerSinkLoaded || state.VirtualMicLoaded || state.LoopbackModuleID != "" {
		t.Errorf("expected a degraded graph, got %+v", state)
	}
	if n := pactl.moduleCount(); n != 0 {
		t.Errorf("expected no modules, got %d", n)
	}
	if g.MixerSinkExists(context.Background()) {
		t.Error("MixerSinkExists() = true without a sink")
	}
}

func TestSetupLoopbackFailureLeavesNoLoopback(t *testing.T) {
	pactl := newFakePactl()
	pactl.failing["module-loopback"] = true

	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	state := g.State()
	if !state.MixerSinkLoaded || state.LoopbackModuleID != "" {
		t.Errorf("expected sink without loopback, got %+v", state)
	}
}

func TestSetMicrophoneReplacesLoopback(t *testing.T) {
	pactl := newFakePactl()
	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	const yeti = "alsa_input.usb-Blue_Yeti-00.analog-stereo"
	g.SetupLoopback(context.Background(), yeti)

	loopbacks := pactl.modulesNamed("module-loopback")
	if len(loopbacks) != 1 {
		t.Fatalf("expected a single loopback, got %d", len(loopbacks))
	}
	if got := argValue(loopbacks[0], "source"); got != yeti {
		t.Errorf("loopback source = %q, want %q", got, yeti)
	}
	if got := argValue(loopbacks[0], "sink"); got != MixerSinkName {
		t.Errorf("loopback sink = %q, want %q", got, MixerSinkName)
	}
	if state := g.State(); state.LoopbackSource != yeti || len(state.TrackedModuleIDs) != 3 {
		t.Errorf("unexpected state %+v", state)
	}
}

func TestSetupLoopbackRefusesVirtualDevices(t *testing.T) {
	tests := []struct {
		name string
		mic  string
	}{
		{name: "virtual microphone", mic: VirtualMicName},
		{name: "mixer monitor", mic: MixerSinkName + ".monitor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pactl := newFakePactl()
			g := newTestGraph(t, pactl)
			g.Setup(context.Background(), "")

			g.SetupLoopback(context.Background(), tt.mic)

			if n := len(pactl.modulesNamed("module-loopback")); n != 0 {
				t.Errorf("expected no loopback, got %d", n)
			}
			if state := g.State(); state.LoopbackModuleID != "" {
				t.Errorf("unexpected loopback in state %+v", state)
			}
		})
	}
}

func TestSetupLoopbackRefusesVirtualDescription(t *testing.T) {
	pactl := newFakePactl()
	pactl.sources += "Source #9\n\tName: remapped.thing\n\tProperties:\n\t\tdevice.description = \"" + MixerSinkDescription + " copy\"\n"
	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	g.SetupLoopback(context.Background(), "remapped.thing")

	if n := len(pactl.modulesNamed("module-loopback")); n != 0 {
		t.Errorf("expected no loopback, got %d", n)
	}
}

func TestRestoreLoopback(t *testing.T) {
	pactl := newFakePactl()
	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")

	active := g.State().LoopbackModuleID
	_, _ = pactl.Run(context.Background(), "unload-module", active)

	if g.RestoreLoopback(context.Background(), "12345") {
		t.Error("RestoreLoopback() reacted to an unrelated module")
	}
	if !g.RestoreLoopback(context.Background(), active) {
		t.Fatal("RestoreLoopback() ignored the active loopback")
	}

	state := g.State()
	if state.LoopbackModuleID == "" || state.LoopbackModuleID == active {
		t.Errorf("expected a new loopback, got %+v", state)
	}
	if n := len(pactl.modulesNamed("module-loopback")); n != 1 {
		t.Errorf("expected 1 loopback, got %d", n)
	}
}

func TestCleanupRemovesEverything(t *testing.T) {
	pactl := newFakePactl()
	_, _ = pactl.Run(context.Background(), "load-module", "module-echo-cancel")

	g := newTestGraph(t, pactl)
	g.Setup(context.Background(), "")
	g.Cleanup(context.Background())

	if n := pactl.moduleCount(); n != 1 {
		t.Errorf("expected only the unrelated module to remain, got %d modules", n)
	}
	if state := g.State(); state.MixerSinkLoaded || len(state.TrackedModuleIDs) != 0 {
		t.Errorf("state not reset: %+v", state)
	}

	// the graph can be built again afterwards
	g.Setup(context.Background(), "")
	if n := len(pactl.modulesNamed("module-null-sink")); n != 1 {
		t.Errorf("expected a null sink after re-setup, got %d", n)
	}
}

func TestUnloadAllMatchesByName(t *testing.T) {
	pactl := newFakePactl()
	_, _ = pactl.Run(context.Background(), "load-module", "module-null-sink", "sink_name="+MixerSinkName)
	_, _ = pactl.Run(context.Background(), "load-module", "module-remap-source",
		"master="+MixerSinkName+".monitor", "source_name="+VirtualMicName)
	_, _ = pactl.Run(context.Background(), "load-module", "module-switch-on-connect")

	g := newTestGraph(t, pactl)

	if removed := g.UnloadAll(context.Background()); removed != 2 {
		t.Errorf("UnloadAll() = %d, want 2", removed)
	}
	if n := pactl.moduleCount(); n != 1 {
		t.Errorf("expected 1 module left, got %d", n)
	}
}

type brokenRunner struct{}

func (brokenRunner) Run(context.Context, ...string) (string, error) {
	return "", errors.New("exec: \"pactl\": executable file not found in $PATH")
}

func TestSetupWithoutAudioServer(t *testing.T) {
	g := newTestGraph(t, brokenRunner{})

	g.Setup(context.Background(), "")
	g.SetupLoopback(context.Background(), "alsa_input.any")

	if state := g.State(); state.MixerSinkLoaded || state.LoopbackModuleID != "" {
		t.Errorf("expected an empty graph, got %+v", state)
	}
	if mics := g.Microphones(context.Background()); len(mics) != 0 {
		t.Errorf("expected no microphones, got %v", mics)
	}
}

func TestSetLoopbackLatency(t *testing.T) {
	pactl := newFakePactl()
	g := newTestGraph(t, pactl)

	if !g.SetLoopbackLatency(20) {
		t.Error("SetLoopbackLatency(20) reported no change")
	}
	if g.SetLoopbackLatency(20) {
		t.Error("SetLoopbackLatency(20) twice reported a change")
	}

	g.Setup(context.Background(), "")

	loopbacks := pactl.modulesNamed("module-loopback")
	if len(loopbacks) != 1 || argValue(loopbacks[0], "latency_msec") != "20" {
		t.Errorf("expected a 20ms loopback, got %+v", loopbacks)
	}
}
