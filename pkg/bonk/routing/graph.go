// Package routing maintains the virtual PulseAudio device graph: a null sink
// used as a mixing point, a virtual microphone remapped from its monitor and
// a loopback feeding a real microphone into the mix.
//
// The audio server is driven through pactl and its line-oriented listings.
// Module ids are tracked for a graceful teardown, and modules are also
// matched by name so leftovers of a crashed run can be swept.
package routing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// DefaultLoopbackLatencyMsec keeps live speech and played sounds close together
const DefaultLoopbackLatencyMsec = 1

// State is a snapshot of the graph
type State struct {
	MixerSinkLoaded  bool
	VirtualMicLoaded bool

	// empty when no loopback is active
	LoopbackModuleID string
	LoopbackSource   string

	TrackedModuleIDs []string
}

// Graph creates, reconfigures and removes the virtual devices
type Graph struct {
	logger *zap.SugaredLogger
	runner Runner

	// serializes Setup, SetupLoopback and the teardown paths so that
	// two reconfigurations never interleave their pactl calls
	opLock sync.Mutex
	swept  bool // guarded by opLock

	lock         sync.RWMutex
	state        State
	requestedMic string
	latencyMsec  int
}

func NewGraph(logger *zap.SugaredLogger, runner Runner, latencyMsec int) *Graph {
	if latencyMsec <= 0 {
		latencyMsec = DefaultLoopbackLatencyMsec
	}

	g := &Graph{
		logger:      logger.Named("routing"),
		runner:      runner,
		latencyMsec: latencyMsec,
	}

	g.logger.Debug("Created device graph instance")

	return g
}

// Setup builds the graph. Leftovers from an unclean shutdown are swept on the first call;
// devices that already exist are reused, so calling it again never duplicates them
func (g *Graph) Setup(ctx context.Context, preferredMic string) {
	g.opLock.Lock()
	defer g.opLock.Unlock()

	g.logger.Debugw("Setting up device graph", "preferredMic", preferredMic)

	if !g.swept {
		if removed := g.sweep(ctx); removed > 0 {
			g.logger.Infow("Removed leftover virtual modules", "count", removed)
		}
		g.swept = true
	}

	sinkLoaded := g.listed(ctx, "sinks", MixerSinkName)
	if !sinkLoaded {
		id, err := g.loadModule(ctx, "module-null-sink",
			"sink_name="+MixerSinkName,
			"sink_properties=device.description='"+MixerSinkDescription+"'")
		if err != nil {
			g.logger.Warnw("Failed to create mixer sink, remote playback disabled", "error", err)
		} else {
			g.track(id)
			sinkLoaded = true
		}
	}

	if sinkLoaded {
		g.pactl(ctx, "set-sink-volume", MixerSinkName, "100%")
		g.pactl(ctx, "set-sink-mute", MixerSinkName, "0")
		g.pactl(ctx, "suspend-sink", MixerSinkName, "0")
	}

	micLoaded := g.listed(ctx, "sources", VirtualMicName)
	if !micLoaded && sinkLoaded {
		id, err := g.loadModule(ctx, "module-remap-source",
			"master="+MixerSinkName+monitorSuffix,
			"source_name="+VirtualMicName,
			"source_properties=device.description='"+VirtualMicDescription+"'")
		if err != nil {
			g.logger.Warnw("Failed to create virtual microphone", "error", err)
		} else {
			g.track(id)
			micLoaded = true
		}
	}

	if micLoaded {
		g.pactl(ctx, "set-source-mute", VirtualMicName, "0")
	}

	g.lock.Lock()
	g.state.MixerSinkLoaded = sinkLoaded
	g.state.VirtualMicLoaded = micLoaded
	g.lock.Unlock()

	g.setupLoopback(ctx, preferredMic)

	g.logger.Infow("Device graph ready", "state", g.State())
}

// SetupLoopback replaces the loopback with one from micID, or from the default source if micID is empty
func (g *Graph) SetupLoopback(ctx context.Context, micID string) {
	g.opLock.Lock()
	defer g.opLock.Unlock()

	g.setupLoopback(ctx, micID)
}

func (g *Graph) setupLoopback(ctx context.Context, micID string) {
	g.lock.Lock()
	previous := g.state.LoopbackModuleID
	g.state.LoopbackModuleID = ""
	g.state.LoopbackSource = ""
	g.requestedMic = micID
	sinkLoaded := g.state.MixerSinkLoaded
	latency := g.latencyMsec
	g.lock.Unlock()

	if previous != "" {
		g.unloadModule(ctx, previous)
	}

	if !sinkLoaded {
		g.logger.Debug("No mixer sink, skipping microphone loopback")
		return
	}

	source := micID
	if source == "" {
		source = strings.TrimSpace(g.pactl(ctx, "get-default-source"))
	}

	if source == "" {
		g.logger.Warn("No microphone to loop back")
		return
	}

	description := describeSource(g.pactl(ctx, "list", "sources"), source)
	if IsVirtual(source, description) {
		g.logger.Warnw("Refusing to loop back a virtual device", "source", source, "description", description)
		return
	}

	id, err := g.loadModule(ctx, "module-loopback",
		"source="+source,
		"sink="+MixerSinkName,
		"latency_msec="+strconv.Itoa(latency))
	if err != nil {
		g.logger.Warnw("Failed to create microphone loopback", "source", source, "error", err)
		return
	}

	g.track(id)

	g.lock.Lock()
	g.state.LoopbackModuleID = id
	g.state.LoopbackSource = source
	g.lock.Unlock()

	g.logger.Infow("Microphone loopback active", "source", source, "module", id)
}

// RestoreLoopback recreates the loopback if the module that was removed is the active one
func (g *Graph) RestoreLoopback(ctx context.Context, removedModuleID string) bool {
	g.lock.RLock()
	active := g.state.LoopbackModuleID
	mic := g.requestedMic
	g.lock.RUnlock()

	if active == "" || active != removedModuleID {
		return false
	}

	g.logger.Infow("Microphone loopback removed externally, restoring", "module", removedModuleID)

	g.lock.Lock()
	g.untrack(removedModuleID)
	if g.state.LoopbackModuleID == removedModuleID {
		g.state.LoopbackModuleID = ""
	}
	g.lock.Unlock()

	g.SetupLoopback(ctx, mic)

	return true
}

// SetLoopbackLatency changes the latency used for loopbacks created from now on
func (g *Graph) SetLoopbackLatency(latencyMsec int) bool {
	if latencyMsec <= 0 {
		latencyMsec = DefaultLoopbackLatencyMsec
	}

	g.lock.Lock()
	defer g.lock.Unlock()

	changed := g.latencyMsec != latencyMsec
	g.latencyMsec = latencyMsec

	return changed
}

// Microphones lists real capture devices, excluding monitors and the virtual graph itself
func (g *Graph) Microphones(ctx context.Context) []Microphone {
	return ParseSources(g.pactl(ctx, "list", "sources"))
}

// MixerSinkExists asks the audio server whether the mixer sink is present right now
func (g *Graph) MixerSinkExists(ctx context.Context) bool {
	return g.listed(ctx, "sinks", MixerSinkName)
}

// MixerSink is the sink name remote legs play into
func (g *Graph) MixerSink() string {
	return MixerSinkName
}

// Cleanup unloads every tracked module and then sweeps anything still matching our names
func (g *Graph) Cleanup(ctx context.Context) {
	g.opLock.Lock()
	defer g.opLock.Unlock()

	g.lock.Lock()
	tracked := append([]string(nil), g.state.TrackedModuleIDs...)
	g.state = State{}
	g.lock.Unlock()

	// newest first: the loopback and remap depend on the sink
	for i := len(tracked) - 1; i >= 0; i-- {
		g.pactl(ctx, "unload-module", tracked[i])
	}

	removed := g.sweep(ctx)
	g.swept = false

	g.logger.Infow("Device graph torn down", "tracked", len(tracked), "swept", removed)
}

// UnloadAll removes every module whose name or arguments match the virtual graph, tracked or not
func (g *Graph) UnloadAll(ctx context.Context) int {
	g.opLock.Lock()
	defer g.opLock.Unlock()

	g.lock.Lock()
	g.state = State{}
	g.lock.Unlock()

	removed := g.sweep(ctx)
	g.swept = true

	return removed
}

// State returns a copy of the current graph state
func (g *Graph) State() State {
	g.lock.RLock()
	defer g.lock.RUnlock()

	state := g.state
	state.TrackedModuleIDs = append([]string(nil), g.state.TrackedModuleIDs...)

	return state
}

func (g *Graph) String() string {
	state := g.State()

	return fmt.Sprintf("<sink=%t mic=%t loopback=%q modules=%v>",
		state.MixerSinkLoaded, state.VirtualMicLoaded, state.LoopbackModuleID, state.TrackedModuleIDs)
}

// sweep unloads modules recognised by name. the caller holds opLock
func (g *Graph) sweep(ctx context.Context) int {
	var matching []string

	for _, line := range strings.Split(g.pactl(ctx, "list", "short", "modules"), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if IsVirtual(line) {
			matching = append(matching, fields[0])
		}
	}

	// listings are in load order; dependents go first
	for i := len(matching) - 1; i >= 0; i-- {
		g.logger.Debugw("Unloading virtual module", "module", matching[i])
		g.pactl(ctx, "unload-module", matching[i])
	}

	return len(matching)
}

// listed reports whether `pactl list short <kind>` has an entry called name
func (g *Graph) listed(ctx context.Context, kind string, name string) bool {
	for _, line := range strings.Split(g.pactl(ctx, "list", "short", kind), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}

	return false
}

// loadModule loads a module and returns its id. An empty reply is retried once
func (g *Graph) loadModule(ctx context.Context, module string, args ...string) (string, error) {
	argv := append([]string{"load-module", module}, args...)

	out := strings.TrimSpace(g.pactl(ctx, argv...))
	if out == "" {
		g.logger.Debugw("Empty reply loading module, retrying", "module", module)
		out = strings.TrimSpace(g.pactl(ctx, argv...))
	}

	if _, err := strconv.ParseUint(out, 10, 32); err != nil {
		return "", fmt.Errorf("load %s: unexpected reply %q", module, out)
	}

	g.logger.Debugw("Loaded module", "module", module, "id", out)

	return out, nil
}

func (g *Graph) unloadModule(ctx context.Context, id string) {
	g.pactl(ctx, "unload-module", id)

	g.lock.Lock()
	g.untrack(id)
	g.lock.Unlock()
}

func (g *Graph) track(id string) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.state.TrackedModuleIDs = funk.UniqString(append(g.state.TrackedModuleIDs, id))
}

// untrack expects g.lock to be held
func (g *Graph) untrack(id string) {
	if !funk.ContainsString(g.state.TrackedModuleIDs, id) {
		return
	}

	g.state.TrackedModuleIDs = funk.FilterString(g.state.TrackedModuleIDs, func(tracked string) bool {
		return tracked != id
	})
}

// pactl runs one command, treating any failure as empty output
func (g *Graph) pactl(ctx context.Context, args ...string) string {
	out, err := g.runner.Run(ctx, args...)
	if err != nil {
		g.logger.Warnw("Audio server command failed", "args", args, "error", err)
		return ""
	}

	return out
}
