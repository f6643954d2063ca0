package routing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type fakeModule struct {
	id   int
	name string
	args []string
}

// fakePactl is an in-memory audio server that understands the pactl commands the graph issues
type fakePactl struct {
	mu sync.Mutex

	nextID        int
	modules       map[int]*fakeModule
	defaultSource string
	sources       string // raw `pactl list sources` text for real devices

	// number of upcoming load-module calls that answer with empty output
	emptyReplies int
	// module names whose load always fails
	failing map[string]bool

	calls [][]string
}

func newFakePactl() *fakePactl {
	return &fakePactl{
		nextID:        536870912,
		modules:       map[int]*fakeModule{},
		defaultSource: "alsa_input.pci-0000_00_1f.3.analog-stereo",
		sources:       sampleSources,
		failing:       map[string]bool{},
	}
}

func (f *fakePactl) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string(nil), args...))

	switch {
	case len(args) >= 2 && args[0] == "load-module":
		if f.emptyReplies > 0 {
			f.emptyReplies--
			return "", nil
		}
		if f.failing[args[1]] {
			return "Failure: Module initialization failed\n", nil
		}
		f.nextID++
		f.modules[f.nextID] = &fakeModule{id: f.nextID, name: args[1], args: args[2:]}
		return strconv.Itoa(f.nextID) + "\n", nil

	case len(args) == 2 && args[0] == "unload-module":
		id, err := strconv.Atoi(args[1])
		if err != nil || f.modules[id] == nil {
			return "Failure: No such entity\n", nil
		}
		delete(f.modules, id)
		return "", nil

	case len(args) == 3 && args[0] == "list" && args[1] == "short":
		return f.listShort(args[2]), nil

	case len(args) == 2 && args[0] == "list" && args[1] == "sources":
		return f.listSources(), nil

	case len(args) == 1 && args[0] == "get-default-source":
		return f.defaultSource + "\n", nil
	}

	return "", nil
}

func (f *fakePactl) sortedModules() []*fakeModule {
	var modules []*fakeModule
	for _, m := range f.modules {
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].id < modules[j].id })

	return modules
}

func (f *fakePactl) listShort(kind string) string {
	var b strings.Builder

	for _, m := range f.sortedModules() {
		switch kind {
		case "modules":
			fmt.Fprintf(&b, "%d\t%s\t%s\t\n", m.id, m.name, strings.Join(m.args, " "))
		case "sinks":
			if m.name == "module-null-sink" {
				fmt.Fprintf(&b, "%d\t%s\tmodule-null-sink.c\ts16le 2ch 44100Hz\tIDLE\n", m.id, argValue(m, "sink_name"))
			}
		case "sources":
			if m.name == "module-remap-source" {
				fmt.Fprintf(&b, "%d\t%s\tmodule-remap-source.c\ts16le 2ch 44100Hz\tIDLE\n", m.id, argValue(m, "source_name"))
			}
		}
	}

	return b.String()
}

func (f *fakePactl) listSources() string {
	var b strings.Builder
	b.WriteString(f.sources)

	for _, m := range f.sortedModules() {
		if m.name == "module-remap-source" {
			fmt.Fprintf(&b, "Source #%d\n\tState: IDLE\n\tName: %s\n\tDescription: %s\n\tProperties:\n\t\tdevice.description = \"%s\"\n\n",
				m.id, argValue(m, "source_name"), VirtualMicDescription, VirtualMicDescription)
		}
	}

	return b.String()
}

func argValue(m *fakeModule, key string) string {
	for _, arg := range m.args {
		if strings.HasPrefix(arg, key+"=") {
			return strings.TrimPrefix(arg, key+"=")
		}
	}

	return ""
}

func (f *fakePactl) modulesNamed(name string) []*fakeModule {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found []*fakeModule
	for _, m := range f.sortedModules() {
		if m.name == name {
			found = append(found, m)
		}
	}

	return found
}

func (f *fakePactl) moduleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.modules)
}

func (f *fakePactl) callsTo(verb string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found [][]string
	for _, call := range f.calls {
		if len(call) > 0 && call[0] == verb {
			found = append(found, call)
		}
	}

	return found
}

const sampleSources = `Source #0
	State: SUSPENDED
	Name: alsa_output.pci-0000_00_1f.3.analog-stereo.monitor
	Description: Monitor of Built-in Audio Analog Stereo
	Driver: module-alsa-card.c
	Properties:
		device.description = "Monitor of Built-in Audio Analog Stereo"
		device.class = "monitor"

Source #1
	State: RUNNING
	Name: alsa_input.pci-0000_00_1f.3.analog-stereo
	Description: Built-in Audio Analog Stereo
	Driver: module-alsa-card.c
	Properties:
		alsa.resolution_bits = "16"
		device.description = "Built-in Audio Analog Stereo"
		device.class = "sound"

Source #2
	State: SUSPENDED
	Name: alsa_input.usb-Blue_Yeti-00.analog-stereo
	Description: Yeti Stereo Microphone
	Driver: module-alsa-card.c
	Properties:
		device.description = "Yeti Stereo Microphone"

`
