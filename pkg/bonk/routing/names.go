package routing

import "strings"

const (
	// MixerSinkName is the null sink every remote leg plays into
	MixerSinkName = "Bonk_Mixer_Sink"
	// MixerSinkDescription is shown to other applications for the mixer sink
	MixerSinkDescription = "Bonk_Internal_Mixer"

	// VirtualMicName is the remap source of the mixer sink's monitor
	VirtualMicName = "Bonk_Virtual_Mic"
	// VirtualMicDescription is what voice-chat applications show in their input list
	VirtualMicDescription = "Bonk_Final_Mic"

	monitorSuffix = ".monitor"
)

// markers identify modules and devices that belong to our own graph.
// they survive restarts, unlike tracked module ids
var markers = []string{MixerSinkName, MixerSinkDescription, VirtualMicName, VirtualMicDescription}

// IsVirtual reports whether any of the given strings names a part of the virtual graph
func IsVirtual(values ...string) bool {
	for _, value := range values {
		for _, marker := range markers {
			if strings.Contains(value, marker) {
				return true
			}
		}
	}

	return false
}
