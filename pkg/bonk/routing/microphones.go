package routing

import (
	"bufio"
	"strings"
)

// Microphone is a real capture device known to the audio server
type Microphone struct {
	ID          string
	Description string
}

const (
	sourceNamePrefix        = "Name: "
	sourceDescriptionPrefix = "device.description = "
)

// ParseSources extracts usable microphones from `pactl list sources` output.
// Monitors and our own virtual devices are left out
func ParseSources(listing string) []Microphone {
	mics := []Microphone{}

	for _, source := range parseSourceRecords(listing) {
		if usableMicrophone(source.ID, source.Description) {
			mics = append(mics, source)
		}
	}

	return mics
}

// parseSourceRecords returns every source that has both a name and a description.
// records are delimited by their "Name:" line
func parseSourceRecords(listing string) []Microphone {
	var records []Microphone

	var name, description string
	flush := func() {
		if name != "" && description != "" {
			records = append(records, Microphone{ID: name, Description: description})
		}
		name, description = "", ""
	}

	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, sourceNamePrefix):
			flush()
			name = strings.TrimSpace(strings.TrimPrefix(line, sourceNamePrefix))
		case strings.HasPrefix(line, sourceDescriptionPrefix) && name != "" && description == "":
			description = strings.Trim(strings.TrimSpace(strings.TrimPrefix(line, sourceDescriptionPrefix)), `"`)
		}
	}
	flush()

	return records
}

func describeSource(listing string, id string) string {
	for _, source := range parseSourceRecords(listing) {
		if source.ID == id {
			return source.Description
		}
	}

	return ""
}

func usableMicrophone(name, description string) bool {
	if strings.HasSuffix(name, monitorSuffix) {
		return false
	}

	return !IsVirtual(name, description)
}
