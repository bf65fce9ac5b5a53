package detections

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalogue maps the detector's labels to the names shown to people.
type Catalogue map[string]string

// DefaultCatalogue holds the labels the feeder's model was trained on.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		"american-crow":          "american crow",
		"blue-jay":               "blue jay",
		"blue-gray-gnatcatcher":  "blue gray gnatcatcher",
		"carolina-wren":          "carolina wren",
		"common-grackle":         "common grackle",
		"downy-woodpecker":       "downy woodpecker",
		"gray-catbird":           "gray catbird",
		"mourning-dove":          "mourning dove",
		"cardinal":               "northern cardinal",
		"northern-mockingbird":   "northern mockingbird",
		"palm-warbler":           "palm warbler",
		"pileated-woodpecker":    "pileated woodpecker",
		"red-bellied-woodpecker": "red-bellied woodpecker",
		"tufted-titmouse":        "tufted titmouse",
		"yellow-rumped-warbler":  "yellow-rumped warbler",
		"squirrel":               "squirrel",
	}
}

// DisplayName returns the display name for a label, falling back to the
// label with dashes replaced by spaces.
func (c Catalogue) DisplayName(label string) string {
	if name, ok := c[label]; ok {
		return name
	}
	return strings.ReplaceAll(label, "-", " ")
}

func (c Catalogue) String() string {
	labels := make([]string, 0, len(c))
	for k := range c {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	outLines := []string{}
	for _, k := range labels {
		outLines = append(outLines, fmt.Sprintf("Label: '%s', Name: '%s'", k, c[k]))
	}
	return strings.Join(outLines, "\n")
}

// LoadCatalogueFromFile loads label names from a YAML file and merges them
// over the default catalogue.
func LoadCatalogueFromFile(filePath string) (Catalogue, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}

	var loaded map[string]string
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %v", err)
	}

	c := DefaultCatalogue()
	for k, v := range loaded {
		c[k] = v
	}
	return c, nil
}
