package scenario

import (
	"fmt"

	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// Preset is a sound event the alert scenario can listen for.
type Preset struct {
	Name   string `yaml:"name" json:"name"`
	GainDB int    `yaml:"mic_gain" json:"mic_gain"`
}

// TargetCategory is the output index of the event class in preset models.
const TargetCategory = 2

// Labels returns the label table of a model trained for p.
func (p Preset) Labels() model.Labels {
	return model.Labels{"background", "unknown", p.Name}
}

var presets = []Preset{
	{Name: "baby_cry", GainDB: 25},
	{Name: "glass_breaking", GainDB: 6},
	{Name: "bark", GainDB: 20},
	{Name: "coughing", GainDB: 25},
}

// Presets returns the known presets in menu order.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// LookupPreset returns the preset called name.
func LookupPreset(name string) (Preset, error) {
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("scenario: unknown preset %q", name)
}
