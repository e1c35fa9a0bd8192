package validate

import "github.com/Skryldev/imaged/core"

// Preset holds encode defaults for one format. Explicit request parameters
// take precedence.
type Preset struct {
	Quality int
	Effort  *int
}

func effort(n int) *int { return &n }

var presets = map[string]map[core.Format]Preset{
	"quality": {
		core.FormatJPEG: {Quality: 90},
		core.FormatPNG:  {Effort: effort(4)},
		core.FormatWebP: {Quality: 90, Effort: effort(4)},
		core.FormatAVIF: {Quality: 75, Effort: effort(4)},
		core.FormatHEIC: {Quality: 75, Effort: effort(4)},
		core.FormatGIF:  {Effort: effort(7)},
		core.FormatTIFF: {Quality: 90},
		core.FormatJXL:  {Quality: 90, Effort: effort(7)},
	},
	"balanced": {
		core.FormatJPEG: {Quality: 80},
		core.FormatPNG:  {Effort: effort(7)},
		core.FormatWebP: {Quality: 80, Effort: effort(4)},
		core.FormatAVIF: {Quality: 55, Effort: effort(5)},
		core.FormatHEIC: {Quality: 55, Effort: effort(5)},
		core.FormatGIF:  {Effort: effort(7)},
		core.FormatTIFF: {Quality: 80},
		core.FormatJXL:  {Quality: 80, Effort: effort(7)},
	},
	"compact": {
		core.FormatJPEG: {Quality: 65},
		core.FormatPNG:  {Effort: effort(10)},
		core.FormatWebP: {Quality: 65, Effort: effort(6)},
		core.FormatAVIF: {Quality: 40, Effort: effort(8)},
		core.FormatHEIC: {Quality: 40, Effort: effort(8)},
		core.FormatGIF:  {Effort: effort(10)},
		core.FormatTIFF: {Quality: 65},
		core.FormatJXL:  {Quality: 65, Effort: effort(9)},
	},
}

var presetNames = []string{"quality", "balanced", "compact"}

// PresetNames lists the accepted preset names.
func PresetNames() []string { return presetNames }

// LookupPreset returns the defaults of preset name for f, or a zero Preset.
func LookupPreset(name string, f core.Format) Preset {
	return presets[name][f]
}
