package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/satriahrh/lyeria/server/domain"
)

var validate = validator.New()

// Scale is the musical key requested from the generator
type Scale string

const (
	ScaleUnspecified  Scale = "SCALE_UNSPECIFIED"
	ScaleCMajorAMinor Scale = "C_MAJOR_A_MINOR"
	ScaleDFlatMajor   Scale = "D_FLAT_MAJOR_B_FLAT_MINOR"
	ScaleDMajor       Scale = "D_MAJOR_B_MINOR"
	ScaleEFlatMajor   Scale = "E_FLAT_MAJOR_C_MINOR"
	ScaleEMajor       Scale = "E_MAJOR_D_FLAT_MINOR"
	ScaleFMajor       Scale = "F_MAJOR_D_MINOR"
	ScaleGFlatMajor   Scale = "G_FLAT_MAJOR_E_FLAT_MINOR"
	ScaleGMajor       Scale = "G_MAJOR_E_MINOR"
	ScaleAFlatMajor   Scale = "A_FLAT_MAJOR_F_MINOR"
	ScaleAMajor       Scale = "A_MAJOR_G_FLAT_MINOR"
	ScaleBFlatMajor   Scale = "B_FLAT_MAJOR_G_MINOR"
	ScaleBMajor       Scale = "B_MAJOR_A_FLAT_MINOR"
)

// GenerationMode selects how the upstream model trades quality for variety
type GenerationMode string

const (
	ModeQuality      GenerationMode = "QUALITY"
	ModeDiversity    GenerationMode = "DIVERSITY"
	ModeVocalization GenerationMode = "VOCALIZATION"
)

// MusicConfig is the complete generation configuration of a room.
// It is always forwarded whole, never as a partial patch.
type MusicConfig struct {
	Guidance            float64        `json:"guidance" validate:"gte=0,lte=6"`
	BPM                 int            `json:"bpm" validate:"gte=60,lte=200"`
	Density             float64        `json:"density" validate:"gte=0,lte=1"`
	Brightness          float64        `json:"brightness" validate:"gte=0,lte=1"`
	Scale               Scale          `json:"scale" validate:"oneof=SCALE_UNSPECIFIED C_MAJOR_A_MINOR D_FLAT_MAJOR_B_FLAT_MINOR D_MAJOR_B_MINOR E_FLAT_MAJOR_C_MINOR E_MAJOR_D_FLAT_MINOR F_MAJOR_D_MINOR G_FLAT_MAJOR_E_FLAT_MINOR G_MAJOR_E_MINOR A_FLAT_MAJOR_F_MINOR A_MAJOR_G_FLAT_MINOR B_FLAT_MAJOR_G_MINOR B_MAJOR_A_FLAT_MINOR"`
	MuteBass            bool           `json:"mute_bass"`
	MuteDrums           bool           `json:"mute_drums"`
	OnlyBassAndDrums    bool           `json:"only_bass_and_drums"`
	MusicGenerationMode GenerationMode `json:"music_generation_mode" validate:"oneof=QUALITY DIVERSITY VOCALIZATION"`
	Temperature         float64        `json:"temperature" validate:"gte=0,lte=3"`
	TopK                int            `json:"top_k" validate:"gte=1,lte=1000"`
	Seed                *int           `json:"seed" validate:"omitempty,gte=0,lte=2147483647"`
}

// DefaultMusicConfig returns the configuration a new room starts with
func DefaultMusicConfig() MusicConfig {
	return MusicConfig{
		Guidance:            4.0,
		BPM:                 130,
		Density:             0.5,
		Brightness:          0.5,
		Scale:               ScaleUnspecified,
		MusicGenerationMode: ModeQuality,
		Temperature:         1.1,
		TopK:                40,
	}
}

// Validate checks every field against its allowed range
func (c MusicConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}

// Clone returns a deep copy
func (c MusicConfig) Clone() MusicConfig {
	out := c
	if c.Seed != nil {
		seed := *c.Seed
		out.Seed = &seed
	}
	return out
}

var patchKeyAliases = map[string]string{
	"musicGenerationMode": "music_generation_mode",
	"muteBass":            "mute_bass",
	"muteDrums":           "mute_drums",
	"onlyBassAndDrums":    "only_bass_and_drums",
	"topK":                "top_k",
}

var patchKeys = map[string]struct{}{
	"guidance": {}, "bpm": {}, "density": {}, "brightness": {}, "scale": {},
	"mute_bass": {}, "mute_drums": {}, "only_bass_and_drums": {},
	"music_generation_mode": {}, "temperature": {}, "top_k": {}, "seed": {},
}

// ConfigPatch is a partial music configuration sent by a client, keyed by
// canonical snake_case field names.
type ConfigPatch map[string]json.RawMessage

// ParseConfigPatch decodes a client patch object, either bare or wrapped as
// {"patch": {...}}. camelCase keys are mapped to their snake_case names;
// unknown keys reject the whole patch.
func ParseConfigPatch(raw json.RawMessage) (ConfigPatch, error) {
	fields, err := decodePatchObject(raw)
	if err != nil {
		return nil, err
	}
	if wrapped, ok := fields["patch"]; ok && len(fields) == 1 {
		if fields, err = decodePatchObject(wrapped); err != nil {
			return nil, err
		}
	}

	patch := make(ConfigPatch, len(fields))
	for key, value := range fields {
		if alias, ok := patchKeyAliases[key]; ok {
			key = alias
		}
		if _, ok := patchKeys[key]; !ok {
			return nil, fmt.Errorf("%w: unknown config field %q", domain.ErrMalformedEvent, key)
		}
		patch[key] = value
	}
	return patch, nil
}

func decodePatchObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: patch must be an object", domain.ErrMalformedEvent)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty patch", domain.ErrMalformedEvent)
	}
	return fields, nil
}

// Keys returns the canonical names of the fields present in the patch
func (p ConfigPatch) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	return keys
}

// RequiresReset reports whether the patch carries a field the upstream model
// only adopts after a context reset.
func (p ConfigPatch) RequiresReset() bool {
	_, bpm := p["bpm"]
	_, scale := p["scale"]
	return bpm || scale
}

// Apply overlays the provided keys on base and returns the resulting
// complete configuration. base is never modified.
func (p ConfigPatch) Apply(base MusicConfig) (MusicConfig, error) {
	encoded, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return base, err
	}
	for key, value := range p {
		merged[key] = value
	}
	encoded, err = json.Marshal(merged)
	if err != nil {
		return base, err
	}

	var next MusicConfig
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&next); err != nil {
		return base, fmt.Errorf("%w: %s", domain.ErrMalformedEvent, strings.TrimPrefix(err.Error(), "json: "))
	}
	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}
