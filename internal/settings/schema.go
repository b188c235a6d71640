// Package settings persists the device configuration record: versioned,
// atomically written, permission-hardened, with per-section partial
// updates. One Store instance owns the file; cross-process writers are
// not supported.
package settings

import "time"

// StoredSentinel is what clients receive in place of a secret and what
// they send back to mean "do not change this field". It is resolved
// against the previous value before merging, never written verbatim.
const StoredSentinel = "__stored__"

// Meta carries the record's version bookkeeping. Version strictly
// increases on every successful write.
type Meta struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UISettings struct {
	SoundEnabled bool            `json:"sound_enabled"`
	Volume       int             `json:"volume"`
	Flags        map[string]bool `json:"flags"`
}

type NetworkSettings struct {
	OpenAIAPIKey string `json:"openai_api_key,omitempty"`
	OfflineMode  bool   `json:"offline_mode"`
	ForceAP      bool   `json:"force_ap"`
}

type DiabetesSettings struct {
	NightscoutURL    string  `json:"nightscout_url,omitempty"`
	NightscoutToken  string  `json:"nightscout_token,omitempty"`
	DiabetesEnabled  bool    `json:"diabetes_enabled"`
	CorrectionFactor float64 `json:"correction_factor"`
	CarbRatio        float64 `json:"carb_ratio"`
	TargetGlucose    float64 `json:"target_glucose"`
	HypoAlarm        float64 `json:"hypo_alarm"`
	HyperAlarm       float64 `json:"hyper_alarm"`
}

type ScaleSettings struct {
	CalibrationFactor float64 `json:"calibration_factor"`
	Decimals          int     `json:"decimals"`
}

type IntegrationsSettings struct {
	VoiceEnabled bool   `json:"voice_enabled"`
	TTSVoice     string `json:"tts_voice,omitempty"`
}

// Record is the complete persisted configuration.
type Record struct {
	Meta         Meta                 `json:"meta"`
	UI           UISettings           `json:"ui"`
	Network      NetworkSettings      `json:"network"`
	Diabetes     DiabetesSettings     `json:"diabetes"`
	Scale        ScaleSettings        `json:"scale"`
	Integrations IntegrationsSettings `json:"integrations"`
}

// Defaults returns the record written on first boot.
func Defaults() Record {
	return Record{
		Meta: Meta{Version: 1, UpdatedAt: time.Now().UTC()},
		UI:   UISettings{Flags: map[string]bool{}},
		Diabetes: DiabetesSettings{
			CorrectionFactor: 30.0,
			CarbRatio:        10.0,
			TargetGlucose:    100.0,
			HypoAlarm:        70.0,
			HyperAlarm:       180.0,
		},
		Scale: ScaleSettings{
			CalibrationFactor: 1.0,
			Decimals:          1,
		},
	}
}

// clone returns a deep copy so callers can never mutate the cache.
func (r Record) clone() Record {
	out := r
	if r.UI.Flags != nil {
		out.UI.Flags = make(map[string]bool, len(r.UI.Flags))
		for k, v := range r.UI.Flags {
			out.UI.Flags[k] = v
		}
	}
	return out
}

// Patch is a partial update. Nil sections and nil fields are preserved
// wholesale; unknown top-level keys are rejected at the decoding boundary.
type Patch struct {
	UI           *UIPatch           `json:"ui,omitempty"`
	Network      *NetworkPatch      `json:"network,omitempty"`
	Diabetes     *DiabetesPatch     `json:"diabetes,omitempty"`
	Scale        *ScalePatch        `json:"scale,omitempty"`
	Integrations *IntegrationsPatch `json:"integrations,omitempty"`
}

type UIPatch struct {
	SoundEnabled *bool            `json:"sound_enabled,omitempty"`
	Volume       *int             `json:"volume,omitempty"`
	Flags        *map[string]bool `json:"flags,omitempty"`
}

type NetworkPatch struct {
	OpenAIAPIKey *string `json:"openai_api_key,omitempty"`
	OfflineMode  *bool   `json:"offline_mode,omitempty"`
	ForceAP      *bool   `json:"force_ap,omitempty"`
}

type DiabetesPatch struct {
	NightscoutURL    *string  `json:"nightscout_url,omitempty"`
	NightscoutToken  *string  `json:"nightscout_token,omitempty"`
	DiabetesEnabled  *bool    `json:"diabetes_enabled,omitempty"`
	CorrectionFactor *float64 `json:"correction_factor,omitempty"`
	CarbRatio        *float64 `json:"carb_ratio,omitempty"`
	TargetGlucose    *float64 `json:"target_glucose,omitempty"`
	HypoAlarm        *float64 `json:"hypo_alarm,omitempty"`
	HyperAlarm       *float64 `json:"hyper_alarm,omitempty"`
}

type ScalePatch struct {
	CalibrationFactor *float64 `json:"calibration_factor,omitempty"`
	Decimals          *int     `json:"decimals,omitempty"`
}

type IntegrationsPatch struct {
	VoiceEnabled *bool   `json:"voice_enabled,omitempty"`
	TTSVoice     *string `json:"tts_voice,omitempty"`
}

// IsEmpty reports whether the patch touches nothing.
func (p Patch) IsEmpty() bool {
	return p.UI == nil && p.Network == nil && p.Diabetes == nil &&
		p.Scale == nil && p.Integrations == nil
}
