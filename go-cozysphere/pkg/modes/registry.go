// Package modes owns the global threshold settings and the named mode
// presets. Every mutation goes through a Registry method that holds one
// lock, so concurrent activations can never leave the settings matching
// neither mode.
package modes

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/logging"
	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

// Patch is a partial threshold update. Nil fields are left untouched.
type Patch struct {
	TempThresholdHigh *float64
	HumThresholdLow   *float64
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.TempThresholdHigh == nil && p.HumThresholdLow == nil
}

// ParsePatch builds a Patch from a decoded JSON object. A present field must
// be a number or a string holding a float; anything else is ErrValidation.
// Unknown keys are ignored.
func ParsePatch(raw map[string]any) (Patch, error) {
	var p Patch
	var err error
	if p.TempThresholdHigh, err = parseField(raw, "temp_threshold_high"); err != nil {
		return Patch{}, err
	}
	if p.HumThresholdLow, err = parseField(raw, "hum_threshold_low"); err != nil {
		return Patch{}, err
	}
	return p, nil
}

func parseField(raw map[string]any, key string) (*float64, error) {
	v, ok := raw[key]
	if !ok {
		return nil, nil
	}
	var f float64
	switch t := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q is not a number", model.ErrValidation, key, t)
		}
		f = parsed
	default:
		n, ok := model.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s: expected a number, got %T", model.ErrValidation, key, v)
		}
		f = n
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %s must be finite", model.ErrValidation, key)
	}
	return &f, nil
}

func (p Patch) applyTo(temp, hum *float64) {
	if p.TempThresholdHigh != nil {
		*temp = *p.TempThresholdHigh
	}
	if p.HumThresholdLow != nil {
		*hum = *p.HumThresholdLow
	}
}

// Snapshot is a consistent view of the whole registry.
type Snapshot struct {
	CurrentMode string                  `json:"current_mode"`
	Modes       map[string]model.Mode   `json:"modes"`
	Settings    model.ThresholdSettings `json:"settings"`
}

// Registry holds the settings singleton, the mode presets and the active
// mode pointer. The set of modes is fixed at construction.
type Registry struct {
	mu       sync.RWMutex
	settings model.ThresholdSettings
	modes    map[string]*model.Mode
	active   string
	log      *slog.Logger
}

// NewRegistry builds a registry from presets. active must name one of them.
func NewRegistry(settings model.ThresholdSettings, presets []model.Mode, active string) (*Registry, error) {
	if len(presets) == 0 {
		return nil, fmt.Errorf("%w: at least one mode is required", model.ErrValidation)
	}
	r := &Registry{
		settings: settings,
		modes:    make(map[string]*model.Mode, len(presets)),
		log:      logging.Component("modes"),
	}
	for _, m := range presets {
		if m.Name == "" {
			return nil, fmt.Errorf("%w: mode without a name", model.ErrValidation)
		}
		if _, dup := r.modes[m.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate mode %q", model.ErrValidation, m.Name)
		}
		m := m
		r.modes[m.Name] = &m
	}
	if _, ok := r.modes[active]; !ok {
		return nil, fmt.Errorf("%w: active mode %q is not registered", model.ErrNotFound, active)
	}
	r.active = active
	return r, nil
}

// NewDefaultRegistry returns the registry with the built-in presets.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(model.DefaultSettings, model.DefaultModes(), model.DefaultModeName)
	if err != nil {
		panic(err) // built-in presets are always valid
	}
	return r
}

// Settings returns the current thresholds.
func (r *Registry) Settings() model.ThresholdSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// UpdateSettings applies the present fields of p and returns the result.
// Settings edits do not touch the active mode or its preset.
func (r *Registry) UpdateSettings(p Patch) model.ThresholdSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.applyTo(&r.settings.TempThresholdHigh, &r.settings.HumThresholdLow)
	if !p.IsEmpty() {
		r.log.Info("settings updated", "temp_threshold_high", r.settings.TempThresholdHigh, "hum_threshold_low", r.settings.HumThresholdLow)
	}
	return r.settings
}

// Modes returns a copy of every preset keyed by name.
func (r *Registry) Modes() map[string]model.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modesLocked()
}

func (r *Registry) modesLocked() map[string]model.Mode {
	out := make(map[string]model.Mode, len(r.modes))
	for name, m := range r.modes {
		out[name] = *m
	}
	return out
}

// Mode returns a copy of the named preset, or ErrNotFound.
func (r *Registry) Mode(name string) (model.Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modes[name]
	if !ok {
		return model.Mode{}, fmt.Errorf("%w: mode %q", model.ErrNotFound, name)
	}
	return *m, nil
}

// ModeNames returns the registered names in sorted order.
func (r *Registry) ModeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modes))
	for name := range r.modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveModeName returns the name of the active mode.
func (r *Registry) ActiveModeName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Snapshot returns modes, active mode and settings read under one lock.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{CurrentMode: r.active, Modes: r.modesLocked(), Settings: r.settings}
}

// UpdateMode edits a preset in place. Editing the active mode does not
// change the settings until the mode is activated again.
func (r *Registry) UpdateMode(name string, p Patch) (model.Mode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[name]
	if !ok {
		return model.Mode{}, fmt.Errorf("%w: mode %q", model.ErrNotFound, name)
	}
	p.applyTo(&m.TempThresholdHigh, &m.HumThresholdLow)
	if !p.IsEmpty() {
		r.log.Info("mode updated", "mode", name, "temp_threshold_high", m.TempThresholdHigh, "hum_threshold_low", m.HumThresholdLow)
	}
	return *m, nil
}

// Activate makes name the active mode and overwrites the settings with its
// thresholds. Unknown names leave everything unchanged.
func (r *Registry) Activate(name string) (string, model.ThresholdSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modes[name]
	if !ok {
		return "", model.ThresholdSettings{}, fmt.Errorf("%w: mode %q", model.ErrNotFound, name)
	}
	r.active = name
	r.settings = m.Thresholds()
	r.log.Info("mode activated", "mode", name, "temp_threshold_high", r.settings.TempThresholdHigh, "hum_threshold_low", r.settings.HumThresholdLow)
	return r.active, r.settings, nil
}
