package modes

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aleka07/cozysphere/go-cozysphere/pkg/model"
)

func f(v float64) *float64 { return &v }

func TestDefaults(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 30, HumThresholdLow: 50}, r.Settings())
	assert.Equal(t, "Work Mode", r.ActiveModeName())
	assert.Equal(t, []string{"Entertainment Mode", "Reading Mode", "Relax Mode", "Sleep Mode", "Work Mode"}, r.ModeNames())
}

func TestActivateSleepMode(t *testing.T) {
	r := NewDefaultRegistry()
	name, settings, err := r.Activate("Sleep Mode")
	require.NoError(t, err)
	assert.Equal(t, "Sleep Mode", name)
	want := model.ThresholdSettings{TempThresholdHigh: 20.0, HumThresholdLow: 55.0}
	assert.Equal(t, want, settings)
	assert.Equal(t, want, r.Settings())
	assert.Equal(t, "Sleep Mode", r.ActiveModeName())
}

func TestActivateUnknownLeavesStateUnchanged(t *testing.T) {
	r := NewDefaultRegistry()
	before := r.Snapshot()

	_, _, err := r.Activate("Nonexistent")
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, before, r.Snapshot())
}

func TestUpdateModePartial(t *testing.T) {
	r := NewDefaultRegistry()
	m, err := r.UpdateMode("Work Mode", Patch{TempThresholdHigh: f(26.0)})
	require.NoError(t, err)
	assert.Equal(t, 26.0, m.TempThresholdHigh)
	assert.Equal(t, 40.0, m.HumThresholdLow, "humidity threshold must be untouched")
	assert.Equal(t, m, r.Modes()["Work Mode"])

	// Editing a preset does not reach the live settings until activation.
	assert.Equal(t, model.DefaultSettings, r.Settings())
	_, s, err := r.Activate("Work Mode")
	require.NoError(t, err)
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 26.0, HumThresholdLow: 40.0}, s)
}

func TestUpdateModeUnknown(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.UpdateMode("Party Mode", Patch{TempThresholdHigh: f(1)})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.Mode("Party Mode")
	assert.ErrorIs(t, err, model.ErrNotFound)
	m, err := r.Mode(model.DefaultModeName)
	require.NoError(t, err)
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 25.0, HumThresholdLow: 40.0}, m.Thresholds())
}

func TestUpdateSettings(t *testing.T) {
	r := NewDefaultRegistry()

	assert.Equal(t, model.DefaultSettings, r.UpdateSettings(Patch{}), "empty patch is a no-op")

	got := r.UpdateSettings(Patch{HumThresholdLow: f(42)})
	assert.Equal(t, model.ThresholdSettings{TempThresholdHigh: 30, HumThresholdLow: 42}, got)

	// A direct edit diverges from the active mode until the next activation.
	_, _, err := r.Activate("Relax Mode")
	require.NoError(t, err)
	r.UpdateSettings(Patch{TempThresholdHigh: f(21)})
	assert.Equal(t, "Relax Mode", r.ActiveModeName())
	assert.Equal(t, 23.0, r.Modes()["Relax Mode"].TempThresholdHigh)
	assert.Equal(t, 21.0, r.Settings().TempThresholdHigh)
}

func TestParsePatch(t *testing.T) {
	p, err := ParsePatch(map[string]any{})
	require.NoError(t, err)
	assert.True(t, p.IsEmpty())

	p, err = ParsePatch(map[string]any{"temp_threshold_high": "26.5", "hum_threshold_low": 45.0, "other": true})
	require.NoError(t, err)
	assert.Equal(t, 26.5, *p.TempThresholdHigh)
	assert.Equal(t, 45.0, *p.HumThresholdLow)

	for _, bad := range []any{"abc", true, nil, []any{1.0}, "NaN"} {
		_, err := ParsePatch(map[string]any{"temp_threshold_high": bad})
		assert.ErrorIs(t, err, model.ErrValidation, "%v", bad)
	}
}

func TestNewRegistryRejectsBadPresets(t *testing.T) {
	_, err := NewRegistry(model.DefaultSettings, nil, "x")
	assert.ErrorIs(t, err, model.ErrValidation)

	dup := []model.Mode{{Name: "A"}, {Name: "A"}}
	_, err = NewRegistry(model.DefaultSettings, dup, "A")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = NewRegistry(model.DefaultSettings, []model.Mode{{Name: "A"}}, "B")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestModesReturnsCopies(t *testing.T) {
	r := NewDefaultRegistry()
	m := r.Modes()
	m["Work Mode"] = model.Mode{Name: "Work Mode", TempThresholdHigh: 99}
	assert.Equal(t, 25.0, r.Modes()["Work Mode"].TempThresholdHigh)
}

func TestConcurrentActivationsNeverInterleave(t *testing.T) {
	r := NewDefaultRegistry()
	presets := r.Modes()
	names := r.ModeNames()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _, err := r.Activate(names[i%len(names)])
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			snap := r.Snapshot()
			assert.Contains(t, names, snap.CurrentMode)
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, presets[snap.CurrentMode].Thresholds(), snap.Settings,
		fmt.Sprintf("settings must match the last activated mode %q", snap.CurrentMode))
}
