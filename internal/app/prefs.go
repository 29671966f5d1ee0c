package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bmswatch/internal/preferences"
)

// PrefsFormat selects the encoding for PrefsShow.
type PrefsFormat string

const (
	PrefsJSON PrefsFormat = "json"
	PrefsYAML PrefsFormat = "yaml"
)

// PrefsShow prints the stored preferences.
func (a *App) PrefsShow(format PrefsFormat) error {
	store, err := a.openKV()
	if err != nil {
		return err
	}
	return writePreferences(os.Stdout, a.newPreferences(store).Load(), format)
}

// PrefsSet applies key=value assignments such as alerts.soc_low=35. Values
// are corrected, never rejected, and the result is printed.
func (a *App) PrefsSet(assignments []string, format PrefsFormat) error {
	partial, err := ParseAssignments(assignments)
	if err != nil {
		return err
	}

	store, err := a.openKV()
	if err != nil {
		return err
	}
	prefs := a.newPreferences(store)
	prefs.Load()
	updated := prefs.Update(partial)
	if err := prefs.Persist(); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return writePreferences(os.Stdout, updated, format)
}

// PrefsReset restores the defaults.
func (a *App) PrefsReset(format PrefsFormat) error {
	store, err := a.openKV()
	if err != nil {
		return err
	}
	prefs := a.newPreferences(store)
	defaults := prefs.Reset()
	if err := prefs.Persist(); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return writePreferences(os.Stdout, defaults, format)
}

// ParseAssignments turns section.field=value pairs into a Partial.
func ParseAssignments(assignments []string) (preferences.Partial, error) {
	partial := preferences.Partial{
		CellVoltage: map[string]any{},
		Alerts:      map[string]any{},
	}
	for _, raw := range assignments {
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return preferences.Partial{}, fmt.Errorf("invalid assignment %q: expected section.field=value", raw)
		}
		section, field, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok || field == "" {
			return preferences.Partial{}, fmt.Errorf("invalid key %q: expected section.field", key)
		}
		switch section {
		case "cellVoltage", "cell_voltage", "cell":
			partial.CellVoltage[field] = strings.TrimSpace(value)
		case "alerts":
			partial.Alerts[field] = strings.TrimSpace(value)
		default:
			return preferences.Partial{}, fmt.Errorf("unknown preference section %q", section)
		}
	}
	return partial, nil
}

func writePreferences(out io.Writer, prefs preferences.Preferences, format PrefsFormat) error {
	switch format {
	case PrefsYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(prefs); err != nil {
			return fmt.Errorf("encode preferences: %w", err)
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(prefs)
	}
}
