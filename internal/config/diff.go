package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without restart; engine changes are
// reported so the operator can be told a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EnginesChanged bool         // true if any engine was added, removed or modified
	EngineChanges  []EngineDiff // per-engine diffs

	RestartRequired bool // true if a change only takes effect after restart
}

// EngineDiff describes what changed for a single engine between two configs.
type EngineDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.DataDir != new.Server.DataDir ||
		old.Telemetry != new.Telemetry {
		d.RestartRequired = true
	}

	// Build engine lookup maps keyed by name.
	oldEngines := make(map[string]*EngineConfig, len(old.Engines))
	for i := range old.Engines {
		oldEngines[old.Engines[i].Name] = &old.Engines[i]
	}
	newEngines := make(map[string]*EngineConfig, len(new.Engines))
	for i := range new.Engines {
		newEngines[new.Engines[i].Name] = &new.Engines[i]
	}

	// Detect modified and removed engines, in the old config's order.
	for _, oe := range old.Engines {
		ne, exists := newEngines[oe.Name]
		if !exists {
			d.EngineChanges = append(d.EngineChanges, EngineDiff{Name: oe.Name, Removed: true})
			continue
		}
		if !reflect.DeepEqual(&oe, ne) {
			d.EngineChanges = append(d.EngineChanges, EngineDiff{Name: oe.Name, Modified: true})
		}
	}

	// Detect added engines.
	for _, ne := range new.Engines {
		if _, exists := oldEngines[ne.Name]; !exists {
			d.EngineChanges = append(d.EngineChanges, EngineDiff{Name: ne.Name, Added: true})
		}
	}

	if len(d.EngineChanges) > 0 {
		d.EnginesChanged = true
		d.RestartRequired = true
	}
	return d
}
