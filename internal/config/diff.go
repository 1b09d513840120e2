package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport and
// storage settings need a restart and are deliberately absent.
type ConfigDiff struct {
	// LogLevelChanged is true when the log verbosity changed.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModelChanged is true when the per-call model parameters changed
	// (instructions, greeting, voice, or temperature). Applies to calls
	// started after the reload; live calls keep their session as-is.
	ModelChanged bool

	// RetrievalChanged is true when the retrieval endpoint or key changed.
	RetrievalChanged bool
}

// Any reports whether the diff carries any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ModelChanged || d.RetrievalChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Model.Instructions != new.Model.Instructions ||
		old.Model.Greeting != new.Model.Greeting ||
		old.Model.Voice != new.Model.Voice ||
		old.Model.Temperature != new.Model.Temperature {
		d.ModelChanged = true
	}

	if old.Retrieval != new.Retrieval {
		d.RetrievalChanged = true
	}

	return d
}
