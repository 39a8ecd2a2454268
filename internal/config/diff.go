package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The daemon applies
// the hot fields in place and only logs the sections that need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool

	// OutputChanged is set when any sink toggle other than the vocabulary
	// changed.
	OutputChanged bool

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VocabularyChanged && !d.OutputChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.Output.Vocabulary, new.Output.Vocabulary) {
		d.VocabularyChanged = true
	}
	oo, no := old.Output, new.Output
	oo.Vocabulary, no.Vocabulary = nil, nil
	if !reflect.DeepEqual(oo, no) {
		d.OutputChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"audio", old.Audio, new.Audio},
		{"model", old.Model, new.Model},
		{"worker", old.Worker, new.Worker},
		{"batch", old.Batch, new.Batch},
		{"preprocess", old.Preprocess, new.Preprocess},
		{"monitor", old.Monitor, new.Monitor},
		{"spool", old.Spool, new.Spool},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
