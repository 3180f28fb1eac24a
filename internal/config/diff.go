package config

// ConfigDiff describes what changed between two configs. Only settings that
// take effect without a restart are tracked; everything else is reported as
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is set when the voice name or instructions differ. Running
	// sessions keep their settings; new sessions pick up the change.
	VoiceChanged bool

	// RestartRequired lists dotted keys of changed settings that only apply
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.VoiceName != new.Voice.VoiceName || old.Voice.Instructions != new.Voice.Instructions {
		d.VoiceChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("providers", old.Providers != new.Providers)
	restart("gemini", old.Gemini != new.Gemini)
	restart("voice.audio", old.Voice.InputSampleRate != new.Voice.InputSampleRate ||
		old.Voice.OutputSampleRate != new.Voice.OutputSampleRate ||
		old.Voice.BlockSize != new.Voice.BlockSize ||
		old.Voice.InputGain != new.Voice.InputGain ||
		old.Voice.SetupTimeout != new.Voice.SetupTimeout)
	restart("assist", old.Assist != new.Assist)
	restart("visualizer", old.Visualizer != new.Visualizer)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
