package audio

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/rehearse/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeALSA     BackendType = "alsa"
	BackendTypeFFmpeg   BackendType = "ffmpeg"
	BackendTypeAuto     BackendType = "auto"
)

// Commands holds the argv templates a backend runs for capture and playback
type Commands struct {
	Capture  []string
	Playback []string
}

var backendCommands = map[BackendType]Commands{
	BackendTypePipeWire: {
		Capture:  []string{"pw-record", "--rate", config.PlaceholderRate, "--channels", config.PlaceholderChannels, config.PlaceholderFile},
		Playback: []string{"pw-play", config.PlaceholderFile},
	},
	BackendTypeALSA: {
		Capture:  []string{"arecord", "-q", "-f", "S16_LE", "-r", config.PlaceholderRate, "-c", config.PlaceholderChannels, "-t", "wav", config.PlaceholderFile},
		Playback: []string{"aplay", "-q", config.PlaceholderFile},
	},
	BackendTypeFFmpeg: {
		Capture:  []string{"ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "pulse", "-i", "default", "-ar", config.PlaceholderRate, "-ac", config.PlaceholderChannels, "-y", config.PlaceholderFile},
		Playback: []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", config.PlaceholderFile},
	},
}

// Preference order for auto detection
var backendPreference = []BackendType{BackendTypePipeWire, BackendTypeALSA, BackendTypeFFmpeg}

// NewDevice creates the device described by the audio configuration.
// Explicit capture/playback command templates override the backend defaults.
func NewDevice(cfg *config.Config) (*ExecDevice, error) {
	backendType := determineBackend(cfg, exec.LookPath)

	commands := backendCommands[backendType]
	if len(cfg.Audio.CaptureCommand) > 0 {
		commands.Capture = cfg.Audio.CaptureCommand
	}
	if len(cfg.Audio.PlaybackCommand) > 0 {
		commands.Playback = cfg.Audio.PlaybackCommand
	}

	// arecord only writes WAV containers
	if backendType == BackendTypeALSA && len(cfg.Audio.CaptureCommand) == 0 && cfg.Audio.Format != "wav" {
		return nil, fmt.Errorf("alsa backend only records wav, configured format is %s", cfg.Audio.Format)
	}

	return NewExecDevice(ExecOptions{
		Backend:     backendType,
		Commands:    commands,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		StopTimeout: cfg.Audio.StopTimeout,
	}), nil
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config, lookPath func(string) (string, error)) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "alsa":
		return BackendTypeALSA
	case "ffmpeg":
		return BackendTypeFFmpeg
	}

	if available := availableBackends(lookPath); len(available) > 0 {
		return available[0]
	}

	// Nothing installed: keep PipeWire so Configure reports the missing tool
	return BackendTypePipeWire
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return availableBackends(exec.LookPath)
}

func availableBackends(lookPath func(string) (string, error)) []BackendType {
	backends := []BackendType{}
	for _, b := range backendPreference {
		cmds := backendCommands[b]
		if _, err := lookPath(cmds.Capture[0]); err != nil {
			continue
		}
		if _, err := lookPath(cmds.Playback[0]); err != nil {
			continue
		}
		backends = append(backends, b)
	}
	return backends
}
