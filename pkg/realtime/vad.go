package realtime

import "math"

// vadWindowMs is how much trailing audio each VAD step inspects.
const vadWindowMs = 100

// VADConfig tunes the energy-based voice activity detector. Fields map onto
// the session update's turn_detection object.
type VADConfig struct {
	// EnergyThreshold is the RMS level separating speech from silence.
	EnergyThreshold float64
	// MinSpeechMs is how long energy must stay above the threshold before
	// speech is declared started.
	MinSpeechMs int
	// MinSilenceMs is how long energy must stay below the threshold before
	// speech is declared stopped.
	MinSilenceMs int
}

// DefaultVADConfig returns the detector defaults used when a session does
// not configure turn detection.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 0.015,
		MinSpeechMs:     200,
		MinSilenceMs:    500,
	}
}

// VADEvent is the outcome of one detector step.
type VADEvent int

const (
	// VADNone means no threshold crossing completed this step.
	VADNone VADEvent = iota
	// VADSpeechStart means sustained energy crossed above the threshold.
	VADSpeechStart
	// VADSpeechStop means sustained silence followed active speech.
	VADSpeechStop
)

// VAD classifies trailing audio windows as speech or silence and reports
// debounced transitions. It is driven by the session's read loop only, so it
// needs no locking of its own.
type VAD struct {
	config VADConfig

	active    bool
	speechMs  int
	silenceMs int

	speechStartMs int64
	speechEndMs   int64
}

// NewVAD creates a detector with the given configuration.
func NewVAD(config VADConfig) *VAD {
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = DefaultVADConfig().EnergyThreshold
	}
	return &VAD{config: config}
}

// Process inspects one trailing window. positionMs is the buffer duration at
// the time of the step and becomes the timestamp attached to transitions.
func (v *VAD) Process(window []float64, positionMs int64) VADEvent {
	if len(window) == 0 {
		return VADNone
	}

	var sumSq float64
	for _, s := range window {
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(len(window)))
	loud := rms >= v.config.EnergyThreshold

	if loud {
		v.speechMs += vadWindowMs
		v.silenceMs = 0
		if !v.active && v.speechMs >= v.config.MinSpeechMs {
			v.active = true
			v.speechStartMs = positionMs - int64(v.speechMs)
			if v.speechStartMs < 0 {
				v.speechStartMs = 0
			}
			return VADSpeechStart
		}
		return VADNone
	}

	v.silenceMs += vadWindowMs
	v.speechMs = 0
	if v.active && v.silenceMs >= v.config.MinSilenceMs {
		v.active = false
		v.speechEndMs = positionMs - int64(v.silenceMs)
		if v.speechEndMs < v.speechStartMs {
			v.speechEndMs = v.speechStartMs
		}
		return VADSpeechStop
	}
	return VADNone
}

// Active reports whether the detector currently considers speech in
// progress.
func (v *VAD) Active() bool {
	return v.active
}

// SpeechStartMs returns the timestamp of the last speech start.
func (v *VAD) SpeechStartMs() int64 {
	return v.speechStartMs
}

// SpeechEndMs returns the timestamp of the last speech stop.
func (v *VAD) SpeechEndMs() int64 {
	return v.speechEndMs
}

// Reset returns the detector to its idle state.
func (v *VAD) Reset() {
	v.active = false
	v.speechMs = 0
	v.silenceMs = 0
	v.speechStartMs = 0
	v.speechEndMs = 0
}
