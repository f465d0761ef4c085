package call

import (
	"log/slog"
	"sync"
)

type Cue string

const (
	CueRingtone Cue = "ringtone" // incoming call
	CueRingback Cue = "ringback" // waiting for the remote party
)

// CuePlayer starts one audio cue and returns a function that stops it.
type CuePlayer interface {
	Start(cue Cue) (stop func())
}

// AudioCue owns the single tone slot: at most one cue plays at a time, and
// starting a new one stops any prior one first. The call machine holds the
// only reference; there is no package-level player.
type AudioCue struct {
	mu     sync.Mutex
	player CuePlayer
	stop   func()
}

func NewAudioCue(player CuePlayer) *AudioCue {
	return &AudioCue{player: player}
}

func (a *AudioCue) Play(cue Cue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
	if a.player != nil {
		a.stop = a.player.Start(cue)
	}
}

func (a *AudioCue) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		a.stop()
		a.stop = nil
	}
}

// NopPlayer logs cue transitions; useful for headless clients and tests.
type NopPlayer struct{}

func (NopPlayer) Start(cue Cue) func() {
	slog.Debug("audio cue start", slog.String("cue", string(cue)))
	return func() { slog.Debug("audio cue stop", slog.String("cue", string(cue))) }
}
