package client

import (
	"math"
	"time"
)

// Cue names a notification sound the SDK asks the embedder to play.
type Cue int

const (
	// CueUserJoined plays when another participant enters the room.
	CueUserJoined Cue = iota
	// CueUserLeft plays when a participant departs.
	CueUserLeft
	// CueWaiting plays when the local session lands in the waiting room.
	CueWaiting
)

// Notifier is the embedder's audio sink. Play receives short one-shot cues;
// KeepAlive brackets the inaudible hold tone that keeps the platform audio
// path scheduled while the app is backgrounded with screen media active.
// Both methods are called from SDK goroutines and must not block.
type Notifier interface {
	Play(cue Cue)
	KeepAlive(active bool)
}

// cueChords maps each cue to its two-note chord. Join rises, leave falls,
// waiting repeats a single tone.
var cueChords = map[Cue][2]float64{
	CueUserJoined: {523.25, 659.25}, // C5 -> E5
	CueUserLeft:   {659.25, 523.25}, // E5 -> C5
	CueWaiting:    {587.33, 587.33}, // D5 twice
}

const (
	cueNoteDuration = 180 * time.Millisecond
	cueNoteGap      = 40 * time.Millisecond
	cueAttack       = 8 * time.Millisecond
	cueAmplitude    = 0.25

	holdToneFrequency = 25.0   // below the audible floor at this amplitude
	holdToneAmplitude = 0.0008 // keeps the output graph alive without being heard
)

// SynthesizeCue renders the chord pair for a cue as mono float32 PCM at the
// given sample rate. Embedders that map cues to their own assets can ignore
// this and switch on the Cue in their Notifier instead.
func SynthesizeCue(cue Cue, sampleRate int) []float32 {
	chord, ok := cueChords[cue]
	if !ok || sampleRate <= 0 {
		return nil
	}
	note := samplesFor(cueNoteDuration, sampleRate)
	gap := samplesFor(cueNoteGap, sampleRate)
	out := make([]float32, 0, note*2+gap)
	out = appendNote(out, chord[0], sampleRate, note)
	out = append(out, make([]float32, gap)...)
	out = appendNote(out, chord[1], sampleRate, note)
	return out
}

// HoldTone renders d worth of the keep-alive tone: a near-silent
// low-frequency sine whose only job is to keep an audio graph scheduled.
func HoldTone(sampleRate int, d time.Duration) []float32 {
	if sampleRate <= 0 || d <= 0 {
		return nil
	}
	out := make([]float32, samplesFor(d, sampleRate))
	step := 2 * math.Pi * holdToneFrequency / float64(sampleRate)
	for i := range out {
		out[i] = float32(holdToneAmplitude * math.Sin(step*float64(i)))
	}
	return out
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(float64(sampleRate) * d.Seconds())
}

// appendNote writes one enveloped sine note: a short linear attack, then a
// squared decay to zero so chord boundaries do not click.
func appendNote(dst []float32, freq float64, sampleRate, n int) []float32 {
	attack := samplesFor(cueAttack, sampleRate)
	step := 2 * math.Pi * freq / float64(sampleRate)
	for i := 0; i < n; i++ {
		env := cueAmplitude
		if i < attack {
			env *= float64(i) / float64(attack)
		} else {
			remain := float64(n-i) / float64(n-attack)
			env *= remain * remain
		}
		dst = append(dst, float32(env*math.Sin(step*float64(i))))
	}
	return dst
}
