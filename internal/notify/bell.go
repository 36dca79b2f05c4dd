// Package notify rings an audible bell when a chat message arrives.
package notify

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

const (
	SampleRate = beep.SampleRate(44100)

	// MinInterval suppresses rings that follow each other too closely.
	MinInterval = 500 * time.Millisecond

	toneFrequency = 880.0
	toneDuration  = 150 * time.Millisecond
)

var (
	speakerInitOnce sync.Once
	speakerInitErr  error
)

// Bell plays a short sound. The zero value is not usable; call NewBell.
type Bell struct {
	logger *slog.Logger
	clip   *beep.Buffer
	play   func(beep.Streamer) error

	mu   sync.Mutex
	last time.Time
}

// NewBell returns a bell playing the wav or mp3 file at soundPath, or a
// generated tone when soundPath is empty. The clip is decoded once here.
func NewBell(soundPath string, logger *slog.Logger) (*Bell, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bell{logger: logger, play: playOnSpeaker}
	if soundPath == "" {
		return b, nil
	}

	data, err := os.ReadFile(soundPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bell sound: %w", err)
	}
	clip, err := decodeClip(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(soundPath)), "."))
	if err != nil {
		return nil, err
	}
	b.clip = clip
	return b, nil
}

// Ring starts the sound and returns without waiting for it to finish.
// Calls within MinInterval of the previous ring are ignored.
func (b *Bell) Ring() {
	b.mu.Lock()
	now := time.Now()
	if !b.last.IsZero() && now.Sub(b.last) < MinInterval {
		b.mu.Unlock()
		return
	}
	b.last = now
	b.mu.Unlock()

	var streamer beep.Streamer
	if b.clip != nil {
		streamer = b.clip.Streamer(0, b.clip.Len())
	} else {
		streamer = Tone(SampleRate, toneFrequency, toneDuration)
	}
	if err := b.play(streamer); err != nil {
		b.logger.Warn("bell failed", "err", err)
	}
}

// Tone generates a sine wave at freq Hz lasting d, fading out linearly.
func Tone(sr beep.SampleRate, freq float64, d time.Duration) beep.Streamer {
	total := sr.N(d)
	step := 2 * math.Pi * freq / float64(sr)
	pos := 0

	return beep.Take(total, beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			fade := 1 - float64(pos)/float64(total)
			if fade < 0 {
				fade = 0
			}
			v := 0.3 * fade * math.Sin(step*float64(pos))
			samples[i][0] = v
			samples[i][1] = v
			pos++
		}
		return len(samples), true
	}))
}

func decodeClip(data []byte, format string) (*beep.Buffer, error) {
	reader := io.NopCloser(bytes.NewReader(data))

	var streamer beep.StreamSeekCloser
	var streamFormat beep.Format
	var err error

	switch format {
	case "mp3":
		streamer, streamFormat, err = mp3.Decode(reader)
	case "wav":
		streamer, streamFormat, err = wav.Decode(reader)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	defer streamer.Close()

	buffer := beep.NewBuffer(beep.Format{SampleRate: SampleRate, NumChannels: 2, Precision: 2})
	buffer.Append(beep.Resample(4, streamFormat.SampleRate, SampleRate, streamer))
	return buffer, nil
}

func playOnSpeaker(s beep.Streamer) error {
	speakerInitOnce.Do(func() {
		speakerInitErr = speaker.Init(SampleRate, SampleRate.N(time.Second/10))
	})
	if speakerInitErr != nil {
		return fmt.Errorf("failed to initialise speaker: %w", speakerInitErr)
	}
	speaker.Play(s)
	return nil
}
