package comm

import (
	"sync"

	"github.com/google/uuid"
)

// SoundHandle identifies one logical playback stream at the audio sink.
// Reusing the handle across buffers continues the same stream.
type SoundHandle string

// NewSoundHandle returns a fresh playback handle.
func NewSoundHandle() SoundHandle {
	return SoundHandle(uuid.NewString())
}

// Vector3 is a position for spatial playback.
type Vector3 struct {
	X, Y, Z float64
}

// AudioSink is the external playback collaborator decoded call audio is
// handed to. PlayBuffer and PlayBuffer3D return the handle the sink chose;
// callers pass it back for continuous playback.
type AudioSink interface {
	PlayBuffer(frame AudioFrame, category string, handle SoundHandle) SoundHandle
	PlayBuffer3D(frame AudioFrame, category string, pos Vector3, handle SoundHandle) SoundHandle
	StopSound(handle SoundHandle)
}

// audioFeed accumulates decoded audio frames until a minimum amount is
// buffered, then flushes them to the sink as one flat buffer on a single
// reused playback handle. Frames arrive on the connection loop while stop
// comes from the session's caller-facing teardown paths, so the feed
// carries its own lock.
type audioFeed struct {
	sink     AudioSink
	category string
	minBytes int
	spatial  bool

	mu       sync.Mutex
	position Vector3
	handle   SoundHandle
	buf      []byte
	rate     int
	width    int
	channels int
}

func newAudioFeed(sink AudioSink, category string, minBytes int, spatial bool) *audioFeed {
	if minBytes <= 0 {
		minBytes = 8192
	}
	return &audioFeed{
		sink:     sink,
		category: category,
		minBytes: minBytes,
		spatial:  spatial,
	}
}

// setPosition updates where spatial playback is located.
func (f *audioFeed) setPosition(pos Vector3) {
	f.mu.Lock()
	f.position = pos
	f.mu.Unlock()
}

// push appends a frame and flushes when enough audio accumulated.
// A change of sample format flushes whatever was buffered first.
func (f *audioFeed) push(frame AudioFrame) {
	if f.sink == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) > 0 && (frame.SampleRate != f.rate || frame.SampleWidth != f.width || frame.Channels != f.channels) {
		f.flushLocked()
	}

	f.rate = frame.SampleRate
	f.width = frame.SampleWidth
	f.channels = frame.Channels
	f.buf = append(f.buf, frame.Data...)

	if len(f.buf) >= f.minBytes {
		f.flushLocked()
	}
}

func (f *audioFeed) flushLocked() {
	if len(f.buf) == 0 || f.sink == nil {
		return
	}

	frame := AudioFrame{
		Data:        f.buf,
		SampleRate:  f.rate,
		SampleWidth: f.width,
		Channels:    f.channels,
	}
	if f.spatial {
		f.handle = f.sink.PlayBuffer3D(frame, f.category, f.position, f.handle)
	} else {
		f.handle = f.sink.PlayBuffer(frame, f.category, f.handle)
	}
	f.buf = nil
}

// stop halts the playback stream and drops buffered audio.
func (f *audioFeed) stop() {
	f.mu.Lock()
	handle := f.handle
	f.handle = ""
	f.buf = nil
	f.mu.Unlock()

	if f.sink != nil && handle != "" {
		f.sink.StopSound(handle)
	}
}
