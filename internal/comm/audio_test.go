package comm

import (
	"bytes"
	"testing"
)

type recordedPlay struct {
	frame   AudioFrame
	pos     Vector3
	spatial bool
	handle  SoundHandle
}

type recordingSink struct {
	plays   []recordedPlay
	stopped []SoundHandle
}

func (s *recordingSink) PlayBuffer(frame AudioFrame, category string, handle SoundHandle) SoundHandle {
	if handle == "" {
		handle = NewSoundHandle()
	}
	s.plays = append(s.plays, recordedPlay{frame: frame, handle: handle})
	return handle
}

func (s *recordingSink) PlayBuffer3D(frame AudioFrame, category string, pos Vector3, handle SoundHandle) SoundHandle {
	if handle == "" {
		handle = NewSoundHandle()
	}
	s.plays = append(s.plays, recordedPlay{frame: frame, pos: pos, spatial: true, handle: handle})
	return handle
}

func (s *recordingSink) StopSound(handle SoundHandle) {
	s.stopped = append(s.stopped, handle)
}

func pcm(data []byte) AudioFrame {
	return AudioFrame{Data: data, SampleRate: 16000, SampleWidth: 16, Channels: 1}
}

func TestAudioFeedFlushesAtThreshold(t *testing.T) {
	sink := &recordingSink{}
	feed := newAudioFeed(sink, "voice", 8, false)

	feed.push(pcm([]byte{1, 2, 3}))
	if len(sink.plays) != 0 {
		t.Fatalf("audio below the threshold must not be played")
	}

	feed.push(pcm([]byte{4, 5, 6, 7, 8}))
	if len(sink.plays) != 1 {
		t.Fatalf("expected 1 playback, got %d", len(sink.plays))
	}
	if !bytes.Equal(sink.plays[0].frame.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("unexpected flushed data %v", sink.plays[0].frame.Data)
	}

	feed.push(pcm(bytes.Repeat([]byte{7}, 8)))
	if len(sink.plays) != 2 {
		t.Fatalf("expected 2 playbacks, got %d", len(sink.plays))
	}
	if sink.plays[1].handle != sink.plays[0].handle {
		t.Fatalf("playback handle must be reused across flushes")
	}
}

func TestAudioFeedFlushesOnFormatChange(t *testing.T) {
	sink := &recordingSink{}
	feed := newAudioFeed(sink, "voice", 1024, false)

	feed.push(pcm([]byte{1, 2, 3, 4}))

	stereo := pcm([]byte{5, 6})
	stereo.Channels = 2
	feed.push(stereo)

	if len(sink.plays) != 1 {
		t.Fatalf("format change must flush the old buffer, got %d plays", len(sink.plays))
	}
	if !bytes.Equal(sink.plays[0].frame.Data, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected flushed data %v", sink.plays[0].frame.Data)
	}
	if sink.plays[0].frame.Channels != 1 {
		t.Fatalf("flushed buffer must keep the old format")
	}
}

func TestAudioFeedSpatialPlayback(t *testing.T) {
	sink := &recordingSink{}
	feed := newAudioFeed(sink, "voice", 4, true)
	feed.setPosition(Vector3{X: 1, Y: 2, Z: 3})

	feed.push(pcm([]byte{1, 2, 3, 4}))
	if len(sink.plays) != 1 || !sink.plays[0].spatial {
		t.Fatalf("expected one spatial playback")
	}
	if sink.plays[0].pos != (Vector3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected position %v", sink.plays[0].pos)
	}
}

func TestAudioFeedStop(t *testing.T) {
	sink := &recordingSink{}
	feed := newAudioFeed(sink, "voice", 4, false)

	feed.push(pcm([]byte{1, 2, 3, 4}))
	handle := sink.plays[0].handle
	feed.push(pcm([]byte{5}))
	feed.stop()

	if len(sink.stopped) != 1 || sink.stopped[0] != handle {
		t.Fatalf("stop must halt the active playback stream, got %v", sink.stopped)
	}

	feed.push(pcm([]byte{6, 7, 8, 9}))
	if len(sink.plays) != 2 {
		t.Fatalf("feed must keep working after stop")
	}
	if sink.plays[1].handle == handle {
		t.Fatalf("a fresh handle must be used after stop")
	}
}

func TestStateNames(t *testing.T) {
	if ChatOpen.String() != "open" || VoiceRingingLocal.String() != "ringing local" {
		t.Fatalf("unexpected state names: %s %s", ChatOpen, VoiceRingingLocal)
	}
	if ConnectionError.String() != "error" || FriendRequestPending.String() != "pending" {
		t.Fatalf("unexpected state names: %s %s", ConnectionError, FriendRequestPending)
	}
	if StreamAudio.String() != "audio" || StreamVideo.String() != "video" {
		t.Fatalf("unexpected stream kind names: %s %s", StreamAudio, StreamVideo)
	}
}
