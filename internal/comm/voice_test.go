package comm_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/tetherim/tether/internal/comm"
	"github.com/tetherim/tether/internal/transport/memory"
)

type sinkCall struct {
	frame    comm.AudioFrame
	category string
	pos      comm.Vector3
	spatial  bool
	handle   comm.SoundHandle
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	stopped []comm.SoundHandle
}

func (s *fakeSink) PlayBuffer(frame comm.AudioFrame, category string, handle comm.SoundHandle) comm.SoundHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle == "" {
		handle = comm.NewSoundHandle()
	}
	s.calls = append(s.calls, sinkCall{frame: frame, category: category, handle: handle})
	return handle
}

func (s *fakeSink) PlayBuffer3D(frame comm.AudioFrame, category string, pos comm.Vector3, handle comm.SoundHandle) comm.SoundHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle == "" {
		handle = comm.NewSoundHandle()
	}
	s.calls = append(s.calls, sinkCall{frame: frame, category: category, pos: pos, spatial: true, handle: handle})
	return handle
}

func (s *fakeSink) StopSound(handle comm.SoundHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, handle)
}

func (s *fakeSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall{}, s.calls...)
}

func openCallConnection(t *testing.T, transport *memory.Transport, opts comm.Options) (*comm.Connection, *memory.Link, *comm.Contact) {
	t.Helper()
	transport.AddContact(contactInfo("alice@example.com", comm.PresenceYes, comm.PresenceYes))
	conn := openConnection(t, transport, opts)
	return conn, transport.LastLink(), rosterContact(t, conn, "alice@example.com")
}

func frame(data []byte) comm.AudioFrame {
	return comm.AudioFrame{Data: data, SampleRate: 16000, SampleWidth: 16, Channels: 1}
}

func TestOutgoingCallOpensWithAudioStream(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })

	channel := link.LastMediaChannel()
	streams := channel.Streams()
	if len(streams) != 1 || streams[0].Kind() != comm.StreamAudio {
		t.Fatalf("expected exactly one audio stream, got %v", streams)
	}
	if session.Peer() != alice {
		t.Fatalf("peer must be the dialed contact")
	}
	if !session.SendingAudio() {
		t.Fatalf("outgoing audio must be reported once the stream exists")
	}
	if session.ReceivingAudio() {
		t.Fatalf("receiving audio must stay false while the pipeline is connecting")
	}
}

func TestReceivingAudioRequiresOpenPipelineAndConnectedStream(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	channel := link.LastMediaChannel()

	channel.SetPipeline(comm.PipelineConnected)
	time.Sleep(20 * time.Millisecond)
	if session.ReceivingAudio() {
		t.Fatalf("receiving audio must stay false while the stream is connecting")
	}

	stream := channel.Streams()[0].(*memory.Stream)
	stream.SetState(comm.StreamConnected)
	waitFor(t, "receiving audio", func() bool { return session.ReceivingAudio() })

	session.Close()
	waitFor(t, "call closed", func() bool { return session.State() == comm.VoiceClosed })
	if session.ReceivingAudio() {
		t.Fatalf("receiving audio must drop when the session closes")
	}
}

func TestIncomingCallRingsAndAccepts(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	channel := memory.NewMediaChannel(comm.Identity{ID: "alice@example.com"})
	link.OfferMedia(channel)

	var session *comm.VoiceSession
	waitFor(t, "ringing call", func() bool {
		sessions := conn.VoiceSessions()
		if len(sessions) == 0 {
			return false
		}
		session = sessions[0]
		return session.State() == comm.VoiceRingingLocal
	})
	if !session.Incoming() {
		t.Fatalf("session must be marked incoming")
	}
	if session.Peer() != alice {
		t.Fatalf("caller must resolve to the roster contact")
	}

	session.Accept()
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	if channel.AcceptCalls() != 1 {
		t.Fatalf("expected 1 accept, got %d", channel.AcceptCalls())
	}
	if len(channel.Streams()) != 1 {
		t.Fatalf("audio stream must be negotiated after accept")
	}
}

func TestRejectClosesWithSynthesizedReason(t *testing.T) {
	transport := memory.New()
	conn, link, _ := openCallConnection(t, transport, comm.Options{})

	channel := memory.NewMediaChannel(comm.Identity{ID: "alice@example.com"})
	link.OfferMedia(channel)

	var session *comm.VoiceSession
	waitFor(t, "ringing call", func() bool {
		sessions := conn.VoiceSessions()
		if len(sessions) == 0 {
			return false
		}
		session = sessions[0]
		return session.State() == comm.VoiceRingingLocal
	})

	session.Reject()
	if session.State() != comm.VoiceClosed {
		t.Fatalf("expected closed after reject, got %s", session.State())
	}
	if session.Reason() != "User rejected incoming call." {
		t.Fatalf("unexpected close reason %q", session.Reason())
	}
	if channel.CloseRequests() != 1 {
		t.Fatalf("expected 1 close request, got %d", channel.CloseRequests())
	}

	session.Close()
	session.Reject()
	if channel.CloseRequests() != 1 {
		t.Fatalf("close must be requested exactly once, got %d", channel.CloseRequests())
	}
	if session.Reason() != "User rejected incoming call." {
		t.Fatalf("close reason must survive later calls, got %q", session.Reason())
	}
}

func TestAcceptOutsideRingingIsIgnored(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })

	session.Accept()
	time.Sleep(20 * time.Millisecond)
	if link.LastMediaChannel().AcceptCalls() != 0 {
		t.Fatalf("accept must be ignored on an outgoing call")
	}
}

func TestPipelineFailureIsTerminal(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })

	link.LastMediaChannel().SetPipeline(comm.PipelineFailed)
	waitFor(t, "call error", func() bool { return session.State() == comm.VoiceError })
	if session.ReceivingAudio() || session.SendingAudio() {
		t.Fatalf("no media may be reported after pipeline failure")
	}
}

func TestPipelineDisconnectEndsCall(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	channel := link.LastMediaChannel()

	channel.SetPipeline(comm.PipelineDisconnected)
	waitFor(t, "call closed", func() bool { return session.State() == comm.VoiceClosed })
	if channel.CloseRequests() != 1 {
		t.Fatalf("expected 1 close request, got %d", channel.CloseRequests())
	}
}

func TestCallAudioAccumulatesBeforePlayback(t *testing.T) {
	transport := memory.New()
	sink := &fakeSink{}
	conn, link, alice := openCallConnection(t, transport, comm.Options{Audio: sink, AudioBufferBytes: 8})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	channel := link.LastMediaChannel()

	channel.EmitAudio(frame([]byte{1, 2, 3, 4, 5}))
	time.Sleep(20 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatalf("audio below the threshold must not be played yet")
	}

	channel.EmitAudio(frame([]byte{6, 7, 8, 9, 10}))
	waitFor(t, "first playback", func() bool { return len(sink.snapshot()) == 1 })

	first := sink.snapshot()[0]
	if !bytes.Equal(first.frame.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}) {
		t.Fatalf("buffered audio must be flushed as one buffer, got %v", first.frame.Data)
	}
	if first.spatial {
		t.Fatalf("playback must not be spatial by default")
	}

	channel.EmitAudio(frame(bytes.Repeat([]byte{9}, 8)))
	waitFor(t, "second playback", func() bool { return len(sink.snapshot()) == 2 })
	if sink.snapshot()[1].handle != first.handle {
		t.Fatalf("playback handle must be reused for continuous audio")
	}
}

func TestCloseWhileAudioFramesArrive(t *testing.T) {
	transport := memory.New()
	sink := &fakeSink{}
	conn, link, alice := openCallConnection(t, transport, comm.Options{Audio: sink, AudioBufferBytes: 4})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	channel := link.LastMediaChannel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			channel.EmitAudio(frame([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
		}
	}()

	time.Sleep(2 * time.Millisecond)
	session.SetStateHandler(func(comm.VoiceSessionState, string) {})
	session.Close()
	<-done

	waitFor(t, "call closed", func() bool { return session.State() == comm.VoiceClosed })
	if channel.CloseRequests() != 1 {
		t.Fatalf("expected 1 close request, got %d", channel.CloseRequests())
	}
}

func TestSpatialPlaybackUsesPosition(t *testing.T) {
	transport := memory.New()
	sink := &fakeSink{}
	conn, link, alice := openCallConnection(t, transport, comm.Options{
		Audio:            sink,
		AudioBufferBytes: 4,
		SpatialAudio:     true,
	})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })

	session.SetPlaybackPosition(comm.Vector3{X: 1, Y: 2, Z: 3})
	link.LastMediaChannel().EmitAudio(frame([]byte{1, 2, 3, 4}))

	waitFor(t, "spatial playback", func() bool { return len(sink.snapshot()) == 1 })
	call := sink.snapshot()[0]
	if !call.spatial {
		t.Fatalf("expected spatial playback")
	}
	if call.pos != (comm.Vector3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected playback position %v", call.pos)
	}
}

func TestMuteTogglesAudioDirection(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	waitFor(t, "sending audio", func() bool { return session.SendingAudio() })

	session.SetMuted(true)
	waitFor(t, "muted", func() bool { return !session.SendingAudio() })
	if !session.Muted() {
		t.Fatalf("mute flag must be set")
	}

	session.SetMuted(false)
	waitFor(t, "unmuted", func() bool { return session.SendingAudio() })

	stream := link.LastMediaChannel().Streams()[0]
	if stream.Direction()&comm.DirectionSend == 0 {
		t.Fatalf("send direction must be restored after unmute")
	}
}

func TestVideoToggleAddsAndDropsStream(t *testing.T) {
	transport := memory.New()
	conn, link, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call open", func() bool { return session.State() == comm.VoiceOpen })
	channel := link.LastMediaChannel()

	session.SendVideoData(true)
	waitFor(t, "sending video", func() bool { return session.SendingVideo() })
	if len(channel.Streams()) != 2 {
		t.Fatalf("expected audio and video streams, got %d", len(channel.Streams()))
	}

	session.SendVideoData(false)
	waitFor(t, "video stopped", func() bool { return !session.SendingVideo() })
}

func TestOutgoingCallChannelFailure(t *testing.T) {
	transport := memory.New()
	transport.SetLinkSetup(func(l *memory.Link) { l.MediaFailure = "callee is busy" })
	conn, _, alice := openCallConnection(t, transport, comm.Options{})

	session := conn.OpenVoiceSession(alice)
	waitFor(t, "call error", func() bool { return session.State() == comm.VoiceError })
	if session.Reason() != "Cannot create connection: callee is busy" {
		t.Fatalf("unexpected reason %q", session.Reason())
	}
}
