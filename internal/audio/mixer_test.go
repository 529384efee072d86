package audio

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func dial(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *net.UDPConn, uid, seq uint32, pcm []int16) {
	t.Helper()
	payload, err := PCM16Codec{}.Encode(pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uid)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *net.UDPConn) []int16 {
	t.Helper()
	buf := make([]byte, 64*1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	buf = buf[:n]
	length := binary.BigEndian.Uint32(buf[12:16])
	pcm, err := PCM16Codec{}.Decode(buf[headerSize : headerSize+int(length)])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return pcm
}

func tone(amplitude int16) []int16 {
	out := make([]int16, FrameSamples)
	for i := range out {
		out[i] = amplitude
	}
	return out
}

func TestMixerSilenceProducesZeroOutput(t *testing.T) {
	e, err := NewEngine("127.0.0.1:0", PCM16Codec{}, PCM16Codec{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	go e.Run()
	defer e.Close()

	a := dial(t, e.Addr())
	defer a.Close()

	sendFrame(t, a, 1, 0, tone(0))
	pcm := readFrame(t, a)
	for _, s := range pcm {
		if s != 0 {
			t.Fatalf("expected all-zero mix, got sample %d", s)
		}
	}
}

func TestMixerSelfExclusion(t *testing.T) {
	e, err := NewEngine("127.0.0.1:0", PCM16Codec{}, PCM16Codec{}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	go e.Run()
	defer e.Close()

	a := dial(t, e.Addr())
	defer a.Close()
	b := dial(t, e.Addr())
	defer b.Close()

	// A sends a loud distinctive tone, B sends silence. A must never hear
	// its own signal back.
	for seq := uint32(0); seq < 3; seq++ {
		sendFrame(t, a, 1, seq, tone(20000))
		sendFrame(t, b, 2, seq, tone(0))
		time.Sleep(TickInterval)
	}

	pcmA := readFrame(t, a)
	for _, s := range pcmA {
		if s != 0 {
			t.Fatalf("A's mix should be silent (B sent silence, A excluded): got %d", s)
		}
	}
}

func TestJitterSlotDropsLateFrames(t *testing.T) {
	s := newJitterSlot()
	s.insert(5, []int16{1})
	s.lock()
	pcm, ok := s.popAtCursorLocked()
	s.unlock()
	if !ok || pcm[0] != 1 {
		t.Fatalf("expected frame at cursor 5")
	}
	s.insert(5, []int16{2}) // now stale, cursor advanced to 6
	s.lock()
	_, ok = s.popAtCursorLocked()
	s.unlock()
	if ok {
		t.Fatalf("expected no frame at cursor 6, late insert should have been dropped")
	}
}
