package video

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func dialVideo(t *testing.T, addr net.Addr) *net.UDPConn {
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

func sendChunks(t *testing.T, conn *net.UDPConn, senderUID uint32, frameID uint32, kind StreamKind, frame []byte, chunkSize int) {
	t.Helper()
	total := (len(frame) + chunkSize - 1) / chunkSize
	for i := 0; i < total; i++ {
		off := i * chunkSize
		end := off + chunkSize
		if end > len(frame) {
			end = len(frame)
		}
		h := header{SenderUID: senderUID, FrameID: frameID, ChunkIndex: uint16(i), ChunkTotal: uint16(total), StreamKind: kind}
		buf := encodeHeader(h, frame[off:end])
		if _, err := conn.Write(buf); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
}

func recvFrame(t *testing.T, conn *net.UDPConn, expectedLen int) []byte {
	t.Helper()
	collected := make(map[uint16][]byte)
	var total uint16
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		h, payload, ok := decodeHeader(buf[:n])
		if !ok {
			t.Fatalf("bad chunk header")
		}
		total = h.ChunkTotal
		cp := make([]byte, len(payload))
		copy(cp, payload)
		collected[h.ChunkIndex] = cp
		if uint16(len(collected)) == total {
			break
		}
	}
	var out []byte
	for i := uint16(0); i < total; i++ {
		out = append(out, collected[i]...)
	}
	if len(out) != expectedLen {
		t.Fatalf("expected %d reassembled bytes, got %d", expectedLen, len(out))
	}
	return out
}

func TestFanoutDeliversToOthersNotSender(t *testing.T) {
	e, err := NewEngine("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	go e.Run()
	defer e.Close()

	sender := dialVideo(t, e.Addr())
	defer sender.Close()
	viewer := dialVideo(t, e.Addr())
	defer viewer.Close()

	// register the viewer's endpoint by having it send a one-byte probe
	// frame first, the same way a real client's own stream registers it.
	sendChunks(t, viewer, 99, 0, Webcam, []byte("x"), MaxChunkPayload)
	_ = recvFrameFromSender(t, sender)

	frame := bytes.Repeat([]byte{0xAB}, 3500) // spans multiple chunks
	sendChunks(t, sender, 1, 1, Webcam, frame, MaxChunkPayload)

	got := recvFrame(t, viewer, len(frame))
	if !bytes.Equal(got, frame) {
		t.Fatalf("reassembled frame does not match original")
	}

	// sender must never receive its own broadcast back.
	_ = sender.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 2048)
	if _, err := sender.Read(buf); err == nil {
		t.Fatalf("sender unexpectedly received its own frame back")
	}
}

// recvFrameFromSender drains whatever the probe frame fans out to sender,
// if anything (there may be nothing, since viewer was the only other
// registered endpoint when the probe was sent and it's the probe's own
// sender).
func recvFrameFromSender(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func TestAssemblerDiscardsStalePartialFrame(t *testing.T) {
	set := newAssemblerSet()
	h := header{SenderUID: 1, FrameID: 5, ChunkIndex: 0, ChunkTotal: 2, StreamKind: Webcam}
	if _, ok := set.insert(h, []byte("a"), time.Now()); ok {
		t.Fatalf("single chunk of two should not complete the frame")
	}
	late := time.Now().Add(600 * time.Millisecond)
	set.mu.Lock()
	set.evictLocked(late)
	_, exists := set.byFrame[5]
	set.mu.Unlock()
	if exists {
		t.Fatalf("expected stale partial frame to be evicted")
	}
}
