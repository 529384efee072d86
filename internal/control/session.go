package control

import (
	"bufio"
	"net"
	"time"

	"github.com/lanconf/hub/internal/chat"
	"github.com/lanconf/hub/internal/proto"
)

// maxLineSize is the maximum length of one protocol line, per the spec's
// 64KiB frame cap.
const maxLineSize = 64 * 1024

type sessionState int32

const (
	stateAwaitingLogin sessionState = iota
	stateActive
	stateClosing
)

// session is one control-channel connection's state. It owns its conn,
// mailbox, and everything the spec's state machine needs; cross-component
// requests (registry, chat, transfer) are made by uid, never by sharing
// this struct outward.
type session struct {
	conn net.Conn
	mbx  *chat.Mailbox

	state sessionState
	uid   uint64
	name  string

	stopWrite chan struct{}
}

func newSession(conn net.Conn, onMailboxDrop func()) *session {
	mbx := chat.NewMailbox()
	mbx.SetOnDrop(onMailboxDrop)
	return &session{
		conn:      conn,
		mbx:       mbx,
		state:     stateAwaitingLogin,
		stopWrite: make(chan struct{}),
	}
}

func (s *session) send(v any) {
	frame, err := proto.Encode(v)
	if err != nil {
		return
	}
	s.mbx.Enqueue(frame)
}

// writeLoop drains the mailbox onto the socket until stopWrite closes or a
// write fails.
func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.mbx.C():
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if _, err := s.conn.Write(frame); err != nil {
				return
			}
		case <-s.stopWrite:
			return
		}
	}
}

func (s *session) close() {
	select {
	case <-s.stopWrite:
	default:
		close(s.stopWrite)
	}
	_ = s.conn.Close()
}

// writeDirect bypasses the mailbox for messages that must reach the wire
// even though the session is about to be torn down (the login-phase
// rejections and the "frame too large" close notice).
func writeDirect(conn net.Conn, v any) error {
	frame, err := proto.Encode(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(frame)
	return err
}

func newLineScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)
	scanner.Split(bufio.ScanLines)
	return scanner
}
