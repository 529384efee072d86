// Package control is the Control Channel Server: it accepts reliable TCP
// connections, frames line-delimited JSON messages, and dispatches them by
// type against the Session Registry, Chat & Presence Engine, and File
// Transfer Broker. It generalizes the teacher's websocket accept/upgrade
// loop and per-connection reader/writer goroutines
// (internal/server_handler.go, internal/server_room.go) to the spec's raw
// line-delimited JSON wire format.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/lanconf/hub/internal/chat"
	"github.com/lanconf/hub/internal/metrics"
	"github.com/lanconf/hub/internal/proto"
	"github.com/lanconf/hub/internal/registry"
	"github.com/lanconf/hub/internal/transfer"
)

// Server is the running control channel listener.
type Server struct {
	addr     string
	registry *registry.Registry
	chat     *chat.Engine
	broker   *transfer.Broker

	chatLog     *log.Logger
	transferLog *log.Logger
	presentLog  *log.Logger

	limiter *rateLimiter
	metrics *metrics.Registry

	ln net.Listener
}

// SetMetrics installs the shared counter registry. Optional; every counter
// increment is a no-op until this is called.
func (s *Server) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

func (s *Server) incConn() {
	if s.metrics != nil {
		s.metrics.IncConnection()
	}
}

func (s *Server) decConn() {
	if s.metrics != nil {
		s.metrics.DecConnection()
	}
}

func (s *Server) incLogin() {
	if s.metrics != nil {
		s.metrics.IncLogin()
	}
}

func (s *Server) incChatMsg() {
	if s.metrics != nil {
		s.metrics.IncChatMessage()
	}
}

func (s *Server) incUnicastMsg() {
	if s.metrics != nil {
		s.metrics.IncUnicastMessage()
	}
}

func (s *Server) incFileOffer() {
	if s.metrics != nil {
		s.metrics.IncFileOffer()
	}
}

func (s *Server) incFileDownload() {
	if s.metrics != nil {
		s.metrics.IncFileDownload()
	}
}

func (s *Server) incMailboxDrop() {
	if s.metrics != nil {
		s.metrics.AddMailboxDrops(1)
	}
}

// New builds a control server. Any of the *log.Logger sinks may be nil, in
// which case that category of event is not logged.
func New(addr string, reg *registry.Registry, chatEngine *chat.Engine, broker *transfer.Broker, chatLog, transferLog, presentLog *log.Logger) *Server {
	return &Server{
		addr:        addr,
		registry:    reg,
		chat:        chatEngine,
		broker:      broker,
		chatLog:     chatLog,
		transferLog: transferLog,
		presentLog:  presentLog,
		limiter:     newRateLimiter(rateLimitPerUID, rateLimitWindow),
	}
}

func (s *Server) logChat(format string, args ...any) {
	if s.chatLog != nil {
		s.chatLog.Printf(format, args...)
	}
}

func (s *Server) logTransfer(format string, args ...any) {
	if s.transferLog != nil {
		s.transferLog.Printf(format, args...)
	}
}

func (s *Server) logPresent(format string, args ...any) {
	if s.presentLog != nil {
		s.presentLog.Printf(format, args...)
	}
}

// ListenAndServe binds the control port and accepts connections until ctx
// is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound TCP address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handleConn(conn net.Conn) {
	sess := newSession(conn, s.incMailboxDrop)
	s.incConn()
	go sess.writeLoop()
	defer s.cleanup(sess)

	scanner := newLineScanner(conn)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		if sess.state == stateAwaitingLogin {
			if !s.handleAwaitingLogin(sess, line) {
				return
			}
			continue
		}

		if s.dispatchActive(sess, line) {
			return
		}
	}

	if err := scanner.Err(); err != nil && errors.Is(err, bufio.ErrTooLong) {
		_ = writeDirect(conn, proto.NewError("frame too large"))
	}
}

// handleAwaitingLogin processes the single message type accepted before
// login. Returns false if the caller should stop reading (either login
// failed, or any other message was sent in this phase).
func (s *Server) handleAwaitingLogin(sess *session, line []byte) bool {
	msg, err := proto.Decode(line)
	if err != nil {
		_ = writeDirect(sess.conn, proto.NewError("expected login"))
		return false
	}
	login, ok := msg.(*proto.Login)
	if !ok {
		_ = writeDirect(sess.conn, proto.NewError("expected login"))
		return false
	}

	uid, err := s.registry.Register(login.Username)
	if err != nil {
		_ = writeDirect(sess.conn, proto.NewError("name empty"))
		return false
	}

	sess.uid = uid
	sess.name = login.Username
	s.chat.Join(uid, login.Username, sess.mbx)
	sess.state = stateActive
	s.incLogin()

	sess.send(proto.LoginSuccess{Type: proto.TypeLoginSuccess, UID: uid})
	sess.send(proto.ParticipantListMsg{Type: proto.TypeParticipantList, Participants: toParticipantInfos(s.registry.Snapshot())})
	sess.send(proto.HistoryMsg{Type: proto.TypeHistory, Messages: toHistoryEntries(s.chat.History())})

	joined, _ := proto.Encode(proto.UserJoined{Type: proto.TypeUserJoined, UID: uid, Username: login.Username})
	s.chat.BroadcastExcept(joined, uid)

	s.logChat("join uid=%d name=%q", uid, login.Username)
	return true
}

func toParticipantInfos(infos []registry.Info) []proto.ParticipantInfo {
	out := make([]proto.ParticipantInfo, len(infos))
	for i, inf := range infos {
		out[i] = proto.ParticipantInfo{UID: inf.UID, Username: inf.Username}
	}
	return out
}

// dispatchActive handles one message while the session is active. Returns
// true if the caller should stop reading (logout, or a transport-level
// reason to give up on this connection).
func (s *Server) dispatchActive(sess *session, line []byte) bool {
	msg, err := proto.Decode(line)
	if err != nil {
		sess.send(proto.NewError("malformed"))
		return false
	}

	switch m := msg.(type) {
	case *proto.Heartbeat:
		sess.send(proto.HeartbeatAck{Type: proto.TypeHeartbeatAck})

	case *proto.Chat:
		s.handleChatLike(sess, m.Text, proto.TypeChat)

	case *proto.Broadcast:
		s.handleChatLike(sess, m.Text, proto.TypeBroadcast)

	case *proto.Unicast:
		s.handleUnicast(sess, m)

	case *proto.GetHistory:
		sess.send(proto.HistoryMsg{Type: proto.TypeHistory, Messages: toHistoryEntries(s.chat.History())})

	case *proto.FileOffer:
		s.handleFileOffer(sess, m)

	case *proto.FileRequest:
		s.handleFileRequest(sess, m)

	case *proto.PresentStart:
		s.handlePresentStart(sess, m)

	case *proto.PresentStop:
		s.handlePresentStop(sess)

	case *proto.Logout:
		sess.state = stateClosing
		return true

	default:
		sess.send(proto.NewError("malformed"))
	}
	return false
}

func (s *Server) handleChatLike(sess *session, text, kind string) {
	if !s.limiter.allow(sess.uid) {
		sess.send(proto.NewError("rate limit exceeded"))
		return
	}
	now := time.Now()
	s.chat.Append(chat.Entry{TS: now, UID: sess.uid, Username: sess.name, Kind: chat.Kind(kind), Text: text})
	payload, _ := proto.Encode(proto.ChatOut{Type: kind, UID: sess.uid, Username: sess.name, Text: text, TS: tsString(now)})
	s.chat.Broadcast(payload)
	s.incChatMsg()
	s.logChat("%s uid=%d name=%q text=%q", kind, sess.uid, sess.name, text)
}

func (s *Server) handleUnicast(sess *session, m *proto.Unicast) {
	if !s.limiter.allow(sess.uid) {
		sess.send(proto.NewError("rate limit exceeded"))
		return
	}
	target, ok := s.registry.Lookup(m.TargetUID)
	if !ok {
		sess.send(proto.NewError("unknown target_uid"))
		return
	}
	now := time.Now()
	targetUID := m.TargetUID
	s.chat.Append(chat.Entry{TS: now, UID: sess.uid, Username: sess.name, Kind: chat.KindUnicast, TargetUID: &targetUID, Text: m.Text})

	out, _ := proto.Encode(proto.UnicastOut{
		Type: proto.TypeUnicast, FromUID: sess.uid, FromUsername: sess.name,
		ToUID: target.UID, ToUsername: target.Username, Text: m.Text, TS: tsString(now),
	})
	s.chat.Deliver(out, target.UID)
	sess.send(proto.UnicastSent{Type: proto.TypeUnicastSent, TargetUID: target.UID})
	s.incUnicastMsg()
	s.logChat("unicast uid=%d target=%d text=%q", sess.uid, target.UID, m.Text)
}

func (s *Server) handleFileOffer(sess *session, m *proto.FileOffer) {
	port, err := s.broker.OfferUpload(m.FID, m.Filename, m.Size, sess.uid)
	if err != nil {
		sess.send(proto.NewError(fileOfferErrorReason(err)))
		return
	}
	sess.send(proto.FileUploadPort{Type: proto.TypeFileUploadPort, Port: port, FID: m.FID})
	s.incFileOffer()
	s.logTransfer("offer fid=%s filename=%q size=%d uid=%d port=%d", m.FID, m.Filename, m.Size, sess.uid, port)
}

func fileOfferErrorReason(err error) string {
	switch {
	case errors.Is(err, transfer.ErrFileTooLarge):
		return "size exceeds 100MiB cap"
	case errors.Is(err, transfer.ErrNameEmpty):
		return "invalid filename"
	case errors.Is(err, transfer.ErrDuplicateFID):
		return "fid already offered"
	case errors.Is(err, transfer.ErrNoEphemeralPort):
		return "no ephemeral port available"
	default:
		return "file offer failed"
	}
}

func (s *Server) handleFileRequest(sess *session, m *proto.FileRequest) {
	port, filename, size, err := s.broker.RequestDownload(m.FID)
	if err != nil {
		sess.send(proto.NewError("file not available"))
		return
	}
	sess.send(proto.FileDownloadPort{Type: proto.TypeFileDownloadPort, Port: port, FID: m.FID, Filename: filename, Size: size})
	s.incFileDownload()
	s.logTransfer("request fid=%s uid=%d port=%d", m.FID, sess.uid, port)
}

// BroadcastFileAvailable is called by the supervisor's broker.onAvailable
// hook once an upload completes.
func (s *Server) BroadcastFileAvailable(fid, filename string, size int64, offererUID uint64) {
	name := ""
	if info, ok := s.registry.Lookup(offererUID); ok {
		name = info.Username
	}
	payload, _ := proto.Encode(proto.FileAvailable{
		Type: "file_available", FID: fid, Filename: filename, Size: size,
		OffererUID: offererUID, OffererUsername: name,
	})
	s.chat.Broadcast(payload)
	s.logTransfer("available fid=%s filename=%q size=%d offerer=%d", fid, filename, size, offererUID)
}

func (s *Server) handlePresentStart(sess *session, m *proto.PresentStart) {
	s.chat.SetPresenting(sess.uid, true)
	payload, _ := proto.Encode(proto.PresentStartBroadcast{
		Type: proto.TypePresentStartBroadcast, UID: sess.uid, Username: sess.name, Topic: m.Topic,
	})
	s.chat.Broadcast(payload)
	s.logPresent("start uid=%d name=%q topic=%q", sess.uid, sess.name, m.Topic)
}

func (s *Server) handlePresentStop(sess *session) {
	s.chat.SetPresenting(sess.uid, false)
	payload, _ := proto.Encode(proto.PresentStopBroadcast{Type: proto.TypePresentStopBroadcast, UID: sess.uid})
	s.chat.Broadcast(payload)
	s.logPresent("stop uid=%d name=%q", sess.uid, sess.name)
}

func (s *Server) cleanup(sess *session) {
	sess.close()
	s.decConn()
	if sess.state == stateAwaitingLogin {
		return
	}
	s.registry.Unregister(sess.uid)
	s.chat.Leave(sess.uid)
	s.broker.CancelPendingFor(sess.uid)
	s.limiter.forget(sess.uid)

	left, _ := proto.Encode(proto.UserLeft{Type: proto.TypeUserLeft, UID: sess.uid, Username: sess.name})
	s.chat.Broadcast(left)
	s.logChat("leave uid=%d name=%q", sess.uid, sess.name)
}
