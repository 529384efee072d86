// Package video is the Video/Screen Fan-out: it reassembles chunked JPEG
// frames sent over UDP by each presenter/webcam sender, and rebroadcasts
// each complete frame to every other known participant's learned
// endpoint. Reassembly is scoped per stream kind; delivery is not: one
// endpoint is learned per uid, and it receives every other sender's
// frames of both kinds. No teacher precedent exists for a
// media plane; this follows the same per-key-mutex idiom as
// internal/server_room.go's Room.files/filesMutex, generalized to a
// bounded, time-evicting map of in-flight frame assemblies.
package video

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lanconf/hub/internal/metrics"
)

type assemblerKey struct {
	uid  uint64
	kind StreamKind
}

// Engine is the running video/screen fan-out relay.
type Engine struct {
	conn *net.UDPConn

	onActive func(uid uint64, kind StreamKind, active bool)

	epMu      sync.Mutex
	endpoints map[uint64]*net.UDPAddr

	asmMu      sync.Mutex
	assemblers map[assemblerKey]*assemblerSet

	stop chan struct{}
	done chan struct{}

	metrics *metrics.Registry
}

// SetMetrics installs the shared counter registry. Optional;
// AddVideoFramesRelayed is a no-op until this is called.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// NewEngine binds a UDP socket on addr.
func NewEngine(addr string, onActive func(uid uint64, kind StreamKind, active bool)) (*Engine, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("video: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("video: listen %s: %w", addr, err)
	}
	return &Engine{
		conn:       conn,
		onActive:   onActive,
		endpoints:  make(map[uint64]*net.UDPAddr),
		assemblers: make(map[assemblerKey]*assemblerSet),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Addr returns the bound UDP address.
func (e *Engine) Addr() net.Addr { return e.conn.LocalAddr() }

// Run drives the ingress loop until Close is called.
func (e *Engine) Run() {
	defer close(e.done)
	buf := make([]byte, 2048)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.handleDatagram(data, addr)
	}
}

// Close stops the ingress loop and closes the socket.
func (e *Engine) Close() error {
	close(e.stop)
	err := e.conn.Close()
	<-e.done
	return err
}

func (e *Engine) getAssemblerSet(key assemblerKey) *assemblerSet {
	e.asmMu.Lock()
	defer e.asmMu.Unlock()
	set, ok := e.assemblers[key]
	if !ok {
		set = newAssemblerSet()
		e.assemblers[key] = set
	}
	return set
}

func (e *Engine) learnEndpoint(uid uint64, addr *net.UDPAddr) bool {
	e.epMu.Lock()
	defer e.epMu.Unlock()
	_, known := e.endpoints[uid]
	e.endpoints[uid] = addr
	return !known
}

func (e *Engine) endpointsExcept(exclude uint64) map[uint64]*net.UDPAddr {
	e.epMu.Lock()
	defer e.epMu.Unlock()
	out := make(map[uint64]*net.UDPAddr, len(e.endpoints))
	for uid, addr := range e.endpoints {
		if uid == exclude {
			continue
		}
		out[uid] = addr
	}
	return out
}

func (e *Engine) handleDatagram(data []byte, addr *net.UDPAddr) {
	h, payload, ok := decodeHeader(data)
	if !ok {
		return
	}
	uid := uint64(h.SenderUID)

	if firstSeen := e.learnEndpoint(uid, addr); firstSeen && e.onActive != nil {
		e.onActive(uid, h.StreamKind, true)
	}

	set := e.getAssemblerSet(assemblerKey{uid: uid, kind: h.StreamKind})
	complete, ok := set.insert(h, payload, time.Now())
	if !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.AddVideoFramesRelayed(1)
	}
	e.rebroadcast(uid, h.FrameID, h.StreamKind, complete)
}

// rebroadcast splits a reassembled frame into MaxChunkPayload-sized chunks
// using the same header shape it arrived in, and sends them to every other
// known participant's endpoint, whichever stream kind that participant
// sends itself; the chunk header carries kind so receivers can tell the
// streams apart. Delivery is best-effort; there is no retransmission.
func (e *Engine) rebroadcast(senderUID uint64, frameID uint32, kind StreamKind, frame []byte) {
	total := (len(frame) + MaxChunkPayload - 1) / MaxChunkPayload
	if total == 0 {
		total = 1
	}
	chunks := make([][]byte, 0, total)
	for off := 0; off < len(frame); off += MaxChunkPayload {
		end := off + MaxChunkPayload
		if end > len(frame) {
			end = len(frame)
		}
		h := header{
			SenderUID:  uint32(senderUID),
			FrameID:    frameID,
			ChunkIndex: uint16(len(chunks)),
			ChunkTotal: uint16(total),
			StreamKind: kind,
		}
		chunks = append(chunks, encodeHeader(h, frame[off:end]))
	}
	if len(chunks) == 0 {
		h := header{SenderUID: uint32(senderUID), FrameID: frameID, ChunkIndex: 0, ChunkTotal: 1, StreamKind: kind}
		chunks = append(chunks, encodeHeader(h, nil))
	}

	for _, addr := range e.endpointsExcept(senderUID) {
		for _, chunk := range chunks {
			if _, err := e.conn.WriteToUDP(chunk, addr); err != nil {
				log.Printf("video: send chunk to %s: %v", addr, err)
				break
			}
		}
	}
}
