// Package audio is the Audio Mix Engine: it receives per-participant UDP
// datagrams of encoded audio, decodes them into a per-participant jitter
// slot, and on a 40ms tick mixes every active participant's frame into a
// personalized, self-excluded, mute-aware mix for every listener.
//
// It has no direct teacher precedent (the teacher carries no media plane);
// its concurrency shape follows the same single-owning-goroutine idiom the
// teacher uses for Room.run (internal/server_room.go) and the
// mutex-guarded small value types in internal/presence.go, applied to the
// mixer tick design the spec calls for.
package audio

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lanconf/hub/internal/metrics"
)

// TickInterval is the mixer's periodic tick period (40ms per frame).
const TickInterval = 40 * time.Millisecond

// SilentTicksUntilCleared is how many consecutive empty ticks before a
// participant's slot is cleared (400ms). They still contribute silence and
// are never unregistered for it.
const SilentTicksUntilCleared = 10

// headerSize is the fixed UDP datagram header: uid, seq, flags, length,
// each a big-endian uint32.
const headerSize = 16

// serverOriginFlag marks a datagram as mixer output rather than a
// participant's upload.
const serverOriginFlag = 1 << 0

type participantState struct {
	uid  uint64
	slot *jitterSlot

	epMu     sync.Mutex
	endpoint *net.UDPAddr

	muteMu sync.Mutex
	mute   map[uint64]bool

	silentTicks int
}

func newParticipantState(uid uint64) *participantState {
	return &participantState{uid: uid, slot: newJitterSlot(), mute: make(map[uint64]bool)}
}

func (p *participantState) setEndpoint(addr *net.UDPAddr) {
	p.epMu.Lock()
	p.endpoint = addr
	p.epMu.Unlock()
}

func (p *participantState) getEndpoint() *net.UDPAddr {
	p.epMu.Lock()
	defer p.epMu.Unlock()
	return p.endpoint
}

func (p *participantState) isMuted(peer uint64) bool {
	p.muteMu.Lock()
	defer p.muteMu.Unlock()
	return p.mute[peer]
}

func (p *participantState) mutedPeers() []uint64 {
	p.muteMu.Lock()
	defer p.muteMu.Unlock()
	out := make([]uint64, 0, len(p.mute))
	for peer, on := range p.mute {
		if on {
			out = append(out, peer)
		}
	}
	return out
}

// Engine is the running audio mixer. Create with NewEngine and drive it
// with Run; Close releases the socket and stops the tick loop.
type Engine struct {
	conn  *net.UDPConn
	enc   Encoder
	dec   Decoder
	onActive func(uid uint64, active bool)

	mu           sync.RWMutex
	participants map[uint64]*participantState

	tickSeq uint32
	stop    chan struct{}
	done    chan struct{}

	metrics *metrics.Registry
}

// SetMetrics installs the shared counter registry. Optional; IncAudioMixTick
// is a no-op until this is called.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// NewEngine binds a UDP socket on addr and returns a ready-to-run mixer.
// onActive, if non-nil, is called whenever a participant's learned
// endpoint transitions (used to drive the chat engine's audio-active
// presence flag).
func NewEngine(addr string, enc Encoder, dec Decoder, onActive func(uid uint64, active bool)) (*Engine, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("audio: listen %s: %w", addr, err)
	}
	return &Engine{
		conn:         conn,
		enc:          enc,
		dec:          dec,
		onActive:     onActive,
		participants: make(map[uint64]*participantState),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Addr returns the bound UDP address.
func (e *Engine) Addr() net.Addr { return e.conn.LocalAddr() }

// Run starts the ingress loop and the mix tick loop. It blocks until
// Close is called.
func (e *Engine) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.ingressLoop()
	}()
	go func() {
		defer wg.Done()
		e.tickLoop()
	}()
	wg.Wait()
	close(e.done)
}

// Close stops Run's loops and closes the socket.
func (e *Engine) Close() error {
	close(e.stop)
	err := e.conn.Close()
	<-e.done
	return err
}

func (e *Engine) getOrCreateParticipant(uid uint64) *participantState {
	e.mu.RLock()
	ps, ok := e.participants[uid]
	e.mu.RUnlock()
	if ok {
		return ps
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.participants[uid]; ok {
		return ps
	}
	ps = newParticipantState(uid)
	e.participants[uid] = ps
	return ps
}

// SetMute updates whether participant uid has silenced peer locally.
// There is no wire message for this in the control protocol as specified;
// this is the extension point a future "mute" control message would call.
func (e *Engine) SetMute(uid, peer uint64, muted bool) {
	ps := e.getOrCreateParticipant(uid)
	ps.muteMu.Lock()
	ps.mute[peer] = muted
	ps.muteMu.Unlock()
}

func (e *Engine) ingressLoop() {
	buf := make([]byte, 64*1024)
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
		e.handleDatagram(buf[:n], addr)
	}
}

func (e *Engine) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < headerSize {
		return
	}
	uid := binary.BigEndian.Uint32(data[0:4])
	seq := binary.BigEndian.Uint32(data[4:8])
	flags := binary.BigEndian.Uint32(data[8:12])
	length := binary.BigEndian.Uint32(data[12:16])
	if flags&serverOriginFlag != 0 {
		return
	}
	if int(length) > len(data)-headerSize {
		return
	}
	payload := data[headerSize : headerSize+int(length)]
	pcm, err := e.dec.Decode(payload)
	if err != nil {
		return
	}

	ps := e.getOrCreateParticipant(uint64(uid))
	wasKnown := ps.getEndpoint() != nil
	ps.setEndpoint(addr)
	if !wasKnown && e.onActive != nil {
		e.onActive(uint64(uid), true)
	}
	ps.slot.insert(seq, pcm)
}

func (e *Engine) tickLoop() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mixTick()
		}
	}
}

// mixTick pops one frame from every participant's slot (locking all slots
// in ascending uid order to make cross-tick lock ordering deadlock-free),
// sums them into a global mix, then delivers a personalized, self- and
// mute-excluded downmix to every participant.
func (e *Engine) mixTick() {
	if e.metrics != nil {
		e.metrics.IncAudioMixTick()
	}
	e.mu.RLock()
	uids := make([]uint64, 0, len(e.participants))
	states := make(map[uint64]*participantState, len(e.participants))
	for uid, ps := range e.participants {
		uids = append(uids, uid)
		states[uid] = ps
	}
	e.mu.RUnlock()
	if len(uids) == 0 {
		e.tickSeq++
		return
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	for _, uid := range uids {
		states[uid].slot.lock()
	}
	frames := make(map[uint64][]int16, len(uids))
	for _, uid := range uids {
		ps := states[uid]
		pcm, ok := ps.slot.popAtCursorLocked()
		if !ok {
			ps.silentTicks++
			if ps.silentTicks >= SilentTicksUntilCleared {
				ps.slot.clearLocked()
			}
			frames[uid] = nil
			continue
		}
		ps.silentTicks = 0
		frames[uid] = pcm
	}
	for i := len(uids) - 1; i >= 0; i-- {
		states[uids[i]].slot.unlock()
	}

	global := make([]int32, FrameSamples)
	for _, uid := range uids {
		addInto(global, frames[uid])
	}

	e.tickSeq++
	seq := e.tickSeq
	for _, uid := range uids {
		ps := states[uid]
		endpoint := ps.getEndpoint()
		if endpoint == nil {
			continue
		}
		personal := make([]int32, FrameSamples)
		copy(personal, global)
		subtractInto(personal, frames[uid])
		for _, peer := range ps.mutedPeers() {
			if peer == uid {
				continue
			}
			subtractInto(personal, frames[peer])
		}
		pcm := downmixClip(personal)
		encoded, err := e.enc.Encode(pcm)
		if err != nil {
			log.Printf("audio: encode mix for uid %d: %v", uid, err)
			continue
		}
		e.sendMixed(endpoint, seq, encoded)
	}
}

func addInto(dst []int32, src []int16) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] += int32(src[i])
	}
}

func subtractInto(dst []int32, src []int16) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] -= int32(src[i])
	}
}

func downmixClip(mix []int32) []int16 {
	out := make([]int16, len(mix))
	for i, v := range mix {
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

func (e *Engine) sendMixed(to *net.UDPAddr, seq uint32, payload []byte) {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], 0) // uid 0: server origin
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], serverOriginFlag)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := e.conn.WriteToUDP(buf, to); err != nil {
		log.Printf("audio: send mix to %s: %v", to, err)
	}
}
