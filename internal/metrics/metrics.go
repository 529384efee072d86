// Package metrics is a small atomic-counter registry exposed over HTTP as
// JSON, the same shape as the teacher's internal/metrics.go but with
// counters for this hub's components instead of signup/login HTTP counts.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Registry holds every counter the supervisor's components increment.
type Registry struct {
	connectionsTotal  atomic.Uint64
	activeConnections atomic.Int64
	loginsTotal       atomic.Uint64
	chatMessages      atomic.Uint64
	unicastMessages   atomic.Uint64
	mailboxDrops      atomic.Uint64

	fileOffersTotal     atomic.Uint64
	fileUploadsComplete atomic.Uint64
	fileUploadsFailed   atomic.Uint64
	fileDownloadsTotal  atomic.Uint64

	audioMixTicks      atomic.Uint64
	audioActiveSenders atomic.Int64
	videoFramesRelayed atomic.Uint64
	videoActiveSenders atomic.Int64
}

// New returns a zeroed registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) IncConnection() {
	r.connectionsTotal.Add(1)
	r.activeConnections.Add(1)
}

func (r *Registry) DecConnection() {
	r.activeConnections.Add(-1)
}

func (r *Registry) IncLogin()          { r.loginsTotal.Add(1) }
func (r *Registry) IncChatMessage()    { r.chatMessages.Add(1) }
func (r *Registry) IncUnicastMessage() { r.unicastMessages.Add(1) }
func (r *Registry) AddMailboxDrops(n uint64) {
	r.mailboxDrops.Add(n)
}

func (r *Registry) IncFileOffer()           { r.fileOffersTotal.Add(1) }
func (r *Registry) IncFileUploadComplete()  { r.fileUploadsComplete.Add(1) }
func (r *Registry) IncFileUploadFailed()    { r.fileUploadsFailed.Add(1) }
func (r *Registry) IncFileDownload()        { r.fileDownloadsTotal.Add(1) }

func (r *Registry) IncAudioMixTick() { r.audioMixTicks.Add(1) }
func (r *Registry) SetAudioSenderActive(active bool) {
	if active {
		r.audioActiveSenders.Add(1)
	} else {
		r.audioActiveSenders.Add(-1)
	}
}

func (r *Registry) AddVideoFramesRelayed(n uint64) { r.videoFramesRelayed.Add(n) }
func (r *Registry) SetVideoSenderActive(active bool) {
	if active {
		r.videoActiveSenders.Add(1)
	} else {
		r.videoActiveSenders.Add(-1)
	}
}

// ServeHTTP renders every counter as a JSON object, for a debug/metrics
// endpoint the same way the teacher exposed signup/login counts.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"connections_total":      r.connectionsTotal.Load(),
		"active_connections":     r.activeConnections.Load(),
		"logins_total":           r.loginsTotal.Load(),
		"chat_messages_total":    r.chatMessages.Load(),
		"unicast_messages_total": r.unicastMessages.Load(),
		"mailbox_drops_total":    r.mailboxDrops.Load(),
		"file_offers_total":      r.fileOffersTotal.Load(),
		"file_uploads_complete":  r.fileUploadsComplete.Load(),
		"file_uploads_failed":    r.fileUploadsFailed.Load(),
		"file_downloads_total":   r.fileDownloadsTotal.Load(),
		"audio_mix_ticks_total":  r.audioMixTicks.Load(),
		"audio_active_senders":   r.audioActiveSenders.Load(),
		"video_frames_relayed":   r.videoFramesRelayed.Load(),
		"video_active_senders":   r.videoActiveSenders.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
