// Package transfer is the File Transfer Broker: it allocates ephemeral TCP
// listeners for single-shot uploads and downloads, tracks FileOffers by
// their client-supplied fid, and enforces the 100 MiB size cap and 5 minute
// transfer deadline. It generalizes the teacher's FileUploadHandler
// (internal/file_upload.go: multipart HTTP upload, sanitized filenames,
// SHA-256 while copying) to raw ephemeral TCP connections instead of HTTP.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MaxFileSize is the declared-size cap on a single FileOffer.
const MaxFileSize = 100 * 1024 * 1024

// TransferDeadline bounds how long a transfer listener waits for its one
// connection, and how long the resulting copy may take.
const TransferDeadline = 5 * time.Minute

// firstEphemeralPort is the lowest port the broker will try to bind for a
// transfer listener, per the spec's "any free port >= 10000".
const firstEphemeralPort = 10000

// lastEphemeralPort bounds the scan so a saturated broker fails instead of
// looping forever.
const lastEphemeralPort = 60000

// State is a FileOffer's lifecycle stage.
type State string

const (
	StatePendingUpload State = "pending-upload"
	StateAvailable     State = "available"
	StateExpired       State = "expired"
	StateFailed        State = "failed"
)

var (
	ErrNameEmpty       = errors.New("transfer: filename sanitizes to empty")
	ErrFileTooLarge    = errors.New("transfer: size exceeds 100MiB cap")
	ErrDuplicateFID    = errors.New("transfer: fid already offered")
	ErrNotFound        = errors.New("transfer: fid not found")
	ErrNotAvailable    = errors.New("transfer: file not available for download")
	ErrNoEphemeralPort = errors.New("transfer: no free ephemeral port")
)

// Offer is a FileOffer: an in-memory record of one client's declared file,
// from the moment it is offered through upload completion or failure.
type Offer struct {
	FID        string
	Filename   string
	Size       int64
	OffererUID uint64
	CreatedAt  time.Time
	Path       string

	mu    sync.Mutex
	state State
}

func (o *Offer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Offer) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Session is a TransferSession: one live ephemeral listener bound to a
// single FileOffer.
type Session struct {
	FID              string
	Direction        string // "upload" | "download"
	Port             int
	Deadline         time.Time
	BytesTransferred atomic.Int64

	listener net.Listener
	canceled atomic.Bool
}

// Broker owns every FileOffer and every live TransferSession.
type Broker struct {
	uploadDir   string
	onAvailable func(*Offer)
	onFailed    func(*Offer)

	mu       sync.Mutex
	offers   map[string]*Offer
	sessions map[int]*Session
}

// New creates a broker rooted at uploadDir (created if absent). onAvailable
// is invoked once an upload completes successfully, so the caller can
// broadcast file_available.
func New(uploadDir string, onAvailable func(*Offer)) (*Broker, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create upload dir: %w", err)
	}
	return &Broker{
		uploadDir:   uploadDir,
		onAvailable: onAvailable,
		offers:      make(map[string]*Offer),
		sessions:    make(map[int]*Session),
	}, nil
}

// SetOnFailed installs a hook invoked whenever an upload ends in
// StateFailed or StateExpired, so a caller can track failures without
// changing New's signature.
func (b *Broker) SetOnFailed(fn func(*Offer)) {
	b.mu.Lock()
	b.onFailed = fn
	b.mu.Unlock()
}

// sanitizeFilename strips directory components and rejects anything that
// canonicalizes to nothing, matching internal/file_upload.go's
// sanitizePathComponent but rejecting empty results instead of substituting
// a placeholder, per the spec.
func sanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrNameEmpty
	}
	return name, nil
}

// resolveCollisionPath appends a fid-derived suffix if filename is already
// taken by a prior successful upload in uploadDir.
func resolveCollisionPath(dir, filename, fid string) string {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		return path
	}
	prefix := strings.ReplaceAll(fid, "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, prefix, ext))
}

func bindEphemeralListener() (net.Listener, int, error) {
	for port := firstEphemeralPort; port <= lastEphemeralPort; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, ErrNoEphemeralPort
}

// OfferUpload validates and registers a new FileOffer, binds an ephemeral
// upload listener, and starts the single-transaction upload goroutine.
func (b *Broker) OfferUpload(fid, rawFilename string, size int64, offererUID uint64) (port int, err error) {
	if size > MaxFileSize {
		return 0, ErrFileTooLarge
	}
	filename, err := sanitizeFilename(rawFilename)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	if _, exists := b.offers[fid]; exists {
		b.mu.Unlock()
		return 0, ErrDuplicateFID
	}
	b.mu.Unlock()

	ln, port, err := bindEphemeralListener()
	if err != nil {
		return 0, err
	}

	offer := &Offer{
		FID:        fid,
		Filename:   filename,
		Size:       size,
		OffererUID: offererUID,
		CreatedAt:  time.Now(),
		Path:       resolveCollisionPath(b.uploadDir, filename, fid),
		state:      StatePendingUpload,
	}
	sess := &Session{
		FID:       fid,
		Direction: "upload",
		Port:      port,
		Deadline:  time.Now().Add(TransferDeadline),
		listener:  ln,
	}

	b.mu.Lock()
	b.offers[fid] = offer
	b.sessions[port] = sess
	b.mu.Unlock()

	go b.runUpload(offer, sess)
	return port, nil
}

func (b *Broker) removeSession(port int) {
	b.mu.Lock()
	delete(b.sessions, port)
	b.mu.Unlock()
}

func (b *Broker) runUpload(offer *Offer, sess *Session) {
	defer sess.listener.Close()
	defer b.removeSession(sess.Port)

	timer := time.AfterFunc(TransferDeadline, func() { sess.listener.Close() })
	conn, err := sess.listener.Accept()
	timer.Stop()
	if err != nil {
		if sess.canceled.Load() {
			offer.setState(StateFailed)
		} else {
			offer.setState(StateExpired)
		}
		b.notifyFailed(offer)
		return
	}
	defer conn.Close()

	remaining := time.Until(sess.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	_ = conn.SetDeadline(time.Now().Add(remaining))

	tmpPath := offer.Path + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		offer.setState(StateFailed)
		b.notifyFailed(offer)
		return
	}

	written, copyErr := io.CopyN(f, conn, offer.Size)
	sess.BytesTransferred.Store(written)
	closeErr := f.Close()

	if copyErr != nil || written != offer.Size || closeErr != nil {
		os.Remove(tmpPath)
		offer.setState(StateFailed)
		b.notifyFailed(offer)
		return
	}

	if err := os.Rename(tmpPath, offer.Path); err != nil {
		os.Remove(tmpPath)
		offer.setState(StateFailed)
		b.notifyFailed(offer)
		return
	}

	offer.setState(StateAvailable)
	if b.onAvailable != nil {
		b.onAvailable(offer)
	}
}

func (b *Broker) notifyFailed(offer *Offer) {
	b.mu.Lock()
	fn := b.onFailed
	b.mu.Unlock()
	if fn != nil {
		fn(offer)
	}
}

// RequestDownload validates fid is available and binds an ephemeral
// download listener that will stream the file to exactly one connection.
func (b *Broker) RequestDownload(fid string) (port int, filename string, size int64, err error) {
	b.mu.Lock()
	offer, ok := b.offers[fid]
	b.mu.Unlock()
	if !ok {
		return 0, "", 0, ErrNotFound
	}
	if offer.State() != StateAvailable {
		return 0, "", 0, ErrNotAvailable
	}

	ln, port, err := bindEphemeralListener()
	if err != nil {
		return 0, "", 0, err
	}

	sess := &Session{
		FID:       fid,
		Direction: "download",
		Port:      port,
		Deadline:  time.Now().Add(TransferDeadline),
		listener:  ln,
	}

	b.mu.Lock()
	b.sessions[port] = sess
	b.mu.Unlock()

	go b.runDownload(offer, sess)
	return port, offer.Filename, offer.Size, nil
}

func (b *Broker) runDownload(offer *Offer, sess *Session) {
	defer sess.listener.Close()
	defer b.removeSession(sess.Port)

	timer := time.AfterFunc(TransferDeadline, func() { sess.listener.Close() })
	conn, err := sess.listener.Accept()
	timer.Stop()
	if err != nil {
		return
	}
	defer conn.Close()

	remaining := time.Until(sess.Deadline)
	if remaining < 0 {
		remaining = 0
	}
	_ = conn.SetDeadline(time.Now().Add(remaining))

	f, err := os.Open(offer.Path)
	if err != nil {
		return
	}
	defer f.Close()

	written, _ := io.Copy(conn, f)
	sess.BytesTransferred.Store(written)
}

// CancelPendingFor fails every still-pending upload offered by uid. Called
// when that uid's control session closes, per the spec's cancellation
// rule: a session's in-flight uploads don't survive its disconnect.
func (b *Broker) CancelPendingFor(uid uint64) {
	b.mu.Lock()
	var toCancel []*Session
	for fid, offer := range b.offers {
		if offer.OffererUID != uid || offer.State() != StatePendingUpload {
			continue
		}
		for _, sess := range b.sessions {
			if sess.FID == fid && sess.Direction == "upload" {
				toCancel = append(toCancel, sess)
			}
		}
	}
	b.mu.Unlock()

	for _, sess := range toCancel {
		sess.canceled.Store(true)
		sess.listener.Close()
	}
}

// Lookup returns the offer for fid, if any.
func (b *Broker) Lookup(fid string) (*Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer, ok := b.offers[fid]
	return offer, ok
}
