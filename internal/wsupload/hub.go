// Package wsupload implements the real-time upload notification channel:
// a bidirectional connection on /file-upload multiplexing concurrent
// uploads per socket and fanning progress out to every socket belonging
// to the same user.
package wsupload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/upload"
	"github.com/ovasabi-labs/filehub/pkg/auth"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

var errSizeMismatch = errors.New("wsupload: declared size does not match payload length")

// Outbound event type names (server to client).
const (
	EventUploadInitiated       = "upload_initiated"
	EventChunkUploaded         = "chunk_uploaded"
	EventUploadProgress        = "upload_progress"
	EventUploadCompleted       = "upload_completed"
	EventFileUploaded          = "file_uploaded"
	EventUploadCancelled       = "upload_cancelled"
	EventUploadError           = "upload_error"
	EventUploadProgressResponse = "upload_progress_response"
)

// Inbound event type names (client to server).
const (
	EventInitiateUpload  = "initiate_upload"
	EventUploadChunk     = "upload_chunk"
	EventCompleteUpload  = "complete_upload"
	EventCancelUpload    = "cancel_upload"
	EventGetProgress     = "get_progress"
	EventUploadSmallFile = "upload_small_file"
)

// socket is the per-connection bookkeeping entry: user_id plus the set
// of sessions this socket initiated.
type socket struct {
	*client
	mu             sync.Mutex
	activeSessions map[string]struct{}
}

func (s *socket) track(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSessions[sessionID] = struct{}{}
}

func (s *socket) untrack(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeSessions, sessionID)
}

func (s *socket) sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeSessions))
	for id := range s.activeSessions {
		out = append(out, id)
	}
	return out
}

// Parker parks an event for a user who had no live socket at fanout time,
// so background cleanup can redeliver it once the user reconnects.
type Parker interface {
	Park(ctx context.Context, userID string, evt Event)
}

// Hub owns the user-keyed socket map and dispatches inbound protocol
// messages to the chunk and single-shot upload services.
type Hub struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]*socket // user_id -> socket_id -> socket
	chunks    *chunk.Service
	uploads   *upload.Service
	jwtSecret string
	parker    Parker
	log       *zap.Logger
}

// SetParker wires the background-cleanup queue as this hub's offline
// fallback. It is optional and set once after construction to avoid a
// constructor-time import cycle between wsupload and cleanup.
func (h *Hub) SetParker(p Parker) { h.parker = p }

// New creates a Hub. jwtSecret validates the bearer token carried by the
// upgrade request; an unauthenticated handshake never becomes a socket.
func New(chunks *chunk.Service, uploads *upload.Service, jwtSecret string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{byUser: make(map[string]map[string]*socket), chunks: chunks, uploads: uploads, jwtSecret: jwtSecret, log: log.With(zap.String("module", "wsupload"))}
}

func (h *Hub) bearerToken(r *http.Request) string {
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	return ""
}

// ServeHTTP upgrades the request to a WebSocket on /file-upload, rejecting
// unauthenticated handshakes immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := h.bearerToken(r)
	authCtx, err := auth.ParseAndExtractAuthContext(tok, h.jwtSecret)
	if err != nil || authCtx == nil || authCtx.UserID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	up := upgrader(h.log)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := utils.NewUUIDOrDefault()
	sock := &socket{client: newClient(id, authCtx.UserID, conn, h.log), activeSessions: make(map[string]struct{})}
	h.register(sock)
	metrics.ActiveUploadSockets.Inc()
	defer func() {
		h.unregister(sock)
		metrics.ActiveUploadSockets.Dec()
	}()

	go sock.writePump()
	h.readPump(sock)
}

func (h *Hub) register(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[s.userID] == nil {
		h.byUser[s.userID] = make(map[string]*socket)
	}
	h.byUser[s.userID][s.id] = s
}

func (h *Hub) unregister(s *socket) {
	h.mu.Lock()
	set, ok := h.byUser[s.userID]
	if ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.byUser, s.userID)
		}
	}
	h.mu.Unlock()
	s.Close()

	ctx := context.Background()
	for _, sessionID := range s.sessions() {
		if err := h.chunks.Cancel(ctx, sessionID, s.userID); err != nil {
			h.log.Warn("disconnect cancel failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// fanout sends evt to every socket belonging to userID. With no live
// socket, the event is handed to the parker (if wired) so it can be
// redelivered once the user reconnects.
func (h *Hub) fanout(userID string, evt Event) {
	h.mu.RLock()
	sockets := h.byUser[userID]
	n := len(sockets)
	for _, s := range sockets {
		s.enqueue(evt)
	}
	h.mu.RUnlock()

	if n == 0 && h.parker != nil {
		h.parker.Park(context.Background(), userID, evt)
	}
}

// Online reports whether userID has at least one live socket, letting
// background cleanup decide whether a queued notification can be
// delivered now or should stay parked for later.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Notify delivers evt to every socket belonging to userID. It is the
// exported counterpart of fanout, used by background cleanup to redeliver
// queued notifications once a user reconnects.
func (h *Hub) Notify(userID string, evt Event) {
	h.fanout(userID, evt)
}

func encodeEvent(typ, uploadID string, payload interface{}) Event {
	raw, _ := json.Marshal(payload)
	return Event{Type: typ, Payload: raw, UploadID: uploadID}
}

func (h *Hub) readPump(s *socket) {
	ctx := context.Background()
	for {
		var evt Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			return
		}
		h.dispatch(ctx, s, evt)
	}
}

func (h *Hub) dispatch(ctx context.Context, s *socket, evt Event) {
	switch evt.Type {
	case EventInitiateUpload:
		h.handleInitiate(ctx, s, evt)
	case EventUploadChunk:
		h.handleUploadChunk(ctx, s, evt)
	case EventCompleteUpload:
		h.handleComplete(ctx, s, evt)
	case EventCancelUpload:
		h.handleCancel(ctx, s, evt)
	case EventGetProgress:
		h.handleGetProgress(ctx, s, evt)
	case EventUploadSmallFile:
		h.handleSmallFile(ctx, s, evt)
	default:
		s.enqueue(encodeEvent(EventUploadError, evt.UploadID, map[string]string{"error": "unknown message type"}))
	}
}

func (h *Hub) sendError(s *socket, uploadID string, err error) {
	s.enqueue(encodeEvent(EventUploadError, uploadID, map[string]string{"error": err.Error()}))
}

type initiatePayload struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

func (h *Hub) handleInitiate(ctx context.Context, s *socket, evt Event) {
	var p initiatePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	sess, err := h.chunks.Initiate(ctx, p.Name, p.MIME, p.Size, s.userID)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.track(sess.ID)
	s.enqueue(encodeEvent(EventUploadInitiated, evt.UploadID, map[string]interface{}{
		"session_id": sess.ID, "total_chunks": sess.TotalChunks, "chunk_size": sess.ChunkSize,
	}))
}

type uploadChunkPayload struct {
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       string `json:"data"` // base64
	ChunkHash  string `json:"chunk_hash"`
}

func (h *Hub) handleUploadChunk(ctx context.Context, s *socket, evt Event) {
	var p uploadChunkPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.track(p.SessionID)
	progress, err := h.chunks.UploadChunk(ctx, p.SessionID, p.ChunkIndex, data, p.ChunkHash, s.userID)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.enqueue(encodeEvent(EventChunkUploaded, evt.UploadID, map[string]interface{}{
		"session_id": p.SessionID, "chunk_index": p.ChunkIndex,
	}))
	h.fanout(s.userID, encodeEvent(EventUploadProgress, evt.UploadID, map[string]interface{}{
		"session_id": progress.SessionID, "percent": progress.Percent, "completed": progress.Completed, "total": progress.Total,
	}))
}

type completePayload struct {
	SessionID     string `json:"session_id"`
	WholeFileHash string `json:"whole_file_hash"`
}

func (h *Hub) handleComplete(ctx context.Context, s *socket, evt Event) {
	var p completePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	put, err := h.chunks.Complete(ctx, p.SessionID, p.WholeFileHash, s.userID)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.untrack(p.SessionID)
	s.enqueue(encodeEvent(EventUploadCompleted, evt.UploadID, map[string]interface{}{
		"session_id": p.SessionID, "file_id": put.Record.ID, "is_new": put.IsNew,
	}))
	h.fanout(s.userID, encodeEvent(EventFileUploaded, evt.UploadID, map[string]interface{}{
		"file_id": put.Record.ID, "mime": put.Record.MIME, "size": put.Record.Size,
	}))
}

type sessionOnlyPayload struct {
	SessionID string `json:"session_id"`
}

func (h *Hub) handleCancel(ctx context.Context, s *socket, evt Event) {
	var p sessionOnlyPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	if err := h.chunks.Cancel(ctx, p.SessionID, s.userID); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.untrack(p.SessionID)
	s.enqueue(encodeEvent(EventUploadCancelled, evt.UploadID, map[string]interface{}{"session_id": p.SessionID}))
}

func (h *Hub) handleGetProgress(ctx context.Context, s *socket, evt Event) {
	var p sessionOnlyPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	progress, err := h.chunks.Progress(ctx, p.SessionID, s.userID)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.enqueue(encodeEvent(EventUploadProgressResponse, evt.UploadID, map[string]interface{}{
		"session_id": progress.SessionID, "percent": progress.Percent, "completed": progress.Completed,
		"total": progress.Total, "failed": progress.Failed, "terminal": progress.Terminal,
	}))
}

type smallFilePayload struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
	Data string `json:"data"` // base64
}

func (h *Hub) handleSmallFile(ctx context.Context, s *socket, evt Event) {
	var p smallFilePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	if int64(len(data)) != p.Size {
		h.sendError(s, evt.UploadID, errSizeMismatch)
		return
	}
	res, err := h.uploads.Upload(ctx, data, p.MIME, p.Name, s.userID)
	if err != nil {
		h.sendError(s, evt.UploadID, err)
		return
	}
	s.enqueue(encodeEvent(EventUploadCompleted, evt.UploadID, map[string]interface{}{
		"file_id": res.Record.ID, "is_new": res.IsNew, "token": res.Token,
	}))
	h.fanout(s.userID, encodeEvent(EventFileUploaded, evt.UploadID, map[string]interface{}{
		"file_id": res.Record.ID, "mime": res.Record.MIME, "size": res.Record.Size,
	}))
}
