package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/pkg/graceful"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

const (
	maxUploadMultipartMemory = 16 << 20 // 16 MiB held in memory before spilling to temp files
	maxBatchFiles            = 10
	rfc3339                  = "2006-01-02T15:04:05.999999999Z07:00"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, err error) {
	var ce *graceful.ContextError
	var incomplete *chunk.ErrIncomplete
	if errors.As(err, &incomplete) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error(), "missing_chunks": incomplete.Missing})
		return
	}
	status := graceful.HTTPStatus(err)
	if errors.As(err, &ce) && len(ce.Reasons()) > 0 {
		writeJSON(w, status, map[string]interface{}{"error": err.Error(), "reasons": ce.Reasons()})
		return
	}
	writeJSONError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}

func toFileResponse(r *store.Record) fileResponse {
	return fileResponse{
		ID: r.ID, OriginalName: r.OriginalName, MIME: r.MIME, Size: r.Size,
		Checksum: r.Checksum, CreatedAt: r.CreatedAt.Format(rfc3339),
	}
}

// handleUpload implements the single-shot multipart upload route.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadMultipartMemory); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	mime := r.FormValue("mime")
	if mime == "" {
		mime = header.Header.Get("Content-Type")
	}

	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)
	if _, err := io.Copy(buf, file); err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed reading upload body")
		return
	}

	res, err := s.uploads.Upload(ctx, buf.Bytes(), mime, header.Filename, userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{File: toFileResponse(res.Record), IsNew: res.IsNew, Token: res.Token})
}

// batchUploadResult is one entry of POST /v1/files/batch's response array.
type batchUploadResult struct {
	Index int           `json:"index"`
	File  *fileResponse `json:"file,omitempty"`
	Token string        `json:"token,omitempty"`
	Error string        `json:"error,omitempty"`
}

// fileUploadTask adapts one multipart part to utils.Task so the batch
// route can bound fan-out with the shared worker pool instead of
// spawning one unbounded goroutine per file.
type fileUploadTask struct {
	srv    *Server
	uid    string
	header *multipart.FileHeader
	out    *batchUploadResult
	wg     *sync.WaitGroup
}

func (t *fileUploadTask) Process(ctx context.Context) error {
	defer t.wg.Done()
	f, err := t.header.Open()
	if err != nil {
		t.out.Error = err.Error()
		return err
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		t.out.Error = err.Error()
		return err
	}
	res, err := t.srv.uploads.Upload(ctx, buf, t.header.Header.Get("Content-Type"), t.header.Filename, t.uid)
	if err != nil {
		t.out.Error = err.Error()
		return err
	}
	fr := toFileResponse(res.Record)
	t.out.File = &fr
	t.out.Token = res.Token
	return nil
}

// handleBatchUpload uploads every part of a multipart form concurrently,
// bounded by the shared worker pool when one is configured; otherwise it
// falls back to sequential processing.
func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadMultipartMemory); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = r.MultipartForm.File["files"]
	}
	if len(headers) == 0 {
		writeJSONError(w, http.StatusBadRequest, "no files provided under the 'files' field")
		return
	}
	if len(headers) > maxBatchFiles {
		writeJSONError(w, http.StatusBadRequest, "batch upload accepts at most 10 files")
		return
	}

	uid := userID(r)
	results := make([]batchUploadResult, len(headers))
	var wg sync.WaitGroup
	wg.Add(len(headers))

	for i, h := range headers {
		results[i].Index = i
		task := &fileUploadTask{srv: s, uid: uid, header: h, out: &results[i], wg: &wg}
		if s.workers != nil {
			if err := s.workers.Submit(task); err != nil {
				results[i].Error = err.Error()
				wg.Done()
			}
		} else {
			_ = task.Process(ctx)
		}
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleInitiateChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req initiateChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.chunks.Initiate(ctx, req.Name, req.MIME, req.Size, userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id": sess.ID, "total_chunks": sess.TotalChunks, "chunk_size": sess.ChunkSize,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sessionID")
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	hash := r.Header.Get("X-Chunk-Hash")
	if hash == "" {
		writeJSONError(w, http.StatusBadRequest, "missing X-Chunk-Hash header")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed reading chunk body")
		return
	}
	progress, err := s.chunks.UploadChunk(ctx, sessionID, idx, data, hash, userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse(progress))
}

func progressResponse(p *chunk.Progress) map[string]interface{} {
	return map[string]interface{}{
		"session_id": p.SessionID, "completed": p.Completed, "total": p.Total,
		"failed": p.Failed, "percent": p.Percent, "terminal": p.Terminal, "status": p.Status,
	}
}

func (s *Server) handleCompleteChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req completeChunkRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	put, err := s.chunks.Complete(ctx, r.PathValue("sessionID"), req.WholeFileHash, userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"file": toFileResponse(put.Record), "is_new": put.IsNew})
}

func (s *Server) handleCancelChunk(w http.ResponseWriter, r *http.Request) {
	if err := s.chunks.Cancel(r.Context(), r.PathValue("sessionID"), userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryChunk(w http.ResponseWriter, r *http.Request) {
	progress, err := s.chunks.RetryFailed(r.Context(), r.PathValue("sessionID"), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse(progress))
}

func (s *Server) handleChunkProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.chunks.Progress(r.Context(), r.PathValue("sessionID"), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse(progress))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var cursor *store.Cursor
	if v := r.URL.Query().Get("cursor"); v != "" {
		c, err := store.DecodeCursor(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = c
	}
	recs, next, err := s.store.ListByUser(ctx, userID(r), limit, cursor)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]fileResponse, len(recs))
	for i, rec := range recs {
		out[i] = toFileResponse(rec)
	}
	resp := map[string]interface{}{"files": out}
	if next != nil {
		resp["next_cursor"] = store.EncodeCursor(next)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDelete(r.Context(), r.PathValue("id"), userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileID := r.PathValue("id")
	var req issueTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if _, err := s.store.Get(ctx, fileID); err != nil {
		writeErr(w, err)
		return
	}
	perms := make([]token.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, token.Permission(p))
	}
	b, err := s.tokens.Issue(ctx, fileID, userID(r), token.IssueOptions{
		ExpiresIn: req.expiresIn(), Permissions: perms, MaxUses: req.MaxUses, IPPin: req.IPPin,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	perm := make([]string, 0, len(b.Permissions))
	for _, p := range b.Permissions {
		perm = append(perm, string(p))
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token: b.Token, FileID: b.FileID, Permissions: perm,
		ExpiresAt: b.ExpiresAt.Format(rfc3339), MaxUses: b.MaxUses,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Revoke(r.Context(), r.PathValue("token"), userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.tokens.ListForUser(r.Context(), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": toks})
}

func (s *Server) handleLinkAttachments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req linkAttachmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	attachments := make([]*store.Attachment, len(req.Attachments))
	for i, a := range req.Attachments {
		attachments[i] = &store.Attachment{
			MessageID: a.MessageID, FileID: a.FileID, Caption: a.Caption, Ordering: a.Ordering, Active: true,
		}
	}
	errs := s.store.LinkMessages(ctx, attachments)
	out := make([]map[string]interface{}, len(errs))
	for i, e := range errs {
		item := map[string]interface{}{"index": i}
		if e != nil {
			item["error"] = e.Error()
		} else {
			item["ok"] = true
		}
		out[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

// handleLinkAttachment attaches one file to one message; the batch route
// below covers the multi-attachment case.
func (s *Server) handleLinkAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fileID := r.PathValue("id")
	var req linkAttachmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.Get(ctx, fileID); err != nil {
		writeErr(w, err)
		return
	}
	a := &store.Attachment{
		MessageID: req.MessageID, FileID: fileID, Caption: req.Caption, Ordering: req.Ordering, Active: true,
	}
	if err := s.store.LinkMessage(ctx, a); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"attachment_id": a.ID, "message_id": a.MessageID, "file_id": a.FileID,
	})
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := r.PathValue("messageID")
	allowed, err := s.policy.CanViewMessage(ctx, userID(r), messageID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !allowed {
		writeJSONError(w, http.StatusForbidden, "caller cannot view this message")
		return
	}
	attachments, err := s.store.AttachmentsForMessage(ctx, messageID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": attachments})
}
