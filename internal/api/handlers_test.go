package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/policy"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/upload"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/pkg/auth"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	idx := store.NewMemIndex()
	blobs := store.NewLocalBlobStore(t.TempDir())
	seq := 0
	fs := store.New(blobs, idx, func() (string, error) {
		seq++
		return "file-" + time.Now().Format("150405.000000000") + "-" + string(rune('a'+seq)), nil
	}, nil)
	kv := fastkv.NewMemory(time.Now)
	tokens := token.New(kv, nil)
	uploads := upload.New(fs, validate.DefaultConfig(), tokens, nil, upload.DefaultThreshold, nil)
	return New(fs, nil, uploads, tokens, nil, policy.AllowAll{}, nil, nil)
}

func authedRequest(method, path string, body *bytes.Buffer, userID string) *http.Request {
	if body == nil {
		body = &bytes.Buffer{}
	}
	r := httptest.NewRequest(method, path, body)
	ctx := auth.NewContext(context.Background(), &auth.Context{UserID: userID, Roles: []string{"user"}})
	return r.WithContext(ctx)
}

func multipartUploadBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestHandleUpload_HappyPath(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartUploadBody(t, "file", "hello.txt", []byte("hello world"))

	r := authedRequest(http.MethodPost, "/v1/files", body, "user-1")
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	s.handleUpload(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.IsNew)
	require.NotEmpty(t, resp.Token)
	require.Equal(t, "hello.txt", resp.File.OriginalName)
}

func TestHandleUpload_MissingFileField(t *testing.T) {
	s := newTestServer(t)
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	require.NoError(t, w.Close())

	r := authedRequest(http.MethodPost, "/v1/files", buf, "user-1")
	r.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	s.handleUpload(rec, r)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListFiles_ThenDelete(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartUploadBody(t, "file", "a.txt", []byte("list me"))
	r := authedRequest(http.MethodPost, "/v1/files", body, "user-1")
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.handleUpload(w, r)
	require.Equal(t, http.StatusCreated, w.Code)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))

	listReq := authedRequest(http.MethodGet, "/v1/files", nil, "user-1")
	listRec := httptest.NewRecorder()
	s.handleListFiles(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var listResp struct {
		Files []fileResponse `json:"files"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &listResp))
	require.Len(t, listResp.Files, 1)
	require.Equal(t, uploaded.File.ID, listResp.Files[0].ID)

	delReq := authedRequest(http.MethodDelete, "/v1/files/"+uploaded.File.ID, nil, "user-1")
	delReq.SetPathValue("id", uploaded.File.ID)
	delRec := httptest.NewRecorder()
	s.handleDeleteFile(delRec, delReq)
	require.Equal(t, http.StatusNoContent, delRec.Code)

	// deleting someone else's file is rejected.
	body2, contentType2 := multipartUploadBody(t, "file", "b.txt", []byte("other owner"))
	r2 := authedRequest(http.MethodPost, "/v1/files", body2, "user-2")
	r2.Header.Set("Content-Type", contentType2)
	w2 := httptest.NewRecorder()
	s.handleUpload(w2, r2)
	var uploaded2 uploadResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &uploaded2))

	badDel := authedRequest(http.MethodDelete, "/v1/files/"+uploaded2.File.ID, nil, "user-1")
	badDel.SetPathValue("id", uploaded2.File.ID)
	badDelRec := httptest.NewRecorder()
	s.handleDeleteFile(badDelRec, badDel)
	require.NotEqual(t, http.StatusNoContent, badDelRec.Code)
}

func TestHandleGetFile(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartUploadBody(t, "file", "meta.txt", []byte("metadata"))
	r := authedRequest(http.MethodPost, "/v1/files", body, "user-1")
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.handleUpload(w, r)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))

	getReq := authedRequest(http.MethodGet, "/v1/files/"+uploaded.File.ID, nil, "user-1")
	getReq.SetPathValue("id", uploaded.File.ID)
	getRec := httptest.NewRecorder()
	s.handleGetFile(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var got fileResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	require.Equal(t, "meta.txt", got.OriginalName)

	missing := authedRequest(http.MethodGet, "/v1/files/nope", nil, "user-1")
	missing.SetPathValue("id", "nope")
	missingRec := httptest.NewRecorder()
	s.handleGetFile(missingRec, missing)
	require.Equal(t, http.StatusNotFound, missingRec.Code)
}

func TestHandleIssueToken_ThenRevoke(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartUploadBody(t, "file", "tok.txt", []byte("token me"))
	r := authedRequest(http.MethodPost, "/v1/files", body, "user-1")
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.handleUpload(w, r)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))

	tokReq := authedRequest(http.MethodPost, "/v1/files/"+uploaded.File.ID+"/tokens", bytes.NewBufferString(`{"permissions":["read"]}`), "user-1")
	tokReq.SetPathValue("id", uploaded.File.ID)
	tokReq.Header.Set("Content-Type", "application/json")
	tokRec := httptest.NewRecorder()
	s.handleIssueToken(tokRec, tokReq)
	require.Equal(t, http.StatusCreated, tokRec.Code)

	var tokResp tokenResponse
	require.NoError(t, json.Unmarshal(tokRec.Body.Bytes(), &tokResp))
	require.NotEmpty(t, tokResp.Token)

	revReq := authedRequest(http.MethodDelete, "/v1/tokens/"+tokResp.Token, nil, "user-1")
	revReq.SetPathValue("token", tokResp.Token)
	revRec := httptest.NewRecorder()
	s.handleRevokeToken(revRec, revReq)
	require.Equal(t, http.StatusNoContent, revRec.Code)
}

func TestHandleLinkAndListAttachments(t *testing.T) {
	s := newTestServer(t)
	body, contentType := multipartUploadBody(t, "file", "attach.txt", []byte("attach me"))
	r := authedRequest(http.MethodPost, "/v1/files", body, "user-1")
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	s.handleUpload(w, r)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploaded))

	linkBody := bytes.NewBufferString(`{"attachments":[{"message_id":"msg-1","file_id":"` + uploaded.File.ID + `"}]}`)
	linkReq := authedRequest(http.MethodPost, "/v1/attachments", linkBody, "user-1")
	linkReq.Header.Set("Content-Type", "application/json")
	linkRec := httptest.NewRecorder()
	s.handleLinkAttachments(linkRec, linkReq)
	require.Equal(t, http.StatusOK, linkRec.Code)

	singleBody := bytes.NewBufferString(`{"message_id":"msg-2","caption":"pic"}`)
	singleReq := authedRequest(http.MethodPost, "/v1/files/"+uploaded.File.ID+"/attachments", singleBody, "user-1")
	singleReq.SetPathValue("id", uploaded.File.ID)
	singleReq.Header.Set("Content-Type", "application/json")
	singleRec := httptest.NewRecorder()
	s.handleLinkAttachment(singleRec, singleReq)
	require.Equal(t, http.StatusCreated, singleRec.Code)

	listReq := authedRequest(http.MethodGet, "/v1/messages/msg-1/attachments", nil, "user-1")
	listReq.SetPathValue("messageID", "msg-1")
	listRec := httptest.NewRecorder()
	s.handleListAttachments(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var attResp struct {
		Attachments []*store.Attachment `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &attResp))
	require.Len(t, attResp.Attachments, 1)
	require.Equal(t, uploaded.File.ID, attResp.Attachments[0].FileID)
}
