package wsupload

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/upload"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

const testSecret = "hub-test-secret"

func signToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	fs := store.New(store.NewLocalBlobStore(t.TempDir()), store.NewMemIndex(), utils.NewUUID, nil)
	kv := fastkv.NewMemory(time.Now)
	tokens := token.New(kv, nil)
	uploads := upload.New(fs, validate.DefaultConfig(), tokens, nil, upload.DefaultThreshold, nil)
	return New(nil, uploads, testSecret, nil)
}

func dial(t *testing.T, srv *httptest.Server, bearer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + bearer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestServeHTTP_RejectsUnauthenticatedHandshake(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=not-a-jwt"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestSmallFileUpload_CompletesAndFansOut(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, signToken(t, "user-1"))
	defer conn.Close()

	content := []byte("small file over the socket")
	payload, err := json.Marshal(map[string]interface{}{
		"name": "note.txt",
		"mime": "text/plain",
		"size": len(content),
		"data": base64.StdEncoding.EncodeToString(content),
	})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Event{
		Type: EventUploadSmallFile, Payload: payload, UploadID: "up-1",
	}))

	completed := readEvent(t, conn)
	require.Equal(t, EventUploadCompleted, completed.Type)
	require.Equal(t, "up-1", completed.UploadID)

	var body struct {
		FileID string `json:"file_id"`
		IsNew  bool   `json:"is_new"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(completed.Payload, &body))
	require.True(t, body.IsNew)
	require.NotEmpty(t, body.FileID)
	require.NotEmpty(t, body.Token)

	fanned := readEvent(t, conn)
	require.Equal(t, EventFileUploaded, fanned.Type)
}

func TestSmallFileUpload_SizeMismatchRejected(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, signToken(t, "user-1"))
	defer conn.Close()

	payload, err := json.Marshal(map[string]interface{}{
		"name": "note.txt",
		"mime": "text/plain",
		"size": 999,
		"data": base64.StdEncoding.EncodeToString([]byte("short")),
	})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Event{Type: EventUploadSmallFile, Payload: payload, UploadID: "up-2"}))

	evt := readEvent(t, conn)
	require.Equal(t, EventUploadError, evt.Type)
	require.Equal(t, "up-2", evt.UploadID)
}

func TestDispatch_UnknownTypeAnswersError(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, signToken(t, "user-1"))
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Event{Type: "no_such_message", UploadID: "up-3"}))

	evt := readEvent(t, conn)
	require.Equal(t, EventUploadError, evt.Type)
}
