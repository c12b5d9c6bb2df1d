package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/images"
	iface "github.com/RocketWill/ByteWhisperer/interface"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/service"
	"github.com/RocketWill/ByteWhisperer/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	err error
}

func (f fakeRunner) Detect(ctx context.Context, img iface.RawImage) (engine.JobResult, error) {
	if f.err != nil {
		return engine.JobResult{}, f.err
	}
	return engine.JobResult{
		EngineID:   "engine-0",
		Detections: []iface.Detection{{ClassID: 0, Confidence: 0.8, Box: iface.Rect{X: 1, Y: 1, Width: img.Width / 2, Height: img.Height / 2}}},
		Found:      1,
		Elapsed:    time.Millisecond,
	}, nil
}

type stubBackend struct{ next iface.Handle }

func (b *stubBackend) Name() string { return "stub" }
func (b *stubBackend) CreateEngine(iface.Config) (iface.Handle, error) {
	b.next++
	return b.next, nil
}
func (b *stubBackend) DestroyEngine(iface.Handle) error                           { return nil }
func (b *stubBackend) Detect(iface.Handle, iface.RawImage) error                  { return nil }
func (b *stubBackend) GetDetections(iface.Handle, []iface.Detection) (int, error) { return 0, nil }
func (b *stubBackend) Close() error                                               { return nil }

type response struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func newRouter(t *testing.T, runner service.Runner, withHistory bool) (*gin.Engine, *store.RunRepository) {
	t.Helper()
	m := engine.NewManager(&stubBackend{}, nil)
	t.Cleanup(func() { _ = m.Close() })
	_, err := m.Create(iface.Config{ConfThreshold: 0.5, NmsThreshold: 0.4, ScoreThreshold: 0.3, InpWidth: 640, InpHeight: 640, ModelPath: "yolov8n.onnx"})
	require.NoError(t, err)

	mon, err := monitor.New()
	require.NoError(t, err)

	var history *store.RunRepository
	if withHistory {
		s, err := store.New(filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		history = s.Runs()
	}
	d := &service.Detector{Runner: runner, Backend: "stub", Names: []string{"person"}, Monitor: mon, History: history}
	return NewRouter(Options{Detector: d, Engines: m, History: history, Monitor: mon}), history
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func jpeg(t *testing.T) []byte {
	t.Helper()
	raw, err := images.Blank(200, 100)
	require.NoError(t, err)
	return raw.Data
}

func TestPing(t *testing.T) {
	r, _ := newRouter(t, fakeRunner{}, false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestDetect_Bodies(t *testing.T) {
	data := jpeg(t)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "upload.jpg")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	jsonBody, err := json.Marshal(map[string]string{"name": "b64.jpg", "image": base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"multipart", form.Bytes(), mw.FormDataContentType()},
		{"json base64", jsonBody, "application/json"},
		{"raw", data, "image/jpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRouter(t, fakeRunner{}, false)
			req := httptest.NewRequest(http.MethodPost, "/api/detect", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			code, resp := do(t, r, req)
			require.Equal(t, http.StatusOK, code, resp.Error)

			var res service.Result
			require.NoError(t, json.Unmarshal(resp.Data, &res))
			assert.Equal(t, 200, res.Width)
			assert.Equal(t, 100, res.Height)
			require.Len(t, res.Objects, 1)
			assert.Equal(t, "person", res.Objects[0].Name)
			assert.Equal(t, 100, res.Objects[0].Box.Width)
		})
	}
}

func TestDetect_Errors(t *testing.T) {
	tests := []struct {
		name        string
		runner      service.Runner
		body        string
		contentType string
		code        int
	}{
		{"garbage", fakeRunner{}, "garbage", "application/octet-stream", http.StatusBadRequest},
		{"json without image", fakeRunner{}, `{"name":"x"}`, "application/json", http.StatusBadRequest},
		{"bad base64", fakeRunner{}, `{"image":"%%%"}`, "application/json", http.StatusBadRequest},
		{"pool closed", fakeRunner{err: engine.ErrPoolClosed}, string(jpeg(t)), "image/jpeg", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRouter(t, tt.runner, false)
			req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			code, resp := do(t, r, req)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestEngineStatus(t *testing.T) {
	r, _ := newRouter(t, fakeRunner{}, false)
	code, resp := do(t, r, httptest.NewRequest(http.MethodGet, "/api/engine", nil))
	require.Equal(t, http.StatusOK, code)

	var st service.BackendStatus
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, "stub", st.Backend)
	require.Len(t, st.Engines, 1)
	assert.Equal(t, "ready", st.Engines[0].State)
	assert.Equal(t, 640, st.Engines[0].InpWidth)
}

func TestRuns(t *testing.T) {
	r, _ := newRouter(t, fakeRunner{}, false)
	code, _ := do(t, r, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusNotFound, code)

	r, history := newRouter(t, fakeRunner{}, true)
	req := httptest.NewRequest(http.MethodPost, "/api/detect?name=frame.jpg", bytes.NewReader(jpeg(t)))
	req.Header.Set("Content-Type", "image/jpeg")
	code, _ = do(t, r, req)
	require.Equal(t, http.StatusOK, code)

	code, resp := do(t, r, httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, code)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(resp.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "frame.jpg", runs[0].Image)

	code, resp = do(t, r, httptest.NewRequest(http.MethodGet, "/api/runs/"+runs[0].ID, nil))
	require.Equal(t, http.StatusOK, code)
	var run store.Run
	require.NoError(t, json.Unmarshal(resp.Data, &run))
	assert.Len(t, run.Detections, 1)

	code, _ = do(t, r, httptest.NewRequest(http.MethodDelete, "/api/runs/"+runs[0].ID, nil))
	assert.Equal(t, http.StatusOK, code)
	_, err := history.Get(context.Background(), runs[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	code, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, r, httptest.NewRequest(http.MethodGet, "/api/runs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetrics(t *testing.T) {
	r, _ := newRouter(t, fakeRunner{}, false)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `bytewhisperer_requests_total{method="/api/ping",transport="http"} 1`)
}

func TestDetectStream(t *testing.T) {
	r, _ := newRouter(t, fakeRunner{}, false)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/detect", nil)
	require.NoError(t, err)
	defer conn.Close()

	data := jpeg(t)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString(data))))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))

	for seq := 1; seq <= 2; seq++ {
		var reply wsReply
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, seq, reply.Seq)
		assert.Empty(t, reply.Error)
		require.NotNil(t, reply.Data)
		assert.Equal(t, 200, reply.Data.Width)
	}
	var reply wsReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, 3, reply.Seq)
	assert.Nil(t, reply.Data)
	assert.NotEmpty(t, reply.Error)
}
