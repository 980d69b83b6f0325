package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/metrics"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/recorder"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/transform"
	"github.com/BorderBoy/WebRTC-encoded-video-injection/internal/webrtc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var sampleStream = []byte{
	0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
	0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
	0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02,
	0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x04,
}

type fakeViewers struct {
	clients int
	err     error
	offers  [][]byte
}

func (f *fakeViewers) HandleOffer(offer []byte) ([]byte, error) {
	f.offers = append(f.offers, offer)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakeViewers) GetClientCount() int { return f.clients }

func newTestServer(t *testing.T, viewers Viewers, rec Recorder) (*Server, *transform.Session) {
	t.Helper()
	m := metrics.New()
	session, err := transform.NewSession(transform.Options{Mode: transform.ModeCipher, Metrics: m})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return New(Options{
		Session:        session,
		Viewers:        viewers,
		Recorder:       rec,
		Metrics:        m,
		MaxStreamBytes: 64,
		CORSOrigin:     "*",
	}), session
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStreamUpload(t *testing.T) {
	t.Parallel()
	srv, session := newTestServer(t, nil, nil)

	rr := do(t, srv.Handler(), http.MethodPost, "/stream", sampleStream, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	if got := rr.Header().Get("X-Access-Units"); got != "2" {
		t.Errorf("X-Access-Units = %q", got)
	}
	if session.Store().Len() != 2 {
		t.Errorf("store holds %d units", session.Store().Len())
	}

	rr = do(t, srv.Handler(), http.MethodPost, "/stream", make([]byte, 65), nil)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d", rr.Code)
	}

	rr = do(t, srv.Handler(), http.MethodGet, "/stream", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /stream status = %d", rr.Code)
	}
}

func TestKeyUpdate(t *testing.T) {
	t.Parallel()
	srv, session := newTestServer(t, nil, nil)

	post := func(body string) keyResponse {
		t.Helper()
		rr := do(t, srv.Handler(), http.MethodPost, "/key", []byte(body), nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("POST /key %s: status %d", body, rr.Code)
		}
		var resp keyResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	// "QQ==" is base64 for "A"
	if r := post(`{"key":"QQ=="}`); r.KeyID != 1 || !r.UseOffset {
		t.Errorf("first key = %+v", r)
	}
	if r := post(`{"key":"QQ==","use_offset":false}`); r.KeyID != 1 || r.UseOffset {
		t.Errorf("same key = %+v", r)
	}
	if r := post(`{"key":"Qg=="}`); r.KeyID != 2 || r.UseOffset {
		t.Errorf("new key = %+v", r)
	}
	if !bytes.Equal(session.Keys().CurrentKey(), []byte("B")) {
		t.Errorf("current key = %q", session.Keys().CurrentKey())
	}

	rr := do(t, srv.Handler(), http.MethodPost, "/key", []byte(`{"key":`), nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rr.Code)
	}
}

func TestStatusJSONAndProtobuf(t *testing.T) {
	t.Parallel()
	viewers := &fakeViewers{clients: 3}
	srv, session := newTestServer(t, viewers, nil)
	session.LoadStream(sampleStream)

	rr := do(t, srv.Handler(), http.MethodGet, "/status", nil, nil)
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var resp statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Viewers != 3 || resp.Session.StoredUnits != 2 || resp.Session.Mode != transform.ModeCipher {
		t.Errorf("status = %+v", resp)
	}
	if resp.Recording != nil {
		t.Error("recording reported without a recorder")
	}

	rr = do(t, srv.Handler(), http.MethodGet, "/status", nil, map[string]string{"Accept": protobufContentType})
	if ct := rr.Header().Get("Content-Type"); ct != protobufContentType {
		t.Fatalf("content type = %q", ct)
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(rr.Body.Bytes(), &msg); err != nil {
		t.Fatalf("proto.Unmarshal: %v", err)
	}
	sess := msg.GetFields()["session"].GetStructValue()
	if sess == nil {
		t.Fatal("session field missing")
	}
	if got := sess.GetFields()["stored_units"].GetNumberValue(); got != 2 {
		t.Errorf("stored_units = %v", got)
	}
	if got := msg.GetFields()["viewers"].GetNumberValue(); got != 3 {
		t.Errorf("viewers = %v", got)
	}
}

func TestOffer(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: bad", webrtc.ErrInvalidOffer), http.StatusBadRequest},
		{fmt.Errorf("%w (1)", webrtc.ErrMaxClients), http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		viewers := &fakeViewers{err: tc.err}
		srv, _ := newTestServer(t, viewers, nil)
		rr := do(t, srv.Handler(), http.MethodPost, "/offer", []byte(`{"type":"offer"}`), nil)
		if rr.Code != tc.code {
			t.Errorf("err %v: status = %d, want %d", tc.err, rr.Code, tc.code)
		}
		if len(viewers.offers) != 1 {
			t.Errorf("offer forwarded %d times", len(viewers.offers))
		}
	}

	srv, _ := newTestServer(t, nil, nil)
	if rr := do(t, srv.Handler(), http.MethodPost, "/offer", []byte(`{}`), nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("offer without viewers status = %d", rr.Code)
	}
}

func TestRecordingEndpoints(t *testing.T) {
	t.Parallel()
	rec := recorder.NewRecorder(t.TempDir(), nil)
	srv, _ := newTestServer(t, nil, rec)
	h := srv.Handler()

	if rr := do(t, h, http.MethodPost, "/record/stop", nil, nil); rr.Code != http.StatusConflict {
		t.Errorf("stop while idle = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/record/start", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/record/start", nil, nil); rr.Code != http.StatusConflict {
		t.Errorf("second start = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/record/stop", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("stop = %d", rr.Code)
	}
}

func TestHealthMetricsAndCORS(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &fakeViewers{clients: 1}, nil)
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/health", nil, nil)
	var health map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["webrtc_clients"] != float64(1) {
		t.Errorf("health = %v", health)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}

	do(t, h, http.MethodPost, "/key", []byte(`{"key":"QQ=="}`), nil)
	rr = do(t, h, http.MethodGet, "/metrics", nil, nil)
	if !strings.Contains(rr.Body.String(), "frameinject_key_identifier 1") {
		t.Errorf("metrics output missing key identifier:\n%s", rr.Body)
	}

	rr = do(t, h, http.MethodOptions, "/key", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rr.Code)
	}
}
