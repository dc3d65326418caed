package recording

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr-pipeline/internal/models"
)

func TestLoginToken(t *testing.T) {
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", LoginToken("a", "bc"))
}

// fakeUCM implements enough of the UCM API to exercise the login flow.
type fakeUCM struct {
	mu       sync.Mutex
	actions  []string
	password string
	audio    []byte
}

func (f *fakeUCM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ucmRequest
	if r.URL.Path != "/api" || json.NewDecoder(r.Body).Decode(&req) != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.actions = append(f.actions, req.Request["action"])
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch req.Request["action"] {
	case "challenge":
		_, _ = w.Write([]byte(`{"status":0,"response":{"challenge":"0000001652831220"}}`))
	case "login":
		if req.Request["token"] != LoginToken("0000001652831220", f.password) {
			_, _ = w.Write([]byte(`{"status":-37,"response":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":0,"response":{"cookie":"sid1234"}}`))
	case "recapi":
		if req.Request["cookie"] != "sid1234" {
			_, _ = w.Write([]byte(`{"status":-6,"response":{}}`))
			return
		}
		if req.Request["filename"] != "auto-1700000000-2125551212-1005.wav" {
			_, _ = w.Write([]byte(`{"status":-19,"response":{}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/x-wav")
		_, _ = w.Write(f.audio)
	case "logout":
		_, _ = w.Write([]byte(`{"status":0,"response":{}}`))
	}
}

func ucmConn(url, password string) models.PbxConnection {
	return models.PbxConnection{ID: "conn-1", Vendor: models.VendorGrandstream, BaseURL: url, APIUsername: "cdrapi", APIPassword: password}
}

func TestUCMDownload_LoginFlow(t *testing.T) {
	ucm := &fakeUCM{password: "pw", audio: []byte("RIFF....WAVE")}
	srv := httptest.NewServer(ucm)
	defer srv.Close()

	rec, err := NewFetcher(Options{}).Fetch(context.Background(), ucmConn(srv.URL, "pw"), "auto-1700000000-2125551212-1005.wav")
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(rec.Body))
	assert.Equal(t, "audio/x-wav", rec.ContentType)
	assert.Equal(t, []string{"challenge", "login", "recapi", "logout"}, ucm.actions)
}

func TestUCMDownload_BadPassword(t *testing.T) {
	srv := httptest.NewServer(&fakeUCM{password: "pw"})
	defer srv.Close()

	_, err := NewFetcher(Options{}).Fetch(context.Background(), ucmConn(srv.URL, "wrong"), "auto-1700000000-2125551212-1005.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login")
}

func TestUCMDownload_MissingFileIsError(t *testing.T) {
	srv := httptest.NewServer(&fakeUCM{password: "pw", audio: []byte("x")})
	defer srv.Close()

	_, err := NewFetcher(Options{}).Fetch(context.Background(), ucmConn(srv.URL, "pw"), "other.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status -19")
}

func TestBasicAuthDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/monitor/2023/11/14/out-100.wav" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	conn := models.PbxConnection{ID: "c", Vendor: models.VendorFreePBX, RecordingBaseURL: srv.URL + "/monitor",
		APIUsername: "admin", APIPassword: "secret"}
	f := NewFetcher(Options{})

	rec, err := f.Fetch(context.Background(), conn, "2023/11/14/out-100.wav")
	require.NoError(t, err)
	assert.Equal(t, "audio", string(rec.Body))

	_, err = f.Fetch(context.Background(), conn, "missing.wav")
	assert.ErrorContains(t, err, "status 404")

	conn.APIPassword = "wrong"
	_, err = f.Fetch(context.Background(), conn, "2023/11/14/out-100.wav")
	assert.ErrorContains(t, err, "status 401")
}

func TestBasicAuthDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	conn := models.PbxConnection{ID: "c", Vendor: models.VendorGeneric, RecordingBaseURL: srv.URL}
	_, err := NewFetcher(Options{MaxBytes: 16}).Fetch(context.Background(), conn, "a.wav")
	assert.ErrorContains(t, err, "too large")
}

func TestFetch_RejectsMissingFilenameAndVendor(t *testing.T) {
	f := NewFetcher(Options{})
	_, err := f.Fetch(context.Background(), models.PbxConnection{Vendor: models.VendorGeneric}, "")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), models.PbxConnection{Vendor: "avaya"}, "a.wav")
	assert.ErrorContains(t, err, "no download strategy")
}

func TestJoinURL_DropsTraversal(t *testing.T) {
	got, err := joinURL("https://pbx.example/rec/", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "https://pbx.example/rec/etc/passwd", got)
}
