package pacs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tok
}

type stubHalter struct{ engaged atomic.Bool }

func (s *stubHalter) Engaged() bool { return s.engaged.Load() }

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := StaticCredentials{Username: "user@example.com", Password: "secret"}
	return NewClient(srv.URL, creds, nil, metrics.NewMetrics(), testLogger()), srv
}

func loginHandler(t *testing.T, logins *atomic.Int32, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("login request is not multipart: %v", err)
		}
		if got := r.FormValue("email"); got != "user@example.com" {
			t.Errorf("unexpected email field %q", got)
		}
		fmt.Fprintf(w, `{"status": true, "message": "ok", "token": %q}`, token)
	}
}

func TestAuthenticateCachesToken(t *testing.T) {
	var logins atomic.Int32
	token := testToken(t, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	client, _ := newTestClient(t, mux)

	ctx := context.Background()
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("second Authenticate() = %v", err)
	}
	if got := logins.Load(); got != 1 {
		t.Errorf("login endpoint hit %d times, want 1 (token should be cached)", got)
	}
}

func TestAuthenticateExpiringTokenRefreshes(t *testing.T) {
	var logins atomic.Int32
	// Inside the expiry buffer, so the second call must re-authenticate.
	token := testToken(t, 10*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	client, _ := newTestClient(t, mux)

	ctx := context.Background()
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate() = %v", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("second Authenticate() = %v", err)
	}
	if got := logins.Load(); got != 2 {
		t.Errorf("login endpoint hit %d times, want 2 (short-lived token)", got)
	}
}

func TestAuthenticateRateLimitedLatches(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client, _ := newTestClient(t, mux)

	ctx := context.Background()
	err := client.Authenticate(ctx)
	if errordefs.CodeOf(err) != errordefs.PH_AUTH_LOCKED {
		t.Fatalf("Authenticate() code = %v, want PH_AUTH_LOCKED", errordefs.CodeOf(err))
	}

	// The latch stops further network attempts.
	err = client.Authenticate(ctx)
	if errordefs.CodeOf(err) != errordefs.PH_AUTH_LOCKED {
		t.Fatalf("latched Authenticate() code = %v, want PH_AUTH_LOCKED", errordefs.CodeOf(err))
	}
	if got := logins.Load(); got != 1 {
		t.Errorf("login endpoint hit %d times after latch, want 1", got)
	}

	client.ResetAuth()
	_ = client.Authenticate(ctx)
	if got := logins.Load(); got != 2 {
		t.Errorf("login endpoint hit %d times after ResetAuth, want 2", got)
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": false, "message": "wrong password", "token": ""}`)
	})
	client, _ := newTestClient(t, mux)

	err := client.Authenticate(context.Background())
	if errordefs.CodeOf(err) != errordefs.PH_AUTH {
		t.Fatalf("Authenticate() code = %v, want PH_AUTH", errordefs.CodeOf(err))
	}
}

func TestListWorklist(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc(worklistPath, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "JWT "+token {
			t.Errorf("Authorization = %q, want JWT token", got)
		}
		if got := r.FormValue("page_size"); got != "30" {
			t.Errorf("page_size = %q, want 30", got)
		}
		fmt.Fprint(w, `{"study_list": [
			{"study_instance_uid": "1.2.3", "patient_name": "DOE^JANE", "status": "PENDING"},
			{"study_instance_uid": "4.5.6", "patient_name": "ROE^RICHARD", "status": "PENDING"}
		]}`)
	})
	client, _ := newTestClient(t, mux)

	validBefore := testutil.ToFloat64(
		client.metrics.ResponseValidationTotal.WithLabelValues("fetch-admin-list", "valid"))

	studies, err := client.ListWorklist(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListWorklist() = %v", err)
	}
	if len(studies) != 2 {
		t.Fatalf("got %d studies, want 2", len(studies))
	}
	if studies[0].StudyInstanceUID != "1.2.3" || studies[0].PatientName != "DOE^JANE" {
		t.Errorf("unexpected first study: %+v", studies[0])
	}

	validAfter := testutil.ToFloat64(
		client.metrics.ResponseValidationTotal.WithLabelValues("fetch-admin-list", "valid"))
	if validAfter != validBefore+1 {
		t.Errorf("validation counter = %v, want %v", validAfter, validBefore+1)
	}
}

func TestListWorklistBareArray(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc(worklistPath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"study_instance_uid": "1.2.3"}]`)
	})
	client, _ := newTestClient(t, mux)

	studies, err := client.ListWorklist(context.Background(), 30, 1)
	if err != nil {
		t.Fatalf("ListWorklist() = %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("got %d studies, want 1", len(studies))
	}
}

func TestListWorklistRejectsMalformedRows(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc(worklistPath, func(w http.ResponseWriter, r *http.Request) {
		// Row without study_instance_uid must fail schema validation.
		fmt.Fprint(w, `{"study_list": [{"patient_name": "DOE^JANE"}]}`)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.ListWorklist(context.Background(), 30, 1)
	if errordefs.CodeOf(err) != errordefs.PH_FETCH_FAILED {
		t.Fatalf("ListWorklist() code = %v, want PH_FETCH_FAILED", errordefs.CodeOf(err))
	}
}

func TestResolveStudy(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32
	var resolves atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc(resolvePath, func(w http.ResponseWriter, r *http.Request) {
		resolves.Add(1)
		if got := r.FormValue("study_instance_uid"); got != "1.2.3" {
			t.Errorf("study_instance_uid = %q, want 1.2.3", got)
		}
		fmt.Fprint(w, `{"study_data": {"study_instance_uuid": "abc-123", "patient_name": "DOE^JANE"}}`)
	})
	client, _ := newTestClient(t, mux)

	ctx := context.Background()
	res, err := client.ResolveStudy(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("ResolveStudy() = %v", err)
	}
	if res.InternalID != "abc-123" || res.PatientName != "DOE^JANE" {
		t.Errorf("unexpected resolution: %+v", res)
	}

	// Second lookup comes from the memo.
	if _, err := client.ResolveStudy(ctx, "1.2.3"); err != nil {
		t.Fatalf("memoized ResolveStudy() = %v", err)
	}
	if got := resolves.Load(); got != 1 {
		t.Errorf("resolve endpoint hit %d times, want 1", got)
	}
}

func TestResolveStudyPlaceholder(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc(resolvePath, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"study_data": {"study_instance_uuid": "undefined"}}`)
	})
	client, _ := newTestClient(t, mux)

	_, err := client.ResolveStudy(context.Background(), "1.2.3")
	if errordefs.CodeOf(err) != errordefs.PH_RESOLUTION_FAILED {
		t.Fatalf("ResolveStudy() code = %v, want PH_RESOLUTION_FAILED", errordefs.CodeOf(err))
	}
}

func TestFetchArchive(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc("/dicom-web/studies/abc-123/archive", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "JWT "+token {
			t.Errorf("Authorization = %q, want JWT token", got)
		}
		w.Write(payload)
	})
	client, _ := newTestClient(t, mux)

	got, err := client.FetchArchive(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("FetchArchive() = %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFetchArchiveResumesAfterTruncation(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32
	var attempts atomic.Int32
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc("/dicom-web/studies/abc-123/archive", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Advertise the full length but cut the body short, which the
			// client sees as a truncated transfer.
			w.Header().Set("Content-Length", "4096")
			w.Write(payload[:1024])
			return
		}
		if got := r.Header.Get("Range"); got != "bytes=1024-" {
			t.Errorf("Range = %q, want bytes=1024-", got)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[1024:])
	})
	client, _ := newTestClient(t, mux)

	got, err := client.FetchArchive(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("FetchArchive() = %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	if got[4095] != payload[4095] {
		t.Error("resumed payload does not match original")
	}
}

func TestFetchArchiveRejectsPlaceholderID(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })
	client, _ := newTestClient(t, mux)

	_, err := client.FetchArchive(context.Background(), "undefined")
	if errordefs.CodeOf(err) != errordefs.PH_INVALID_STUDY {
		t.Fatalf("FetchArchive() code = %v, want PH_INVALID_STUDY", errordefs.CodeOf(err))
	}
	if hits.Load() != 0 {
		t.Error("placeholder identifier reached the network")
	}
}

func TestFetchArchiveEmergencyStop(t *testing.T) {
	token := testToken(t, time.Hour)
	var logins atomic.Int32
	var archiveHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, loginHandler(t, &logins, token))
	mux.HandleFunc("/dicom-web/studies/abc-123/archive", func(w http.ResponseWriter, r *http.Request) {
		archiveHits.Add(1)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	halter := &stubHalter{}
	halter.engaged.Store(true)
	client := NewClient(srv.URL, StaticCredentials{Username: "u", Password: "p"}, halter, metrics.NewMetrics(), testLogger())

	_, err := client.FetchArchive(context.Background(), "abc-123")
	if errordefs.CodeOf(err) != errordefs.PH_EMERGENCY_STOP {
		t.Fatalf("FetchArchive() code = %v, want PH_EMERGENCY_STOP", errordefs.CodeOf(err))
	}
	if archiveHits.Load() != 0 {
		t.Error("archive request made while emergency stop engaged")
	}
}
