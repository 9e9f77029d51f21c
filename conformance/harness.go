// Package conformance provides a test harness that runs the whole agent —
// real PACS client, orchestrator, poll engine, and control API — against a
// fake in-process PACS, and verifies the externally observable behavior.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/photonic-rad/photonic-agent/internal/cache"
	"github.com/photonic-rad/photonic-agent/internal/download"
	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/pacs"
	"github.com/photonic-rad/photonic-agent/internal/pathconv"
	"github.com/photonic-rad/photonic-agent/internal/poll"
	"github.com/photonic-rad/photonic-agent/internal/server"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// Settings seeds the persisted runtime settings.
	Settings model.Settings
}

// FakePACS is an in-process stand-in for the remote worklist provider.
type FakePACS struct {
	mu       sync.Mutex
	worklist []model.StudyDescriptor
	resolved map[string]resolution // study_instance_uid -> resolution
	payloads map[string][]byte     // internal id -> archive bytes
	server   *httptest.Server
	token    string
}

type resolution struct {
	internalID  string
	patientName string
}

// NewFakePACS starts the fake provider.
func NewFakePACS() (*FakePACS, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("conformance-secret"))
	if err != nil {
		return nil, fmt.Errorf("failed to sign fake token: %w", err)
	}

	f := &FakePACS{
		resolved: make(map[string]resolution),
		payloads: make(map[string][]byte),
		token:    token,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/quickrad/telerad/login-validation", f.handleLogin)
	mux.HandleFunc("/api/quickrad/telerad/fetch-admin-list", f.handleWorklist)
	mux.HandleFunc("/api/quickrad/general/get-misc-study-data", f.handleResolve)
	mux.HandleFunc("/dicom-web/studies/", f.handleArchive)
	f.server = httptest.NewServer(mux)
	return f, nil
}

// AddStudy registers a study on the fake worklist with its archive payload.
func (f *FakePACS) AddStudy(uid, internalID, patientName string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.worklist = append(f.worklist, model.StudyDescriptor{
		StudyInstanceUID: uid,
		PatientName:      patientName,
		PatientID:        "PID-" + uid,
		Status:           "READY",
	})
	f.resolved[uid] = resolution{internalID: internalID, patientName: patientName}
	f.payloads[internalID] = payload
}

// URL returns the fake provider's base URL.
func (f *FakePACS) URL() string { return f.server.URL }

// Close shuts the fake provider down.
func (f *FakePACS) Close() { f.server.Close() }

func (f *FakePACS) handleLogin(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseMultipartForm(1 << 20)
	if r.FormValue("email") == "" || r.FormValue("password") == "" {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": false, "message": "missing credentials", "token": "",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": true, "message": "ok", "token": f.token,
	})
}

func (f *FakePACS) handleWorklist(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"study_list": f.worklist})
}

func (f *FakePACS) handleResolve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseMultipartForm(1 << 20)
	f.mu.Lock()
	res, ok := f.resolved[r.FormValue("study_instance_uid")]
	f.mu.Unlock()
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"study_data": map[string]string{"study_instance_uuid": "undefined"},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"study_data": map[string]string{
			"study_instance_uuid": res.internalID,
			"patient_name":        res.patientName,
		},
	})
}

func (f *FakePACS) handleArchive(w http.ResponseWriter, r *http.Request) {
	internalID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/dicom-web/studies/"), "/archive")
	f.mu.Lock()
	payload, ok := f.payloads[internalID]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(payload)
}

// Harness wires a complete agent around a fake PACS.
type Harness struct {
	PACS    *FakePACS
	Queue   storage.QueueStore
	Objects storage.ObjectStore
	Engine  *poll.Engine

	server *httptest.Server
	pub    event.Publisher
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	fake, err := NewFakePACS()
	if err != nil {
		return nil, err
	}

	queue := storage.NewMemoryQueue()
	objects := storage.NewMemoryObjects()
	m := metrics.NewMetrics()
	pub := event.NewPublisher("", m)
	stop := download.NewKillSwitch()
	logger := slog.New(slog.DiscardHandler)

	settings := cfg.Settings
	settings.BaseURL = fake.URL()
	if err := queue.SaveSettings(context.Background(), settings); err != nil {
		fake.Close()
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	creds := pacs.StaticCredentials{Username: "conformance@example.com", Password: "secret"}
	client := pacs.NewClient(fake.URL(), creds, stop, m, logger)

	governor := cache.NewGovernor(objects, queue, pub, m, logger)
	orch := download.NewOrchestrator(queue, objects, client, governor, pub, m, stop, pathconv.Posix{Home: "/home/viewer"}, logger)
	engine := poll.NewEngine(client, queue, objects, orch, pub, m, logger)

	ctl := server.New(queue, orch, engine, stop, client, nil, m, logger)

	return &Harness{
		PACS:    fake,
		Queue:   queue,
		Objects: objects,
		Engine:  engine,
		server:  httptest.NewServer(ctl.Handler()),
		pub:     pub,
	}, nil
}

// Close shuts down the harness.
func (h *Harness) Close() {
	h.server.Close()
	h.PACS.Close()
	_ = h.pub.Close()
}

// URL returns the control API base URL.
func (h *Harness) URL() string { return h.server.URL }

// post issues a POST against the control API and decodes the response body.
func (h *Harness) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(h.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s = %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// get issues a GET against the control API and decodes the response body.
func (h *Harness) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s = %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// RunConformanceTests verifies the full poll-download-serve lifecycle over
// the control API.
func (h *Harness) RunConformanceTests(t *testing.T) {
	payload := []byte(strings.Repeat("dicom-bytes-", 256))
	h.PACS.AddStudy("1.2.840.1", "uuid-840-1", "DOE^JANE", payload)
	h.PACS.AddStudy("1.2.840.2", "uuid-840-2", "ROE^RICHARD", payload)

	t.Run("PollCycleDownloadsWorklist", func(t *testing.T) {
		status, body := h.post(t, "/v1/poll", "")
		if status != http.StatusOK {
			t.Fatalf("poll status = %d (body: %v)", status, body)
		}
		data := body["data"].(map[string]interface{})
		if data["total"].(float64) != 2 || data["succeeded"].(float64) != 2 {
			t.Fatalf("poll result = %v, want 2/2", data)
		}
	})

	t.Run("SummaryReflectsCache", func(t *testing.T) {
		status, body := h.get(t, "/v1/summary")
		if status != http.StatusOK {
			t.Fatalf("summary status = %d", status)
		}
		data := body["data"].(map[string]interface{})
		if data["cachedBlobs"].(float64) != 2 {
			t.Errorf("cachedBlobs = %v, want 2", data["cachedBlobs"])
		}
		if data["staleDownloads"].(float64) != 0 {
			t.Errorf("staleDownloads = %v, want 0", data["staleDownloads"])
		}
	})

	t.Run("PayloadRoundTrips", func(t *testing.T) {
		resp, err := http.Get(h.server.URL + "/v1/studies/1.2.840.1/payload")
		if err != nil {
			t.Fatalf("GET payload = %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("payload status = %d", resp.StatusCode)
		}
		got, _ := io.ReadAll(resp.Body)
		if string(got) != string(payload) {
			t.Error("served payload does not match the archive the provider returned")
		}
	})

	t.Run("RepollIsIdempotent", func(t *testing.T) {
		status, body := h.post(t, "/v1/poll", "")
		if status != http.StatusOK {
			t.Fatalf("poll status = %d", status)
		}
		data := body["data"].(map[string]interface{})
		if data["total"].(float64) != 0 {
			t.Errorf("second poll attempted %v downloads, want 0", data["total"])
		}
	})

	t.Run("DeleteKeepsRecord", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, h.server.URL+"/v1/studies/1.2.840.2", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delete status = %d", resp.StatusCode)
		}

		record, err := h.Queue.Get(context.Background(), "1.2.840.2")
		if err != nil {
			t.Fatalf("record gone after delete: %v", err)
		}
		if record.Status != model.StatusDeleted || record.FilePath != "" {
			t.Errorf("record = %+v, want DELETED with cleared payload fields", record)
		}
	})

	t.Run("RedownloadRestores", func(t *testing.T) {
		status, body := h.post(t, "/v1/studies/1.2.840.2/redownload", "")
		if status != http.StatusOK {
			t.Fatalf("redownload status = %d (body: %v)", status, body)
		}
		data := body["data"].(map[string]interface{})
		if data["status"] != string(model.StatusDownloaded) {
			t.Errorf("status = %v, want DOWNLOADED", data["status"])
		}
	})

	t.Run("EmergencyStopBlocksFetches", func(t *testing.T) {
		if status, _ := h.post(t, "/v1/emergency-stop", ""); status != http.StatusOK {
			t.Fatalf("engage status = %d", status)
		}
		status, body := h.post(t, "/v1/studies/1.2.840.1/redownload", "")
		if status != http.StatusUnprocessableEntity {
			t.Errorf("redownload under stop = %d, want 422 (body: %v)", status, body)
		}
		if status, _ := h.post(t, "/v1/emergency-stop/resume", ""); status != http.StatusOK {
			t.Fatalf("resume status = %d", status)
		}
	})
}
