package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"cam1":       `"cam1"`,
		`a"b`:        `"a\"b"`,
		`back\slash`: `"back\\slash"`,
		"":           `""`,
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Fatalf("Quote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestGetDevice(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodGet || r.URL.Path != "/api/collections/devices/records/cam1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Device{ID: "cam1", Model: "wildcam-4g", Status: StatusOn})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	d, err := c.GetDevice(context.Background(), "cam1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.ID != "cam1" || d.Model != "wildcam-4g" || d.Status != StatusOn {
		t.Fatalf("device = %+v", d)
	}
	if gotAuth != "tok-123" {
		t.Fatalf("Authorization = %q, want tok-123", gotAuth)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.GetDevice(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDevices_DrainsAllPages(t *testing.T) {
	var filters []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/devices/records" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		filters = append(filters, r.URL.Query().Get("filter"))
		if got := r.URL.Query().Get("perPage"); got != "500" {
			t.Fatalf("perPage = %q, want 500", got)
		}

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		resp := map[string]any{
			"page":       page,
			"totalPages": 3,
			"items":      []Device{{ID: fmt.Sprintf("cam-%d", page)}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	devices, err := c.ListDevices(context.Background(), `automation != null`)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices across 3 pages, got %d", len(devices))
	}
	for i, d := range devices {
		if want := fmt.Sprintf("cam-%d", i+1); d.ID != want {
			t.Fatalf("devices[%d].ID = %q, want %q", i, d.ID, want)
		}
	}
	for _, f := range filters {
		if f != `automation != null` {
			t.Fatalf("filter not forwarded on every page: %v", filters)
		}
	}
}

func TestGetRunConfig_BuildsFilterAndUnwrapsFirstItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := `name = "slot-check" && model = "wildcam-4g"`
		if got := r.URL.Query().Get("filter"); got != want {
			t.Fatalf("filter = %q, want %q", got, want)
		}
		resp := map[string]any{
			"page":       1,
			"totalPages": 1,
			"items":      []RunConfig{{Name: "slot-check", Model: "wildcam-4g", Command: "ping $host", Target: TargetLocal}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	rc, err := c.GetRunConfig(context.Background(), "slot-check", "wildcam-4g")
	if err != nil {
		t.Fatalf("GetRunConfig: %v", err)
	}
	if rc.Command != "ping $host" || rc.Target != TargetLocal {
		t.Fatalf("run config = %+v", rc)
	}
}

func TestGetRunConfig_EmptyListIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"page": 1, "totalPages": 1, "items": []RunConfig{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.GetRunConfig(context.Background(), "reboot", "unknown-model"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty result, got %v", err)
	}
}

func TestUpdateDevice_SendsPatchBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/collections/devices/records/cam1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Device{ID: "cam1", Status: StatusOff})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	d, err := c.UpdateDevice(context.Background(), "cam1", map[string]any{"status": StatusOff})
	if err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	if got["status"] != StatusOff {
		t.Fatalf("patch body = %v", got)
	}
	if d.Status != StatusOff {
		t.Fatalf("device = %+v", d)
	}
}

func TestCreateTask_PostsAndReturnsStoredRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/collections/tasks/records" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in Task
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		in.ID = "task-1"
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	out, err := c.CreateTask(context.Background(), &Task{Device: "cam1", ActionName: "reboot", Status: TaskPending})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if out.ID != "task-1" || out.Device != "cam1" || out.Status != TaskPending {
		t.Fatalf("task = %+v", out)
	}
}

func TestDo_SurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetDevice(context.Background(), "cam1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a non-notfound error, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "").Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if err := NewClient(down.URL, "").Ping(context.Background()); err == nil {
		t.Fatal("expected error from unhealthy store")
	}
}
