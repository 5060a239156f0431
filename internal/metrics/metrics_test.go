package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/shinylive-postrender/internal/version"
)

// gather returns the metric family with the given name, or nil
func gather(t *testing.T, m *HookMetrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNew_RegistersScalars(t *testing.T) {
	m := New()
	for _, name := range []string{
		"postrender_run_duration_seconds",
		"postrender_last_run_success",
		"postrender_files_copied_total",
		"postrender_bytes_copied_total",
		"postrender_asset_bundle_downloads_total",
	} {
		if gather(t, m, name) == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := false
	m.SetBuildInfoFromVersion("shinylive-postrender", "hook", version.Info{Version: "1.0.0", Commit: "abc", VCSDirty: &dirty})

	mf := gather(t, m, "build_info")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("build_info = %v", mf)
	}
	metric := mf.GetMetric()[0]
	if labelValue(metric, "version") != "1.0.0" || labelValue(metric, "vcs_dirty") != "false" {
		t.Fatalf("labels = %v", metric.GetLabel())
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Fatalf("value = %v", metric.GetGauge().GetValue())
	}
}

func TestObserveStep(t *testing.T) {
	m := New()
	m.ObserveStep("copy_tree", 1500*time.Millisecond)
	m.ObserveStep("locate", 250*time.Millisecond)

	mf := gather(t, m, "postrender_step_duration_seconds")
	if mf == nil || len(mf.GetMetric()) != 2 {
		t.Fatalf("step metrics = %v", mf)
	}
	for _, metric := range mf.GetMetric() {
		if labelValue(metric, "step") == "copy_tree" && metric.GetGauge().GetValue() != 1.5 {
			t.Fatalf("copy_tree = %v", metric.GetGauge().GetValue())
		}
	}
}

func TestAddCopied_Accumulates(t *testing.T) {
	m := New()
	m.AddCopied(1, 100)
	m.AddCopied(10, 900)

	if v := gather(t, m, "postrender_files_copied_total").GetMetric()[0].GetCounter().GetValue(); v != 11 {
		t.Fatalf("files = %v", v)
	}
	if v := gather(t, m, "postrender_bytes_copied_total").GetMetric()[0].GetCounter().GetValue(); v != 1000 {
		t.Fatalf("bytes = %v", v)
	}
}

func TestObserveBundle_ReplacesIdentity(t *testing.T) {
	m := New()
	m.ObserveBundle("0.9.0", "aaa", "cache", 0)
	m.ObserveBundle("0.9.1", "bbb", "https", 4096)

	mf := gather(t, m, "postrender_asset_bundle_info")
	if len(mf.GetMetric()) != 1 {
		t.Fatalf("bundle info should hold only the latest bundle, got %d series", len(mf.GetMetric()))
	}
	if labelValue(mf.GetMetric()[0], "version") != "0.9.1" {
		t.Fatalf("labels = %v", mf.GetMetric()[0].GetLabel())
	}
	if v := gather(t, m, "postrender_asset_bundle_downloads_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Fatalf("downloads = %v (cache hits should not count)", v)
	}
	if v := gather(t, m, "postrender_asset_bundle_download_bytes_total").GetMetric()[0].GetCounter().GetValue(); v != 4096 {
		t.Fatalf("download bytes = %v", v)
	}
}

func TestSetRunResult(t *testing.T) {
	m := New()
	started := time.Unix(1700000000, 0)
	m.SetRunResult(false, started, 2*time.Second)

	if v := gather(t, m, "postrender_last_run_success").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Fatalf("success = %v", v)
	}
	if v := gather(t, m, "postrender_last_run_timestamp_seconds").GetMetric()[0].GetGauge().GetValue(); v != 1700000000 {
		t.Fatalf("timestamp = %v", v)
	}

	m.SetRunResult(true, started, time.Second)
	if v := gather(t, m, "postrender_last_run_success").GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("success = %v", v)
	}
}

func TestSetMarkerCreated(t *testing.T) {
	m := New()
	m.SetMarkerCreated(true)
	if v := gather(t, m, "postrender_marker_created").GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("marker_created = %v", v)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.AddCopied(2, 20)
	path := filepath.Join(t.TempDir(), "postrender.prom")

	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "postrender_files_copied_total 2") {
		t.Fatalf("textfile missing counter:\n%s", data)
	}
}

func TestWriteTextfile_BadDir(t *testing.T) {
	m := New()
	err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	if err == nil || !strings.Contains(err.Error(), "write metrics textfile") {
		t.Fatalf("err = %v", err)
	}
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.AddCopied(1, 1)
	if err := m.Push(context.Background(), srv.URL, "shinylive-postrender"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotPath != "/metrics/job/shinylive-postrender" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody == "" {
		t.Fatal("push body is empty")
	}
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := New().Push(context.Background(), srv.URL, "job"); err == nil {
		t.Fatal("expected error on 500")
	}
}
