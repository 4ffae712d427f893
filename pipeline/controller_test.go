package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"friendrec/audio"
	"friendrec/ble"
	"friendrec/log"
	"friendrec/metrics"
	"friendrec/upload"
)

type fakeUploader struct {
	mu        sync.Mutex
	job       *upload.Job
	err       error
	calls     int
	keys      []string
	artifacts []audio.Artifact
}

func (f *fakeUploader) Submit(_ context.Context, apiKey string, a audio.Artifact) (*upload.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.keys = append(f.keys, apiKey)
	f.artifacts = append(f.artifacts, a)
	return f.job, f.err
}

func (f *fakeUploader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	ctrl     *Controller
	sim      *ble.Simulator
	audioCtx *audio.FakeContext
	recorder *audio.Recorder
	uploader *fakeUploader
	path     string
}

func pcmChunks(n int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = make([]byte, audio.FramesPerBuffer*2)
		for j := range chunks[i] {
			chunks[i][j] = byte(i + j)
		}
	}
	return chunks
}

func newHarness(t *testing.T, chunks [][]byte, opts Options) *harness {
	t.Helper()
	sim := ble.NewSimulator(ble.FriendPeripheral(80))
	t.Cleanup(func() { sim.Close() })

	actx := audio.NewFakeContext(chunks)
	path := filepath.Join(t.TempDir(), "recording.wav")
	rec := audio.NewRecorder(actx, nil, path)
	up := &fakeUploader{job: &upload.Job{ID: "abc123", AttemptID: "attempt-1"}}

	ctrl, err := New(sim, rec, up, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return &harness{ctrl: ctrl, sim: sim, audioCtx: actx, recorder: rec, uploader: up, path: path}
}

func (h *harness) wait(t *testing.T, what string, cond func(Session) bool) Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := h.ctrl.Wait(ctx, cond)
	if err != nil {
		t.Fatalf("waiting for %s: %v (session %v)", what, err, s)
	}
	return s
}

func (h *harness) connect(t *testing.T, key string) {
	t.Helper()
	h.ctrl.PrimaryAction(key)
	h.wait(t, "connection", func(s Session) bool {
		return s.Link == LinkConnected && s.BatteryPercent == 80
	})
}

func (h *harness) record(t *testing.T, key string) {
	t.Helper()
	h.ctrl.PrimaryAction(key)
	h.wait(t, "recording", func(s Session) bool { return s.Recording == RecordingActive })
	caps := h.audioCtx.Captures()
	if len(caps) == 0 {
		t.Fatal("no capture created")
	}
	<-caps[len(caps)-1].AudioDone()
}

func TestPrimaryActionFullCycle(t *testing.T) {
	h := newHarness(t, pcmChunks(3), Options{})

	h.connect(t, "key")
	s := h.ctrl.Snapshot()
	if s.DeviceLabel != ble.DefaultTargetName || s.Scan != ScanIdle {
		t.Errorf("after connect: %v", s)
	}

	h.record(t, "key")
	h.ctrl.PrimaryAction("key")
	s = h.wait(t, "upload", func(s Session) bool { return s.LastJobID != "" && !s.Uploading })

	if s.LastJobID != "abc123" {
		t.Errorf("job id = %q", s.LastJobID)
	}
	if s.Recording != RecordingIdle {
		t.Errorf("recording = %v", s.Recording)
	}
	if h.uploader.Calls() != 1 {
		t.Fatalf("uploads = %d, want 1", h.uploader.Calls())
	}
	a := h.uploader.artifacts[0]
	if got := a.Frames(); got != 3*audio.FramesPerBuffer {
		t.Errorf("frames = %d, want %d", got, 3*audio.FramesPerBuffer)
	}
	if h.uploader.keys[0] != "key" {
		t.Errorf("key = %q", h.uploader.keys[0])
	}
	if _, err := os.Stat(h.path); err != nil {
		t.Errorf("artifact not kept: %v", err)
	}

	want := []string{
		"StartScan",
		"StopScan",
		"Connect Friend",
		"DiscoverServices",
	}
	calls := h.sim.Calls()
	if len(calls) < len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, c := range want {
		if calls[i] != c {
			t.Errorf("call %d = %q, want %q", i, calls[i], c)
		}
	}
}

func TestEmptyAPIKeySkipsUpload(t *testing.T) {
	h := newHarness(t, pcmChunks(2), Options{})
	h.connect(t, "")
	h.record(t, "")

	h.ctrl.PrimaryAction("")
	s := h.wait(t, "stop", func(s Session) bool { return s.Recording == RecordingIdle })
	if !strings.Contains(s.Message, ErrEmptyAPIKey.Error()) {
		t.Errorf("message = %q", s.Message)
	}
	if s.Uploading || s.LastJobID != "" {
		t.Errorf("session = %v", s)
	}
	h.ctrl.Flush()
	if h.uploader.Calls() != 0 {
		t.Errorf("uploader called %d times", h.uploader.Calls())
	}
}

func TestStopRecordingEmptyKeyReturnsError(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{})
	h.connect(t, "")
	if err := h.ctrl.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.StopRecording(""); !errors.Is(err, ErrEmptyAPIKey) {
		t.Errorf("err = %v, want ErrEmptyAPIKey", err)
	}
	if err := h.ctrl.StopRecording("key"); !errors.Is(err, audio.ErrNotRecording) {
		t.Errorf("second stop err = %v", err)
	}
}

func TestNoAudioSkipsUpload(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.connect(t, "key")
	h.record(t, "key")

	h.ctrl.PrimaryAction("key")
	s := h.wait(t, "stop", func(s Session) bool { return s.Recording == RecordingIdle })
	if !strings.Contains(s.Message, ErrNoAudio.Error()) {
		t.Errorf("message = %q", s.Message)
	}
	h.ctrl.Flush()
	if h.uploader.Calls() != 0 {
		t.Errorf("uploader called %d times", h.uploader.Calls())
	}
}

func TestStartRecordingRequiresConnection(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{})

	if err := h.ctrl.StartRecording(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if h.recorder.IsRecording() {
		t.Error("recorder started")
	}
	if _, err := os.Stat(h.path); !os.IsNotExist(err) {
		t.Errorf("recording file exists: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Recording != RecordingIdle {
		t.Errorf("session = %v", s)
	}
	if len(h.audioCtx.Captures()) != 0 {
		t.Error("capture device created")
	}
}

func TestUploadFailureSetsMessage(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{})
	h.uploader.job = nil
	h.uploader.err = &upload.Error{Kind: upload.KindServer, StatusCode: 500, Body: "boom"}

	h.connect(t, "key")
	h.record(t, "key")
	h.ctrl.PrimaryAction("key")
	s := h.wait(t, "upload failure", func(s Session) bool {
		return !s.Uploading && strings.HasPrefix(s.Message, "Upload failed")
	})
	if !strings.Contains(s.Message, "server error 500: boom") {
		t.Errorf("message = %q", s.Message)
	}
	if s.LastJobID != "" {
		t.Errorf("job id = %q", s.LastJobID)
	}
}

func TestLinkLossWhileRecording(t *testing.T) {
	h := newHarness(t, pcmChunks(2), Options{})
	h.connect(t, "key")
	h.record(t, "key")

	h.sim.DropLink()
	s := h.wait(t, "link loss", func(s Session) bool { return s.Link == LinkDisconnected })
	if s.Recording != RecordingIdle {
		t.Errorf("still recording after link loss: %v", s)
	}
	if s.BatteryPercent != 0 || s.DeviceLabel != "" {
		t.Errorf("device state not reset: %v", s)
	}
	if h.recorder.IsRecording() {
		t.Error("recorder still running")
	}
	h.ctrl.Flush()
	if h.uploader.Calls() != 0 {
		t.Errorf("uploader called %d times", h.uploader.Calls())
	}
	if _, err := os.Stat(h.path); err != nil {
		t.Errorf("recording not kept: %v", err)
	}
}

func TestBatteryDuringRecording(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{})
	h.connect(t, "key")
	h.record(t, "key")

	h.sim.SetValue(ble.BatteryLevelUUID, []byte{12})
	s := h.wait(t, "battery", func(s Session) bool { return s.BatteryPercent == 12 })
	if s.Recording != RecordingActive {
		t.Errorf("recording interrupted: %v", s)
	}
}

func TestPrimaryWhileScanningIsNoop(t *testing.T) {
	sim := ble.NewSimulator()
	t.Cleanup(func() { sim.Close() })
	rec := audio.NewRecorder(audio.NewFakeContext(nil), nil, filepath.Join(t.TempDir(), "r.wav"))
	ctrl, err := New(sim, rec, &fakeUploader{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	ctrl.PrimaryAction("k")
	ctrl.PrimaryAction("k")
	ctrl.Flush()

	s := ctrl.Snapshot()
	if s.Scan != ScanScanning {
		t.Errorf("scan = %v", s.Scan)
	}
	if !strings.Contains(s.Message, "Looking for Friend") {
		t.Errorf("message = %q", s.Message)
	}
	n := 0
	for _, c := range sim.Calls() {
		if c == "StartScan" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("StartScan called %d times", n)
	}
}

func TestDeleteAfterUpload(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{DeleteAfterUpload: true})
	h.connect(t, "key")
	h.record(t, "key")
	h.ctrl.PrimaryAction("key")
	h.wait(t, "upload", func(s Session) bool { return s.LastJobID == "abc123" })

	if _, err := os.Stat(h.path); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}
}

func TestShutdownStopsRecording(t *testing.T) {
	h := newHarness(t, pcmChunks(1), Options{Metrics: metrics.New()})
	h.connect(t, "key")
	h.record(t, "key")

	if err := h.ctrl.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	h.ctrl.Flush()
	s := h.ctrl.Snapshot()
	if s.Recording != RecordingIdle || s.Link != LinkDisconnected {
		t.Errorf("session after shutdown = %v", s)
	}
	if h.recorder.IsRecording() {
		t.Error("recorder still running")
	}
	if h.uploader.Calls() != 0 {
		t.Errorf("uploader called %d times", h.uploader.Calls())
	}
}

func TestPostAfterRunExits(t *testing.T) {
	sim := ble.NewSimulator()
	t.Cleanup(func() { sim.Close() })
	ctrl, err := New(sim, audio.NewRecorder(audio.NewFakeContext(nil), nil, filepath.Join(t.TempDir(), "r.wav")), &fakeUploader{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v", err)
	}
	if ctrl.Post(func() {}) {
		t.Error("Post succeeded after Run exited")
	}
	if err := ctrl.StartScan(); !errors.Is(err, ErrStopped) {
		t.Errorf("StartScan = %v, want ErrStopped", err)
	}
	ctrl.Flush()
}

func diagnosticsLog(t *testing.T) func() string {
	t.Helper()
	dir := t.TempDir()
	log.SetDir(dir)
	if err := log.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close(); log.SetDir("") })
	return func() string {
		data, err := os.ReadFile(filepath.Join(dir, "diagnostics_log.txt"))
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
}

func TestEmptyAPIKeyIsLoggedAsError(t *testing.T) {
	read := diagnosticsLog(t)
	h := newHarness(t, pcmChunks(1), Options{})
	h.connect(t, "")
	h.record(t, "")

	if err := h.ctrl.StopRecording(""); !errors.Is(err, ErrEmptyAPIKey) {
		t.Fatalf("StopRecording = %v", err)
	}
	out := read()
	if !strings.Contains(out, "ERR") || !strings.Contains(out, "upload skipped: no API key set") {
		t.Errorf("diagnostics log missing error line:\n%s", out)
	}
}

func TestShutdownAfterRunExitsReportsError(t *testing.T) {
	read := diagnosticsLog(t)
	sim := ble.NewSimulator()
	t.Cleanup(func() { sim.Close() })
	ctrl, err := New(sim, audio.NewRecorder(audio.NewFakeContext(nil), nil, filepath.Join(t.TempDir(), "r.wav")), &fakeUploader{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctrl.Run(ctx)

	if err := ctrl.Shutdown(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Shutdown = %v, want ErrStopped", err)
	}
	if out := read(); !strings.Contains(out, "shutdown: "+ErrStopped.Error()) {
		t.Errorf("diagnostics log missing shutdown warning:\n%s", out)
	}
}
