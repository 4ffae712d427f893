package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"friendrec/log"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrStillRecording   = errors.New("recording still in progress")
	ErrNoRecording      = errors.New("no finished recording")
)

// Op names the recorder step that failed.
type Op string

const (
	OpEngineStart  Op = "engine_start"
	OpArtifactRead Op = "artifact_read"
)

// CaptureError is returned when the audio engine cannot start or the finished
// recording cannot be read back.
type CaptureError struct {
	Op   Op
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	switch e.Op {
	case OpEngineStart:
		return fmt.Sprintf("audio engine start failed: %v", e.Err)
	case OpArtifactRead:
		return fmt.Sprintf("reading recording %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Format describes the PCM layout of an Artifact.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Artifact is a finished WAV recording held in memory.
type Artifact struct {
	Data   []byte
	Format Format
	Path   string
}

// Frames is the number of PCM frames after the WAV header.
func (a Artifact) Frames() int {
	if len(a.Data) <= WAVHeaderSize {
		return 0
	}
	frameSize := a.Format.Channels * a.Format.BitsPerSample / 8
	if frameSize == 0 {
		frameSize = bytesPerFrame
	}
	return (len(a.Data) - WAVHeaderSize) / frameSize
}

// Stats summarises the most recent recording.
type Stats struct {
	Frames  uint64
	Buffers int
	Dropped int
}

type outputFile interface {
	io.WriteSeeker
	io.Closer
}

// Recorder writes one microphone stream at a time into a fixed-path WAV file.
// Each buffer is written before the callback returns, so the file holds the
// buffers in delivery order.
type Recorder struct {
	ctx    Context
	device *DeviceInfo
	config CaptureConfig
	path   string
	create func(path string) (outputFile, error)

	mu        sync.Mutex
	capture   CaptureDevice
	file      outputFile
	enc       *wav.Encoder
	recording bool
	stopped   bool
	stats     Stats
}

// NewRecorder returns a recorder that captures from device (nil = system
// default) into path.
func NewRecorder(ctx Context, device *DeviceInfo, path string) *Recorder {
	return &Recorder{
		ctx:    ctx,
		device: device,
		config: DefaultCaptureConfig(),
		path:   path,
		create: func(p string) (outputFile, error) { return os.Create(p) },
	}
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return &CaptureError{Op: OpEngineStart, Path: r.path, Err: err}
	}
	f, err := r.create(r.path)
	if err != nil {
		return &CaptureError{Op: OpEngineStart, Path: r.path, Err: err}
	}

	enc := wav.NewEncoder(f, int(r.config.SampleRate), BitsPerSample, int(r.config.Channels), 1)
	// An empty write forces the RIFF/fmt/data headers out now, so a
	// recording with no buffers still closes into a valid file.
	if err := enc.Write(r.intBuffer(nil)); err != nil {
		r.discard(f)
		return &CaptureError{Op: OpEngineStart, Path: r.path, Err: err}
	}

	capture, err := r.ctx.NewCapture(r.device, r.config)
	if err != nil {
		r.discard(f)
		return &CaptureError{Op: OpEngineStart, Path: r.path, Err: err}
	}

	r.file = f
	r.enc = enc
	r.stats = Stats{}
	capture.SetCallback(r.write)

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		capture.Close()
		r.file, r.enc = nil, nil
		r.discard(f)
		return &CaptureError{Op: OpEngineStart, Path: r.path, Err: err}
	}

	r.capture = capture
	r.recording = true
	r.stopped = false
	log.Info("recording_start: " + capture.DeviceName())
	return nil
}

func (r *Recorder) discard(f outputFile) {
	f.Close()
	os.Remove(r.path)
}

func (r *Recorder) intBuffer(pcm []byte) *goaudio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: int(r.config.Channels),
			SampleRate:  int(r.config.SampleRate),
		},
		Data:           samples,
		SourceBitDepth: BitsPerSample,
	}
}

// write runs on the capture device's thread.
func (r *Recorder) write(data []byte, frameCount uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enc == nil {
		return
	}
	r.stats.Buffers++
	if err := r.enc.Write(r.intBuffer(data)); err != nil {
		r.stats.Dropped++
		log.Warnf("dropping audio buffer (%d frames): %v", frameCount, err)
		return
	}
	r.stats.Frames += uint64(len(data) / bytesPerFrame)
}

func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	capture := r.capture
	r.mu.Unlock()

	// Stop without the lock: backends may flush a final buffer through write.
	capture.Stop()
	capture.ClearCallback()
	capture.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if err := r.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing wav encoder: %w", err))
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing %s: %w", r.path, err))
	}
	r.capture = nil
	r.enc = nil
	r.file = nil
	r.recording = false
	r.stopped = true

	log.RecordingStats(r.stats.Frames, int(r.config.SampleRate), r.stats.Dropped)
	return errors.Join(errs...)
}

// Finalize reads the closed recording into memory.
func (r *Recorder) Finalize() (Artifact, error) {
	r.mu.Lock()
	recording := r.recording
	stopped := r.stopped
	r.mu.Unlock()
	if recording {
		return Artifact{}, ErrStillRecording
	}
	if !stopped {
		return Artifact{}, &CaptureError{Op: OpArtifactRead, Path: r.path, Err: ErrNoRecording}
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return Artifact{}, &CaptureError{Op: OpArtifactRead, Path: r.path, Err: err}
	}
	if len(data) < WAVHeaderSize {
		return Artifact{}, &CaptureError{Op: OpArtifactRead, Path: r.path, Err: fmt.Errorf("truncated wav (%d bytes)", len(data))}
	}
	return Artifact{
		Data: data,
		Format: Format{
			SampleRate:    int(r.config.SampleRate),
			Channels:      int(r.config.Channels),
			BitsPerSample: BitsPerSample,
		},
		Path: r.path,
	}, nil
}
