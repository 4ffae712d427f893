package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	jobsFile *os.File
	logMu    sync.Mutex
	logReady bool
	pid      int
	dir      string
)

// UploadMetrics is the flattened view of one upload attempt.
type UploadMetrics struct {
	AttemptID   string
	SizeKB      float64
	DNSTimeMs   float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	StatusCode  int
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: FRIENDREC_LOG_PATH environment variable
	if envPath := os.Getenv("FRIENDREC_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	jobsPath := filepath.Join(dir, "jobs_log.txt")
	jobsFile, err = os.OpenFile(jobsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if jobsFile != nil {
		jobsFile.Close()
		jobsFile = nil
	}
	logReady = false
}

func Debug(msg string) {
	if logReady {
		diagLog.Debug().Msg(msg)
	}
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(deviceName, endpoint, recordingPath string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("device", deviceName).
		Str("endpoint", endpoint).
		Str("recording", recordingPath).
		Msg("session_start")
}

func SessionEnd(jobs int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("jobs", jobs).
		Msg("session_end")
}

func LinkState(state, label string) {
	if !logReady {
		return
	}
	ev := diagLog.Info().Str("state", state)
	if label != "" {
		ev = ev.Str("device", label)
	}
	ev.Msg("link_state")
}

func Battery(percent int) {
	if !logReady {
		return
	}
	diagLog.Info().Int("percent", percent).Msg("battery")
}

func RecordingStats(frames uint64, sampleRate int, dropped int) {
	if !logReady {
		return
	}
	var seconds float64
	if sampleRate > 0 {
		seconds = float64(frames) / float64(sampleRate)
	}
	diagLog.Info().
		Uint64("frames", frames).
		Float64("audio_s", seconds).
		Int("dropped_buffers", dropped).
		Msg("recording")
}

func Upload(m UploadMetrics) {
	if !logReady {
		return
	}

	connStatus := "new"
	if m.ConnReused {
		connStatus = "reused"
	}

	diagLog.Info().
		Str("attempt", m.AttemptID).
		Str("conn", connStatus).
		Int("status", m.StatusCode).
		Float64("size_kb", m.SizeKB).
		Float64("dns_ms", m.DNSTimeMs).
		Float64("tls_ms", m.TLSTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("upload")
}

// JobID appends a submitted job to jobs_log.txt.
func JobID(jobID, artifactPath string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, jobID, artifactPath)
	jobsFile.WriteString(line)
}
