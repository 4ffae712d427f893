package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"friendrec/audio"
	"friendrec/ble"
	"friendrec/config"
	"friendrec/log"
	"friendrec/metrics"
	"friendrec/pipeline"
	"friendrec/shutdown"
	"friendrec/upload"
)

var version = "dev"

type options struct {
	configPath string
	logPath    string
	profile    string
	setup      bool
	tui        bool
	test       string
	realtime   bool
	version    bool

	// Applied over the config file when set.
	deviceName        string
	endpoint          string
	recordingPath     string
	inputDevice       string
	metricsAddr       string
	deleteAfterUpload bool
	uploadTimeout     time.Duration
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "config file (default: OS config dir/friendrec/config.yaml)")
	fs.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&o.profile, "profile", "", "enable pprof server (e.g. localhost:6060)")
	fs.BoolVar(&o.setup, "setup", false, "select microphone device interactively")
	fs.BoolVar(&o.tui, "tui", true, "run with terminal UI (false: stdin commands)")
	fs.StringVar(&o.test, "test", "", "headless test mode: simulated device, microphone fed from this WAV")
	fs.BoolVar(&o.realtime, "realtime", false, "in test mode, pace WAV audio at the capture rate")
	fs.BoolVar(&o.version, "version", false, "print version and exit")

	fs.StringVar(&o.deviceName, "name", "", "advertised name of the recorder")
	fs.StringVar(&o.endpoint, "endpoint", "", "batch jobs endpoint")
	fs.StringVar(&o.recordingPath, "recording", "", "WAV file path for recordings")
	fs.StringVar(&o.inputDevice, "device", "", "use named microphone device")
	fs.StringVar(&o.metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.deleteAfterUpload, "delete-after-upload", false, "remove the recording once the upload is accepted")
	fs.DurationVar(&o.uploadTimeout, "timeout", 0, "upload timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(fs *flag.FlagSet, o *options, cfg *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.DeviceName = o.deviceName
		case "endpoint":
			cfg.Endpoint = o.endpoint
		case "recording":
			cfg.RecordingPath = o.recordingPath
		case "device":
			cfg.InputDevice = o.inputDevice
		case "metrics":
			cfg.MetricsAddr = o.metricsAddr
		case "delete-after-upload":
			cfg.DeleteAfterUpload = o.deleteAfterUpload
		case "timeout":
			cfg.UploadTimeout = o.uploadTimeout
		}
	})
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("friendrec", flag.ContinueOnError)
	o, err := parseFlags(fs, args)
	if err != nil {
		return 2
	}
	if o.version {
		fmt.Printf("friendrec %s\n", version)
		return 0
	}

	logPath, err := log.ResolveDir(o.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyFlags(fs, o, cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.SessionStart(cfg.DeviceName, cfg.Endpoint, cfg.RecordingPath)

	if o.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", o.profile)
			if err := http.ListenAndServe(o.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	pipeOpts := pipeline.Options{
		Link:              ble.Config{TargetName: cfg.DeviceName},
		Metrics:           m,
		DeleteAfterUpload: cfg.DeleteAfterUpload,
	}
	up := upload.New(cfg.Endpoint, cfg.UploadTimeout)

	if o.test != "" {
		return runTestMode(ctx, o, cfg, up, pipeOpts)
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	var device *audio.DeviceInfo
	switch {
	case o.setup && cfg.InputDevice == "":
		device, err = audio.SelectDevice(actx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	case cfg.InputDevice != "":
		device, err = audio.FindDevice(actx, cfg.InputDevice)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	radio := ble.NewAdapterRadio(nil)
	if err := radio.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "Error enabling Bluetooth: %v\n", err)
		return 1
	}
	defer radio.Close()

	rec := audio.NewRecorder(actx, device, cfg.RecordingPath)
	ctrl, err := pipeline.New(radio, rec, up, pipeOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	runDone := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(runDone)
	}()

	if o.tui {
		err = runTUI(ctx, ctrl, cfg)
	} else {
		h := &headless{ctrl: ctrl, apiKey: cfg.APIKey, out: os.Stdout}
		go forwardSessions(ctx, ctrl, h)
		err = runWithSignals(ctx, func(ctx context.Context) error { return h.run(ctx, os.Stdin) })
	}

	ctrl.Shutdown()
	cancel()
	<-runDone
	log.SessionEnd(ctrl.Jobs())
	return exitCode(err)
}

func runTUI(ctx context.Context, ctrl *pipeline.Controller, cfg *config.Config) error {
	model := newTUIModel(ctrl.PrimaryAction, cfg.DeviceName, cfg.APIKey)
	p := tea.NewProgram(model, tea.WithContext(ctx))

	sinkCtx, stop := context.WithCancel(ctx)
	defer stop()
	go forwardSessions(sinkCtx, ctrl, tuiSink{p: p})

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	defer shutdown.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			p.Quit()
		case <-sinkCtx.Done():
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// runWithSignals runs fn until it returns or a termination signal arrives.
func runWithSignals(ctx context.Context, fn func(context.Context) error) error {
	ctx, stop := shutdown.Context(ctx)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("interrupted")
		return ctx.Err()
	}
}

func runTestMode(ctx context.Context, o *options, cfg *config.Config, up pipeline.Uploader, opts pipeline.Options) int {
	h, err := newTestEnv(o.test, o.realtime, cfg.RecordingPath, up, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer h.sim.Close()
	h.apiKey = cfg.APIKey
	h.out = os.Stdout

	ctx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		h.ctrl.Run(ctx)
		close(runDone)
	}()

	err = runWithSignals(ctx, func(ctx context.Context) error { return h.run(ctx, os.Stdin) })
	h.ctrl.Shutdown()
	h.ctrl.Flush()
	h.printf("FINAL %s\n", h.ctrl.Snapshot())

	cancel()
	<-runDone
	log.SessionEnd(h.ctrl.Jobs())
	return exitCode(err)
}

func exitCode(err error) int {
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
