package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"friendrec/audio"
	"friendrec/ble"
	"friendrec/pipeline"
)

const waitTimeout = 30 * time.Second

// headless drives a controller from line commands and prints sessions. With
// sim set, BATTERY and DISCONNECT act on the simulated peripheral.
type headless struct {
	ctrl   *pipeline.Controller
	sim    *ble.Simulator
	fake   *audio.FakeContext
	apiKey string

	mu  sync.Mutex
	out io.Writer
}

func (h *headless) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}

func (h *headless) SessionChanged(s pipeline.Session) {
	h.printf("SESSION %s\n", s)
}

// settled holds once nothing is in flight: no scan, connect or upload.
func settled(s pipeline.Session) bool {
	return s.Scan == pipeline.ScanIdle && s.Link != pipeline.LinkConnecting && !s.Uploading
}

func (h *headless) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "PRIMARY":
			h.ctrl.PrimaryAction(h.apiKey)
			h.ctrl.Flush()
		case "BATTERY":
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 || n > 255 {
				h.printf("ERR battery level %q\n", arg)
				continue
			}
			if h.sim == nil {
				h.printf("ERR no simulated device\n")
				continue
			}
			h.sim.SetValue(ble.BatteryLevelUUID, []byte{byte(n)})
		case "DISCONNECT":
			if h.sim == nil {
				h.printf("ERR no simulated device\n")
				continue
			}
			h.sim.DropLink()
		case "WAIT":
			wctx, cancel := context.WithTimeout(ctx, waitTimeout)
			s, err := h.ctrl.Wait(wctx, settled)
			cancel()
			if err != nil {
				h.printf("ERR wait: %v\n", err)
			}
			h.printf("STATE %s\n", s)
		case "WAIT_AUDIO_DONE":
			if h.fake == nil {
				h.printf("ERR no fake audio\n")
				continue
			}
			caps := h.fake.Captures()
			if len(caps) == 0 {
				h.printf("ERR not recording\n")
				continue
			}
			select {
			case <-caps[len(caps)-1].AudioDone():
			case <-ctx.Done():
				return ctx.Err()
			}
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				h.printf("ERR sleep %q\n", arg)
				continue
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		case "QUIT":
			return nil
		default:
			h.printf("ERR unknown command %q\n", cmd)
		}
	}
	return scanner.Err()
}

// newTestEnv wires a simulated Friend and a WAV-backed microphone to a
// controller.
func newTestEnv(wavPath string, realtime bool, recordingPath string, up pipeline.Uploader, opts pipeline.Options) (*headless, error) {
	fake, err := audio.NewFakeContextFromWAV(wavPath, realtime)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", wavPath, err)
	}
	name := opts.Link.TargetName
	if name == "" {
		name = ble.DefaultTargetName
	}
	peer := ble.FriendPeripheral(100)
	peer.Name = name
	sim := ble.NewSimulator(peer)

	rec := audio.NewRecorder(fake, nil, recordingPath)
	ctrl, err := pipeline.New(sim, rec, up, opts)
	if err != nil {
		sim.Close()
		return nil, err
	}
	return &headless{ctrl: ctrl, sim: sim, fake: fake}, nil
}
