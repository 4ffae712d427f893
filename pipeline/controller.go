// Package pipeline ties the device link, the recorder and the uploader
// together. All session changes happen on the goroutine running
// Controller.Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"friendrec/audio"
	"friendrec/ble"
	"friendrec/log"
	"friendrec/metrics"
	"friendrec/upload"
)

var (
	ErrEmptyAPIKey  = errors.New("no API key set")
	ErrNoAudio      = errors.New("recording contains no audio")
	ErrNotConnected = errors.New("device not connected")
	ErrStopped      = errors.New("controller stopped")
)

// Recorder is satisfied by *audio.Recorder.
type Recorder interface {
	Start() error
	Stop() error
	Finalize() (audio.Artifact, error)
	IsRecording() bool
	Stats() audio.Stats
}

// Uploader is satisfied by *upload.Client.
type Uploader interface {
	Submit(ctx context.Context, apiKey string, a audio.Artifact) (*upload.Job, error)
}

type Options struct {
	Link              ble.Config
	Metrics           *metrics.Metrics
	DeleteAfterUpload bool
	InboxSize         int
}

type Controller struct {
	radio    ble.Radio
	link     *ble.Link
	recorder Recorder
	uploader Uploader
	opts     Options

	inbox chan func()
	done  chan struct{}

	// Owned by the Run goroutine.
	session  Session
	inflight int
	jobs     int

	mu   sync.RWMutex
	snap Session
	subs map[chan Session]struct{}
}

// New builds the device link on radio and routes every radio event through
// the controller's inbox.
func New(radio ble.Radio, rec Recorder, up Uploader, opts Options) (*Controller, error) {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	c := &Controller{
		radio:    radio,
		recorder: rec,
		uploader: up,
		opts:     opts,
		inbox:    make(chan func(), opts.InboxSize),
		done:     make(chan struct{}),
		subs:     make(map[chan Session]struct{}),
	}
	link, err := ble.NewLink(radio, c, opts.Link)
	if err != nil {
		return nil, err
	}
	c.link = link
	radio.SetEventHandler(func(ev ble.Event) {
		log.Debug("ble event: " + ev.String())
		c.Post(func() { c.link.Handle(ev) })
	})
	return c, nil
}

// Run applies posted work until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
			c.publish()
		}
	}
}

// Post queues fn for the Run goroutine. It reports false once Run has exited.
func (c *Controller) Post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Flush waits until everything posted before the call has run.
func (c *Controller) Flush() {
	ch := make(chan struct{})
	if !c.Post(func() { close(ch) }) {
		return
	}
	select {
	case <-ch:
	case <-c.done:
	}
}

func (c *Controller) call(fn func() error) error {
	errc := make(chan error, 1)
	if !c.Post(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe returns a channel that always holds the latest session once it
// changes. Slow readers skip intermediate states.
func (c *Controller) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.snap
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

// Wait blocks until cond holds for the current session.
func (c *Controller) Wait(ctx context.Context, cond func(Session) bool) (Session, error) {
	ch, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case s := <-ch:
			if cond(s) {
				return s, nil
			}
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		case <-c.done:
			return c.Snapshot(), ErrStopped
		}
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == c.session {
		return
	}
	c.snap = c.session
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.snap
	}
}

// PrimaryAction is the single user control: scan when disconnected, start
// recording when connected, stop and upload when recording.
func (c *Controller) PrimaryAction(apiKey string) {
	c.Post(func() { c.primary(apiKey) })
}

func (c *Controller) primary(apiKey string) {
	if c.session.Recording == RecordingActive {
		c.finishRecording(apiKey, true)
		return
	}
	switch c.link.State() {
	case ble.StateIdle, ble.StateDisconnected:
		c.session.Message = ""
		if err := c.link.StartScan(); err != nil {
			c.session.Message = fmt.Sprintf("Could not start scanning: %v", err)
		}
	case ble.StateScanning, ble.StateConnecting:
		c.session.Message = fmt.Sprintf("Looking for %s...", c.link.TargetName())
	case ble.StateConnected:
		if err := c.startRecording(); err != nil {
			c.session.Message = fmt.Sprintf("Could not start recording: %v", err)
		}
	}
}

// StartScan begins device discovery.
func (c *Controller) StartScan() error {
	return c.call(c.link.StartScan)
}

// StartRecording starts capture; it fails with ErrNotConnected unless the
// device link is up.
func (c *Controller) StartRecording() error {
	return c.call(c.startRecording)
}

// StopRecording stops capture and, if apiKey is set, uploads the result.
func (c *Controller) StopRecording(apiKey string) error {
	return c.call(func() error {
		if c.session.Recording != RecordingActive {
			return audio.ErrNotRecording
		}
		return c.finishRecording(apiKey, true)
	})
}

func (c *Controller) startRecording() error {
	if c.link.State() != ble.StateConnected {
		return ErrNotConnected
	}
	if c.session.Recording == RecordingActive {
		return audio.ErrAlreadyRecording
	}
	if err := c.recorder.Start(); err != nil {
		log.Errorf("recording start failed: %v", err)
		return err
	}
	c.session.Recording = RecordingActive
	c.session.Message = ""
	return nil
}

// finishRecording stops capture and finalizes the artifact. The upload runs
// on its own goroutine and reports back through the inbox.
func (c *Controller) finishRecording(apiKey string, submit bool) error {
	stopErr := c.recorder.Stop()
	c.session.Recording = RecordingIdle
	if stopErr != nil {
		log.Errorf("recording stop: %v", stopErr)
	}
	st := c.recorder.Stats()
	c.opts.Metrics.Recording(st.Frames, st.Dropped)

	art, err := c.recorder.Finalize()
	if err != nil {
		log.Errorf("finalize recording: %v", err)
		c.session.Message = fmt.Sprintf("Recording failed: %v", err)
		return err
	}
	if !submit {
		return nil
	}
	if apiKey == "" {
		log.Error("upload skipped: no API key set")
		c.opts.Metrics.Upload(metrics.ResultRejected, 0)
		c.session.Message = fmt.Sprintf("Recording saved, not uploaded: %v", ErrEmptyAPIKey)
		return ErrEmptyAPIKey
	}
	if art.Frames() == 0 {
		c.opts.Metrics.Upload(metrics.ResultRejected, 0)
		c.session.Message = fmt.Sprintf("Recording saved, not uploaded: %v", ErrNoAudio)
		return ErrNoAudio
	}

	c.inflight++
	c.session.Uploading = true
	c.session.Message = "Uploading..."
	go func() {
		start := time.Now()
		job, err := c.uploader.Submit(context.Background(), apiKey, art)
		elapsed := time.Since(start)
		c.Post(func() { c.uploadDone(art, job, err, elapsed) })
	}()
	return nil
}

func (c *Controller) uploadDone(art audio.Artifact, job *upload.Job, err error, elapsed time.Duration) {
	c.inflight--
	c.session.Uploading = c.inflight > 0
	if err != nil {
		log.Errorf("upload failed after %v: %v", elapsed, err)
		c.opts.Metrics.Upload(metrics.ResultFailure, elapsed)
		c.session.Message = fmt.Sprintf("Upload failed: %v", err)
		return
	}

	c.jobs++
	c.opts.Metrics.Upload(metrics.ResultSuccess, elapsed)
	c.session.LastJobID = job.ID
	c.session.Message = "Uploaded, job " + job.ID
	log.Infof("upload accepted: job %s (attempt %s, %v)", job.ID, job.AttemptID, elapsed)

	if c.opts.DeleteAfterUpload && art.Path != "" {
		if err := os.Remove(art.Path); err != nil {
			log.Warnf("removing %s: %v", art.Path, err)
		}
	}
}

// Jobs is the number of accepted uploads. Call after Run has returned.
func (c *Controller) Jobs() int { return c.jobs }

// Shutdown stops any recording without uploading and drops the link.
func (c *Controller) Shutdown() error {
	err := c.call(func() error {
		var err error
		if c.session.Recording == RecordingActive {
			if err = c.finishRecording("", false); err != nil {
				err = fmt.Errorf("saving recording: %w", err)
			}
		}
		c.link.Stop()
		return err
	})
	if err != nil {
		log.Warnf("shutdown: %v", err)
	}
	return err
}

// ble.Observer; invoked from link.Handle on the Run goroutine.

func (c *Controller) ScanChanged(scanning bool) {
	if scanning {
		c.session.Scan = ScanScanning
		c.opts.Metrics.LinkState(int(ble.StateScanning))
	} else {
		c.session.Scan = ScanIdle
	}
}

func (c *Controller) LinkChanged(state ble.State, label string) {
	c.opts.Metrics.LinkState(int(state))
	switch state {
	case ble.StateConnected:
		c.session.Link = LinkConnected
		c.session.DeviceLabel = label
		c.session.Message = ""
		return
	case ble.StateConnecting:
		c.session.Link = LinkConnecting
	default:
		c.session.Link = LinkDisconnected
	}
	c.session.DeviceLabel = label
	c.session.BatteryPercent = 0
	c.opts.Metrics.Battery(0)

	if c.session.Recording == RecordingActive {
		c.finishRecording("", false)
		c.session.Message = "Device disconnected; recording stopped and saved without upload"
	}
}

func (c *Controller) BatteryChanged(percent int) {
	if c.session.Link != LinkConnected {
		return
	}
	c.session.BatteryPercent = percent
	c.opts.Metrics.Battery(percent)
}
