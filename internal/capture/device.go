package capture

import (
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"

	"github.com/osaudio/capture-go/internal/errors"
)

// DeviceInfo describes an available OS capture device.
type DeviceInfo struct {
	Index   int
	Name    string
	ID      string
	Default bool
}

// DeviceService is a local producer implementing Service on top of the OS
// audio stack: the capture device's data callback writes frames straight
// into the control block. An unexpected device stop is first answered
// with a restart attempt; if that fails the stream is marked dead and the
// consumer-side recovery protocol rebuilds it through a fresh OpenStream.
type DeviceService struct {
	mu      sync.Mutex
	debug   bool
	streams map[string]*deviceStream
}

type deviceStream struct {
	id     string
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	cblk   *ControlBlock
	quit   chan struct{}
	dead   atomic.Bool
}

func (d *deviceStream) ID() string { return d.id }

// NewDeviceService returns a producer backed by the platform audio stack.
func NewDeviceService(debug bool) *DeviceService {
	return &DeviceService{
		debug:   debug,
		streams: make(map[string]*deviceStream),
	}
}

// platformBackend picks the native backend for the host OS; nil lets the
// library auto-select.
func platformBackend() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

// ListDevices enumerates the available capture devices.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(platformBackend(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "init_context").
			Build()
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "list_devices").
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		decodedID, err := hexToASCII(info.ID.String())
		if err != nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			Index:   i,
			Name:    info.Name(),
			ID:      decodedID,
			Default: info.IsDefault == 1,
		})
	}
	return devices, nil
}

// OpenStream implements Service.
func (d *DeviceService) OpenStream(params StreamParams) (StreamHandle, *ControlBlock, error) {
	ctx, err := malgo.InitContext(platformBackend(), malgo.ContextConfig{}, func(message string) {
		if d.debug {
			getLogger().Debug("miniaudio", "message", strings.TrimSpace(message))
		}
	})
	if err != nil {
		return nil, nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "init_context").
			Build()
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "list_devices").
			Build()
	}
	source, err := selectCaptureDevice(infos, params.Source)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, nil, err
	}

	frameCount := params.FrameCount
	if frameCount == 0 {
		// half a second of buffering by default
		frameCount = params.SampleRate / 2
	}
	region, err := NewRegion(frameCount, params.FrameSize(), params.SampleRate)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, nil, err
	}

	st := &deviceStream{
		id:   uuid.New().String(),
		ctx:  ctx,
		cblk: NewControlBlock(region),
		quit: make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	switch params.Format {
	case FormatU8:
		deviceConfig.Capture.Format = malgo.FormatU8
	default:
		deviceConfig.Capture.Format = malgo.FormatS16
	}
	deviceConfig.Capture.Channels = params.Channels
	deviceConfig.SampleRate = params.SampleRate
	deviceConfig.Alsa.NoMMap = 1
	deviceConfig.Capture.DeviceID = source.pointer

	onRecvFrames := func(_, samples []byte, _ uint32) {
		if !st.dead.Load() {
			st.cblk.Produce(samples)
		}
	}

	// Called on any device stop, expected or not. Outside a shutdown we
	// try one restart; if the device will not come back the stream is
	// marked dead so Service calls report ErrDeadConnection and the
	// consumer rebuilds through recovery.
	onStopDevice := func() {
		go func() {
			select {
			case <-st.quit:
				return
			case <-time.After(100 * time.Millisecond):
				if err := st.device.Start(); err != nil {
					getLogger().Warn("capture device restart failed, marking stream dead",
						"stream_id", st.id, "device", source.name, "error", err)
					st.dead.Store(true)
					st.cblk.mu.Lock()
					st.cblk.cond.broadcast()
					st.cblk.mu.Unlock()
				} else if d.debug {
					getLogger().Debug("capture device restarted", "stream_id", st.id)
				}
			}
		}()
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
		Stop: onStopDevice,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "init_device").
			Context("device", source.name).
			Build()
	}
	st.device = device

	d.mu.Lock()
	d.streams[st.id] = st
	d.mu.Unlock()

	getLogger().Info("capture device opened",
		"stream_id", st.id, "device", source.name, "sample_rate", params.SampleRate)
	return st, st.cblk, nil
}

// Start implements Service.
func (d *DeviceService) Start(h StreamHandle, _ SyncMode) error {
	st := d.lookup(h)
	if st == nil || st.dead.Load() {
		return ErrDeadConnection
	}
	if err := st.device.Start(); err != nil {
		return errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "start_device").
			Context("stream_id", st.id).
			Build()
	}
	return nil
}

// Stop implements Service.
func (d *DeviceService) Stop(h StreamHandle) error {
	st := d.lookup(h)
	if st == nil || st.dead.Load() {
		return ErrDeadConnection
	}
	if err := st.device.Stop(); err != nil {
		return errors.New(err).
			Component("capture").
			Category(errors.CategoryDevice).
			Context("operation", "stop_device").
			Context("stream_id", st.id).
			Build()
	}
	return nil
}

// Close tears down every stream the service still owns.
func (d *DeviceService) Close() error {
	d.mu.Lock()
	streams := make([]*deviceStream, 0, len(d.streams))
	for _, st := range d.streams {
		streams = append(streams, st)
	}
	d.streams = make(map[string]*deviceStream)
	d.mu.Unlock()

	for _, st := range streams {
		close(st.quit)
		st.device.Uninit()
		_ = st.ctx.Uninit()
		st.ctx.Free()
	}
	return nil
}

func (d *DeviceService) lookup(h StreamHandle) *deviceStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[h.ID()]
}

type selectedDevice struct {
	name    string
	id      string
	pointer unsafe.Pointer
}

// selectCaptureDevice matches the configured source against the device
// list by decoded ID or name substring. "sysdefault" on non-ALSA hosts
// falls back to the platform default device.
func selectCaptureDevice(infos []malgo.DeviceInfo, source string) (selectedDevice, error) {
	for _, info := range infos {
		decodedID, err := hexToASCII(info.ID.String())
		if err != nil {
			continue
		}
		if matchesDevice(decodedID, info, source) {
			return selectedDevice{
				name:    info.Name(),
				id:      decodedID,
				pointer: info.ID.Pointer(),
			}, nil
		}
	}
	return selectedDevice{}, errors.Newf("no capture device matches source %q", source).
		Component("capture").
		Category(errors.CategoryDevice).
		Context("operation", "select_device").
		Build()
}

func matchesDevice(decodedID string, info malgo.DeviceInfo, source string) bool {
	if source == "" || (runtime.GOOS != "linux" && source == "sysdefault") {
		return info.IsDefault == 1
	}
	return decodedID == source || strings.Contains(info.Name(), source)
}

// hexToASCII decodes the hex-encoded device ID reported by the backend.
func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
