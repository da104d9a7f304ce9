package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/bt-bridge/voicecall/shared"
	"github.com/cloudwego/base64x"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	FrameScale   = 0.5
	FrameQuality = 60
)

// EncodeFrame scales img by scale and returns it as a JPEG data URL.
func EncodeFrame(img image.Image, scale float64, quality int) (string, error) {
	b := img.Bounds()
	w := max(int(float64(b.Dx())*scale), 1)
	h := max(int(float64(b.Dy())*scale), 1)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encoding jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64x.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Camera grabs still frames from a local video device.
type Camera struct {
	logger   shared.LoggerAdapter
	deviceID string
	width    int
	height   int

	mu     sync.Mutex
	track  *mediadevices.VideoTrack
	reader video.Reader
}

func NewCamera(logger shared.LoggerAdapter, deviceID string, width, height int) *Camera {
	return &Camera{
		logger:   logger.With(zap.String("component", "camera")),
		deviceID: deviceID,
		width:    width,
		height:   height,
	}
}

// Open acquires the camera. Calling it on an open camera does nothing.
func (c *Camera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track != nil {
		return nil
	}
	stream, err := getUserMedia(ctx, mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.width > 0 {
				mc.Width = prop.Int(c.width)
			}
			if c.height > 0 {
				mc.Height = prop.Int(c.height)
			}
			if c.deviceID != "" {
				mc.DeviceID = prop.String(c.deviceID)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("opening camera: %w: %w", shared.ErrDeviceUnavailable, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeTracks(stream)
		return fmt.Errorf("opening camera: %w: %w", shared.ErrDeviceUnavailable, errors.New("no video track"))
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		closeTracks(stream)
		return fmt.Errorf("unexpected video track type %T", tracks[0])
	}
	c.track = track
	c.reader = track.NewReader(false)
	c.logger.Info("camera opened")
	return nil
}

// Frame returns the current picture as a half-resolution JPEG data URL.
func (c *Camera) Frame(ctx context.Context) (string, error) {
	if err := c.Open(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()
	if reader == nil {
		return "", shared.ErrDeviceUnavailable
	}

	img, release, err := reader.Read()
	if err != nil {
		return "", fmt.Errorf("reading camera: %w", err)
	}
	if release != nil {
		defer release()
	}
	return EncodeFrame(img, FrameScale, FrameQuality)
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track == nil {
		return nil
	}
	err := c.track.Close()
	c.track, c.reader = nil, nil
	return err
}
