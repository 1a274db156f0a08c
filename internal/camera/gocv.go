package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// VideoCaptureDevice drives a webcam through OpenCV.
type VideoCaptureDevice struct {
	id int

	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// NewVideoCaptureDevice wraps the capture device with the given index.
func NewVideoCaptureDevice(id int) *VideoCaptureDevice {
	return &VideoCaptureDevice{id: id}
}

// Open starts capture at the requested resolution.
func (d *VideoCaptureDevice) Open(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap != nil {
		d.closeLocked()
	}

	cap, err := gocv.OpenVideoCapture(d.id)
	if err != nil {
		return fmt.Errorf("camera %d: open failed: %w", d.id, err)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	if !cap.IsOpened() {
		_ = cap.Close()
		return fmt.Errorf("camera %d: device not opened", d.id)
	}

	d.cap = cap
	d.mat = gocv.NewMat()
	return nil
}

// ReadFrame grabs the current frame. A failed or empty read reports a
// stalled feed, not an error.
func (d *VideoCaptureDevice) ReadFrame() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap == nil {
		return Frame{}, false
	}
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return Frame{}, false
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return Frame{}, false
	}
	return Frame{Image: img, Time: time.Now()}, true
}

// Close stops capture and frees the frame buffer. Safe to call repeatedly.
func (d *VideoCaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *VideoCaptureDevice) closeLocked() error {
	var err error
	if d.cap != nil {
		err = d.cap.Close()
		d.cap = nil
	}
	if d.mat.Ptr() != nil {
		_ = d.mat.Close()
	}
	return err
}

// maxProbedDevices bounds the defensive release sweep.
const maxProbedDevices = 4

// EnumerateDevices probes the first few capture indices and returns a
// device handle for each. Used by Manager.Release to stop streams this
// process may have opened through another path.
func EnumerateDevices() []Device {
	var devices []Device
	for id := 0; id < maxProbedDevices; id++ {
		cap, err := gocv.OpenVideoCapture(id)
		if err != nil {
			continue
		}
		opened := cap.IsOpened()
		_ = cap.Close()
		if opened {
			devices = append(devices, NewVideoCaptureDevice(id))
		}
	}
	return devices
}
