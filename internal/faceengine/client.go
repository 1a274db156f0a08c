package faceengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// Client calls the face detection microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// NewClient creates a client with a timeout generous enough for model
// inference on the far side.
func NewClient(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DetectImage encodes the frame as JPEG and requests detection.
func (c *Client) DetectImage(ctx context.Context, img image.Image) ([]Detection, error) {
	if c.Skip {
		return mockDetections(), nil
	}
	if img == nil {
		return nil, fmt.Errorf("image required")
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode frame failed: %w", err)
	}

	payload := map[string]string{
		"image": base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	return c.detect(ctx, payload)
}

// DetectURL requests detection on an image the service fetches itself.
func (c *Client) DetectURL(ctx context.Context, imageURL string) ([]Detection, error) {
	if c.Skip {
		return mockDetections(), nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}
	return c.detect(ctx, map[string]string{"image_url": imageURL})
}

func (c *Client) detect(ctx context.Context, payload map[string]string) ([]Detection, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Detections, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func mockDetections() []Detection {
	return []Detection{{
		Landmarks: Landmarks{
			NoseTip:        Point{X: 320, Y: 240},
			InnerLipTop:    Point{X: 320, Y: 300},
			InnerLipBottom: Point{X: 320, Y: 310},
			LeftEyeOuter:   Point{X: 280, Y: 200},
			RightEyeOuter:  Point{X: 360, Y: 200},
			Brows:          []Point{{X: 280, Y: 185}, {X: 360, Y: 185}},
		},
		Embedding: []float32{0.1, 0.2, 0.3},
		Score:     0.95,
	}}
}
