// Package faceengine defines the face detection and embedding collaborator
// used by enrollment, recognition and liveness. The production engine is a
// separate microservice reached over HTTP; tests supply in-process fakes.
package faceengine

import (
	"context"
	"image"
)

// Point is a landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmarks is the minimal landmark set the liveness detectors need.
// Brows holds the eyebrow points left to right.
type Landmarks struct {
	NoseTip        Point   `json:"nose_tip"`
	InnerLipTop    Point   `json:"inner_lip_top"`
	InnerLipBottom Point   `json:"inner_lip_bottom"`
	LeftEyeOuter   Point   `json:"left_eye_outer"`
	RightEyeOuter  Point   `json:"right_eye_outer"`
	Brows          []Point `json:"brows"`
}

// Detection is one face found in an image: its landmark set plus a
// fixed-length embedding vector.
type Detection struct {
	Landmarks Landmarks `json:"landmarks"`
	Embedding []float32 `json:"embedding"`
	Score     float64   `json:"score"`
}

// Engine detects faces and extracts embeddings.
type Engine interface {
	// DetectImage runs detection on an in-memory frame.
	DetectImage(ctx context.Context, img image.Image) ([]Detection, error)
	// DetectURL runs detection on an image the engine fetches itself,
	// used for enrollment reference photos.
	DetectURL(ctx context.Context, imageURL string) ([]Detection, error)
}
