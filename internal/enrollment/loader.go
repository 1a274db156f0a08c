// Package enrollment builds a subject's recognition ground truth from
// their reference photos.
package enrollment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"presence/internal/faceengine"
)

// ErrNoEmbeddings is returned when none of a subject's reference photos
// yielded a usable face. Recognition must not start without a target.
var ErrNoEmbeddings = errors.New("enrollment: no usable face embeddings")

// Loader extracts one embedding per reference photo.
type Loader struct {
	engine faceengine.Engine
	log    *zap.Logger
}

// NewLoader creates a loader over the given engine.
func NewLoader(engine faceengine.Engine, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{engine: engine, log: log}
}

// Load runs detection over each photo URL and returns the labeled set.
// Photos without a detectable face are skipped and logged; if every photo
// is skipped the set is invalid and ErrNoEmbeddings is returned. Enrollment
// runs once per session and is never cached, since reference photos can
// change between sessions.
func (l *Loader) Load(ctx context.Context, label string, photoURLs []string) (faceengine.LabeledEmbeddings, error) {
	set := faceengine.LabeledEmbeddings{Label: label}

	for _, photoURL := range photoURLs {
		detections, err := l.engine.DetectURL(ctx, photoURL)
		if err != nil {
			l.log.Warn("reference photo detection failed",
				zap.String("url", photoURL), zap.Error(err))
			continue
		}
		if len(detections) == 0 {
			l.log.Warn("no face in reference photo", zap.String("url", photoURL))
			continue
		}
		set.Embeddings = append(set.Embeddings, detections[0].Embedding)
	}

	if len(set.Embeddings) == 0 {
		return set, ErrNoEmbeddings
	}

	l.log.Info("enrollment set loaded",
		zap.String("label", label),
		zap.Int("photos", len(photoURLs)),
		zap.Int("embeddings", len(set.Embeddings)))
	return set, nil
}
