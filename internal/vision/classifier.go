// Package vision identifies the car in a photo through a hosted multimodal
// model.
package vision

import (
	"context"
	"errors"
	"time"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/imaging"
	"github.com/petermazzocco/carspotter/models"
)

// Classifier identifies the car in a canonical JPEG.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) (models.CarInfo, error)
}

type ClassifierFunc func(ctx context.Context, jpeg []byte) (models.CarInfo, error)

func (f ClassifierFunc) Classify(ctx context.Context, jpeg []byte) (models.CarInfo, error) {
	return f(ctx, jpeg)
}

type timeoutClassifier struct {
	next Classifier
	d    time.Duration
}

// WithTimeout bounds every call of c to d. A call still running when d
// elapses is abandoned and ErrVisionTimeout returned.
func WithTimeout(c Classifier, d time.Duration) Classifier {
	if d <= 0 {
		return c
	}
	return &timeoutClassifier{next: c, d: d}
}

type classifyResult struct {
	info models.CarInfo
	err  error
}

func (t *timeoutClassifier) Classify(ctx context.Context, jpeg []byte) (models.CarInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	done := make(chan classifyResult, 1)
	go func() {
		info, err := t.next.Classify(ctx, jpeg)
		done <- classifyResult{info: info, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.CarInfo{}, apperr.Wrap(apperr.ErrVisionTimeout, res.err)
		}
		return res.info, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.CarInfo{}, apperr.Wrap(apperr.ErrVisionTimeout, ctx.Err())
		}
		return models.CarInfo{}, ctx.Err()
	}
}

type Normalizer interface {
	Normalize(raw []byte) (imaging.Canonical, error)
}

// Predictor runs an upload through the normalizer and the classifier. It
// never writes to storage.
type Predictor struct {
	normalizer Normalizer
	classifier Classifier
}

func NewPredictor(n Normalizer, c Classifier) *Predictor {
	return &Predictor{normalizer: n, classifier: c}
}

func (p *Predictor) Predict(ctx context.Context, raw []byte) (models.CarInfo, error) {
	if len(raw) == 0 {
		return models.CarInfo{}, apperr.Validation("image is required")
	}
	canonical, err := p.normalizer.Normalize(raw)
	if err != nil {
		return models.CarInfo{}, err
	}
	return p.classifier.Classify(ctx, canonical.Bytes)
}
