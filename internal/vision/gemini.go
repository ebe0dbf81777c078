package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/petermazzocco/carspotter/internal/apperr"
	"github.com/petermazzocco/carspotter/internal/logging"
	"github.com/petermazzocco/carspotter/internal/metrics"
	"github.com/petermazzocco/carspotter/models"
)

const DefaultModel = "gemini-2.0-flash"

const prompt = `Identify the car in this image. Give me the following details:
Make (Manufacturer), Model, Exact Year (or a year range if you are unsure), Rarity (on a scale of 1-100, 100 being the rarest), and Link (a Wikipedia link about the car).
If there is no car, return all details as "n/a".
Answer with a single JSON object with the keys "make", "model", "year", "rarity" and "link" and nothing else.`

type Options struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	// FailureThreshold consecutive upstream failures open the breaker for
	// OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Client calls a Gemini generateContent endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	c := &Client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		apiKey:   opts.APIKey,
		model:    opts.Model,
		http:     opts.HTTPClient,
		metrics:  opts.Metrics,
		logger:   logging.OrNop(opts.Logger).With(zap.String("component", "vision")),
	}
	threshold := opts.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vision",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		// A garbled answer says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.KindOf(err) == apperr.KindValidation
		},
	})
	return c
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) Classify(ctx context.Context, jpeg []byte) (models.CarInfo, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.generate(ctx, jpeg)
	})

	switch {
	case err == nil:
		c.metrics.VisionCall("ok")
		return res.(models.CarInfo), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.VisionCall("rejected")
		return models.CarInfo{}, apperr.Unavailable("vision", err)
	case apperr.KindOf(err) == apperr.KindTimeout:
		c.metrics.VisionCall("timeout")
	case apperr.KindOf(err) == apperr.KindValidation:
		c.metrics.VisionCall("parse_error")
	default:
		c.metrics.VisionCall("error")
	}
	c.logger.Warn("classification failed", zap.Error(err))
	return models.CarInfo{}, err
}

func (c *Client) generate(ctx context.Context, jpeg []byte) (models.CarInfo, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(jpeg)}},
			},
		}},
	})
	if err != nil {
		return models.CarInfo{}, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.endpoint, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.CarInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.CarInfo{}, apperr.Wrap(apperr.ErrVisionTimeout, err)
		}
		return models.CarInfo{}, apperr.Unavailable("vision", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.CarInfo{}, apperr.Unavailable("vision", err)
	}

	var out generateResponse
	decodeErr := json.Unmarshal(payload, &out)
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return models.CarInfo{}, apperr.Unavailable("vision", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if decodeErr != nil {
		return models.CarInfo{}, apperr.Unavailable("vision", fmt.Errorf("decode response: %w", decodeErr))
	}

	var text strings.Builder
	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
	}
	return ParseCarInfo(text.String())
}
