package traveltime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/pkg/bicing/models"
)

const (
	DefaultDistanceMatrixURL = "https://maps.googleapis.com/maps/api/distancematrix/json"
	httpTimeout              = 10 * time.Second

	statusOK             = "OK"
	statusOverQueryLimit = "OVER_QUERY_LIMIT"
)

// ClientConfig configures a DistanceMatrixClient.
type ClientConfig struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	RateLimitPerMin int
}

// DistanceMatrixClient queries a Google-compatible distance matrix API for
// walking routes.
type DistanceMatrixClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  logger.Logger
}

type matrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Rows         []struct {
		Elements []matrixElement `json:"elements"`
	} `json:"rows"`
}

type matrixElement struct {
	Status   string          `json:"status"`
	Distance models.Distance `json:"distance"`
	Duration models.Duration `json:"duration"`
}

func NewDistanceMatrixClient(cfg ClientConfig, log logger.Logger) *DistanceMatrixClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDistanceMatrixURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DistanceMatrixClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		limiter: newRateLimiter(cfg.RateLimitPerMin),
		logger:  log,
	}
}

// Walking returns the walking route between two points. A nil estimate with
// a nil error means the service answered but had no route for the pair.
// Quota exhaustion is reported as ErrOverQueryLimit and network failures
// wrap errTransport.
func (c *DistanceMatrixClient) Walking(ctx context.Context, origin, destination models.Coordinates) (*models.WalkingEstimate, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	params := url.Values{}
	params.Set("origins", fmt.Sprintf("%f,%f", origin.Lat, origin.Lon))
	params.Set("destinations", fmt.Sprintf("%f,%f", destination.Lat, destination.Lon))
	params.Set("mode", "walking")
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Debug("Distance matrix returned error status", "status_code", resp.StatusCode, "response_body", string(body))
		return nil, fmt.Errorf("%w: status %d", errTransport, resp.StatusCode)
	}

	var result matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	switch result.Status {
	case statusOK:
	case statusOverQueryLimit:
		return nil, ErrOverQueryLimit
	default:
		c.logger.Warn("Distance matrix rejected request", "status", result.Status, "error_message", result.ErrorMessage)
		return nil, nil
	}

	if len(result.Rows) == 0 || len(result.Rows[0].Elements) == 0 {
		return nil, nil
	}
	el := result.Rows[0].Elements[0]
	switch el.Status {
	case statusOK:
		return &models.WalkingEstimate{Distance: el.Distance, Duration: el.Duration}, nil
	case statusOverQueryLimit:
		return nil, ErrOverQueryLimit
	default:
		c.logger.Debug("No walking route", "origin", origin, "destination", destination, "status", el.Status)
		return nil, nil
	}
}
