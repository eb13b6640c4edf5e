package site

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/MimeLyc/ticket-watcher/internal/jobs"
)

// ClientConfig points Client at the page-automation service.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("site base URL is required")
	}
	if c.Timeout <= 0 {
		return errors.New("site timeout must be greater than 0")
	}
	return nil
}

// Client runs watch and booking attempts on a remote automation service.
// Attempts are long-running, so Timeout should cover a full page flow.
//
// Endpoints:
//
//	POST {BaseURL}/watch  attemptRequest -> Listing
//	POST {BaseURL}/book   attemptRequest -> Receipt
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	baseURL    string
}

func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid site configuration")
	}
	return &Client{
		config:     config,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type attemptRequest struct {
	JobID       string               `json:"job_id"`
	MovieName   string               `json:"movie_name"`
	City        string               `json:"city"`
	Theatres    []string             `json:"theatres"`
	Preferences jobs.Preferences     `json:"preferences"`
	Seats       jobs.SeatPreferences `json:"seats"`
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) Watch(ctx context.Context, job *jobs.BookingJob) (*Listing, error) {
	var listing Listing
	if err := c.makeRequest(ctx, "/watch", newAttemptRequest(job), &listing); err != nil {
		return nil, errors.Wrapf(err, "watch %s", job.ID)
	}
	return &listing, nil
}

func (c *Client) Book(ctx context.Context, job *jobs.BookingJob) (*Receipt, error) {
	var receipt Receipt
	if err := c.makeRequest(ctx, "/book", newAttemptRequest(job), &receipt); err != nil {
		return nil, errors.Wrapf(err, "book %s", job.ID)
	}
	return &receipt, nil
}

func newAttemptRequest(job *jobs.BookingJob) attemptRequest {
	return attemptRequest{
		JobID:       job.ID,
		MovieName:   job.MovieName,
		City:        job.City,
		Theatres:    job.Theatres,
		Preferences: job.Preferences,
		Seats:       job.Seats,
	}
}

func (c *Client) makeRequest(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return errors.Wrap(err, "request timed out")
		}
		return errors.Wrap(err, "make request")
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	if resp.StatusCode == http.StatusGone {
		return errors.Wrap(ErrSoldOut, decodeAPIError(responseBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WithDetail(
			errors.Newf("site request failed with status %d", resp.StatusCode),
			decodeAPIError(responseBody),
		)
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return errors.Wrap(err, "parse response")
	}
	return nil
}

func decodeAPIError(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
