package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/model"
)

// ErrBackdateRejected means the server is not in dev mode.
var ErrBackdateRejected = errors.New("server refused a backdated entry; start it with dev mode on")

// client talks to the mindtriage HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: base, http: &http.Client{Timeout: timeout}}
}

type entryRequest struct {
	SubmissionID    string          `json:"submission_id"`
	UserID          string          `json:"user_id"`
	EntryType       model.EntryType `json:"entry_type"`
	EntryDate       model.Date      `json:"entry_date"`
	Answers         model.Answers   `json:"answers"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// entryResult is the part of a submission response the demo reads.
type entryResult struct {
	Status   int                  `json:"-"`
	Quality  model.QualityVerdict `json:"quality"`
	Admitted bool                 `json:"admitted"`
	Baseline model.BaselineState  `json:"baseline"`
	Crisis   *model.CrisisEvent   `json:"crisis"`
	Code     string               `json:"code"`
}

func (c *client) health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *client) dailyQuestions(ctx context.Context, user string, date model.Date) ([]catalog.Question, error) {
	q := url.Values{"user_id": {user}, "date": {date.String()}}
	resp, err := c.do(ctx, http.MethodGet, "/v1/questions/daily?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daily questions returned %d", resp.StatusCode)
	}
	var body struct {
		Questions []catalog.Question `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode daily questions: %w", err)
	}
	return body.Questions, nil
}

func (c *client) submit(ctx context.Context, req *entryRequest) (entryResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return entryResult{}, fmt.Errorf("encode entry: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/entries", payload)
	if err != nil {
		return entryResult{}, err
	}
	defer resp.Body.Close()

	res := entryResult{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decode entry response: %w", err)
	}
	res.Status = resp.StatusCode
	if res.Status == http.StatusForbidden {
		return res, ErrBackdateRejected
	}
	return res, nil
}

func (c *client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
