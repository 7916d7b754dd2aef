// Package telephony connects calls to the Twilio voice API: media stream
// ingest over websocket and the REST endpoints used to finish a call.
package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	twilioAPIBase    = "https://api.twilio.com/2010-04-01/Accounts/"
	maxAPIResponse   = 1 << 20
	maxRecordingSize = 64 << 20
)

// ErrNotFound is returned when Twilio has no such resource.
var ErrNotFound = errors.New("twilio: not found")

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// BaseURL overrides the account API root, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioClient calls the Twilio REST API for one account.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

func NewTwilioClient(cfg TwilioConfig) (*TwilioClient, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("twilio: auth token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = twilioAPIBase + cfg.AccountSID
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioClient{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimSuffix(base, "/"),
		client:     client,
	}, nil
}

// Call is Twilio's record of a call.
type Call struct {
	SID       string
	From      string
	To        string
	Direction string
	Status    string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

type Recording struct {
	SID      string
	CallSID  string
	Duration time.Duration
	MediaURL string
}

type callResource struct {
	SID       string `json:"sid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Duration  string `json:"duration"`
}

type recordingList struct {
	Recordings []struct {
		SID      string `json:"sid"`
		CallSID  string `json:"call_sid"`
		Duration string `json:"duration"`
	} `json:"recordings"`
}

// FetchCall returns the provider's authoritative call record.
func (c *TwilioClient) FetchCall(ctx context.Context, sid string) (*Call, error) {
	body, err := c.apiRequest(ctx, http.MethodGet, "/Calls/"+url.PathEscape(sid)+".json", nil, maxAPIResponse)
	if err != nil {
		return nil, fmt.Errorf("twilio: fetch call: %w", err)
	}
	var res callResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("twilio: parse call: %w", err)
	}
	return &Call{
		SID:       res.SID,
		From:      res.From,
		To:        res.To,
		Direction: res.Direction,
		Status:    res.Status,
		StartTime: parseTwilioTime(res.StartTime),
		EndTime:   parseTwilioTime(res.EndTime),
		Duration:  parseSeconds(res.Duration),
	}, nil
}

// LatestRecording returns the newest recording of a call, or nil if none.
func (c *TwilioClient) LatestRecording(ctx context.Context, callSID string) (*Recording, error) {
	q := url.Values{"PageSize": {"1"}}
	endpoint := "/Calls/" + url.PathEscape(callSID) + "/Recordings.json?" + q.Encode()
	body, err := c.apiRequest(ctx, http.MethodGet, endpoint, nil, maxAPIResponse)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("twilio: list recordings: %w", err)
	}
	var list recordingList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("twilio: parse recordings: %w", err)
	}
	if len(list.Recordings) == 0 {
		return nil, nil
	}
	r := list.Recordings[0]
	return &Recording{
		SID:      r.SID,
		CallSID:  r.CallSID,
		Duration: parseSeconds(r.Duration),
		MediaURL: c.baseURL + "/Recordings/" + url.PathEscape(r.SID) + ".wav",
	}, nil
}

// DownloadRecording fetches the recording as WAV.
func (c *TwilioClient) DownloadRecording(ctx context.Context, rec *Recording) ([]byte, error) {
	endpoint := "/Recordings/" + url.PathEscape(rec.SID) + ".wav"
	body, err := c.apiRequest(ctx, http.MethodGet, endpoint, nil, maxRecordingSize)
	if err != nil {
		return nil, fmt.Errorf("twilio: download recording: %w", err)
	}
	return body, nil
}

// Hangup completes an in-progress call. Calls Twilio no longer knows are
// treated as already ended.
func (c *TwilioClient) Hangup(ctx context.Context, sid string) error {
	params := url.Values{"Status": {"completed"}}
	_, err := c.apiRequest(ctx, http.MethodPost, "/Calls/"+url.PathEscape(sid)+".json", params, maxAPIResponse)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("twilio: hangup call: %w", err)
	}
	return nil
}

func (c *TwilioClient) apiRequest(ctx context.Context, method, endpoint string, params url.Values, limit int64) ([]byte, error) {
	var body io.Reader
	if params != nil {
		body = bytes.NewBufferString(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(data))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func parseTwilioTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC1123Z, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseSeconds(s string) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}
