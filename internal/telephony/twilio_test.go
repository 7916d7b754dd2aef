package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTwilio(t *testing.T, handler http.HandlerFunc) *TwilioClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewTwilioClient(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestNewTwilioClient_RequiresCredentials(t *testing.T) {
	_, err := NewTwilioClient(TwilioConfig{AuthToken: "x"})
	assert.Error(t, err)
	_, err = NewTwilioClient(TwilioConfig{AccountSID: "AC1"})
	assert.Error(t, err)
}

func TestFetchCall(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/Calls/CA42.json", r.URL.Path)
		w.Write([]byte(`{
			"sid": "CA42", "from": "+14155550100", "to": "+33612345678",
			"direction": "outbound-api", "status": "completed",
			"start_time": "Tue, 10 Aug 2010 08:02:17 +0000",
			"end_time": "Tue, 10 Aug 2010 08:03:02 +0000",
			"duration": "45"
		}`))
	})

	call, err := c.FetchCall(context.Background(), "CA42")
	require.NoError(t, err)
	assert.Equal(t, "+33612345678", call.To)
	assert.Equal(t, "completed", call.Status)
	assert.Equal(t, 45*time.Second, call.Duration)
	assert.Equal(t, time.Date(2010, 8, 10, 8, 2, 17, 0, time.UTC), call.StartTime)
}

func TestFetchCall_NotFound(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":20404}`, http.StatusNotFound)
	})
	_, err := c.FetchCall(context.Background(), "CA404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestRecording(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Calls/CA42/Recordings.json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("PageSize"))
		w.Write([]byte(`{"recordings":[{"sid":"RE7","call_sid":"CA42","duration":"44"}]}`))
	})

	rec, err := c.LatestRecording(context.Background(), "CA42")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "RE7", rec.SID)
	assert.Equal(t, 44*time.Second, rec.Duration)
	assert.Contains(t, rec.MediaURL, "/Recordings/RE7.wav")
}

func TestLatestRecording_None(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"recordings":[]}`))
	})
	rec, err := c.LatestRecording(context.Background(), "CA42")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDownloadRecording(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Recordings/RE7.wav", r.URL.Path)
		w.Write([]byte("RIFFdata"))
	})
	data, err := c.DownloadRecording(context.Background(), &Recording{SID: "RE7"})
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), data)
}

func TestHangup(t *testing.T) {
	var status string
	c := newTestTwilio(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		status = r.PostForm.Get("Status")
		if r.URL.Path == "/Calls/CAgone.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"sid":"CA42","status":"completed"}`))
	})

	require.NoError(t, c.Hangup(context.Background(), "CA42"))
	assert.Equal(t, "completed", status)
	assert.NoError(t, c.Hangup(context.Background(), "CAgone"), "unknown call counts as ended")
}

func TestAPIError(t *testing.T) {
	c := newTestTwilio(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	_, err := c.FetchCall(context.Background(), "CA42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
