package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("navigation timeout after 30s"), Transient},
		{errors.New("HTTP 429 Too Many Requests"), Transient},
		{errors.New("site returned status 503"), Transient},
		{errors.New("executor status 502: temporarily unavailable"), Transient},
		{errors.New("temporary failure in name resolution"), Transient},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), Transient},
		{errors.New("validation rejected: phone number invalid"), Fatal},
		{errors.New("form layout not recognised"), Fatal},
		{errors.New("validation failed: description exceeds 500 characters"), Fatal},
		{errors.New("business category unavailable on this directory"), Fatal},
		{errors.New("zip code 50321 rejected"), Fatal},
		{Permanent(errors.New("timeout while validating")), Fatal},
		{fmt.Errorf("outer: %w", Permanent(errors.New("captcha required"))), Fatal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
	assert.Nil(t, Permanent(nil))
}

func TestResultError(t *testing.T) {
	assert.NoError(t, ResultError(Result{Success: true}))
	assert.EqualError(t, ResultError(Result{Error: "rate limit hit"}), "rate limit hit")
	assert.Error(t, ResultError(Result{}))
}

type recordingSaver struct {
	data []byte
}

func (r *recordingSaver) SaveScreenshot(_ context.Context, jobID, directory string, data []byte) (string, error) {
	r.data = data
	return "mem://" + jobID + "/" + directory, nil
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	var gotPlan Plan
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotPlan)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":           true,
			"listing_url":       "https://dir.example/listing/1",
			"screenshot_base64": base64.StdEncoding.EncodeToString(pngBuf.Bytes()),
		})
	}))
	defer srv.Close()

	saver := &recordingSaver{}
	ex := NewHTTPExecutor(srv.URL, 2*time.Second, saver, nil)
	res, err := ex.Submit(context.Background(), Plan{
		JobID:          "job-1",
		Directory:      "yelp",
		IdempotencyKey: "abc",
		TargetURL:      "https://yelp.example/add",
		FieldMapping:   map[string]string{"name": "Acme"},
		Steps:          []string{"open", "fill", "submit"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://dir.example/listing/1", res.ListingURL)
	assert.Equal(t, "mem://job-1/yelp", res.ScreenshotRef)
	assert.Equal(t, pngBuf.Bytes(), saver.data)
	assert.Equal(t, "abc", gotKey)
	assert.Equal(t, "Acme", gotPlan.FieldMapping["name"])
	assert.Equal(t, []string{"open", "fill", "submit"}, gotPlan.Steps)
}

func TestHTTPExecutorStatusClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(srv.URL, time.Second, nil, nil)

	_, err := ex.Submit(context.Background(), Plan{JobID: "job-1", Directory: "bing"})
	require.Error(t, err)
	assert.Equal(t, Transient, Classify(err))

	status.Store(http.StatusTooManyRequests)
	_, err = ex.Submit(context.Background(), Plan{JobID: "job-1", Directory: "bing"})
	require.Error(t, err)
	assert.Equal(t, Transient, Classify(err))

	status.Store(http.StatusUnprocessableEntity)
	_, err = ex.Submit(context.Background(), Plan{JobID: "job-1", Directory: "bing"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestHTTPExecutorReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"duplicate listing detected"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPExecutor(srv.URL, time.Second, nil, nil).Submit(context.Background(), Plan{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, Fatal, Classify(ResultError(res)))
}
