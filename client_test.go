package fleetsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ResolveURL(t *testing.T) {
	c := NewClient("http://fleet.local:5000/api/")
	assert.Equal(t, "http://fleet.local:5000/api", c.BaseURL())

	assert.Equal(t, "http://fleet.local:5000/api/motors", c.ResolveURL("/motors"))
	assert.Equal(t, "http://fleet.local:5000/api/motors", c.ResolveURL("motors"))
	assert.Equal(t, "https://other.example/x", c.ResolveURL("https://other.example/x"))

	assert.Equal(t, DefaultBaseURL, NewClient("").BaseURL())
}

func TestClient_Headers(t *testing.T) {
	var auth, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		ua = r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"status":"ok","api_reachable":true,"distributore_reachable":false}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("secret"), WithUserAgent("fleetsync-test"))
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "fleetsync-test", ua)
	assert.True(t, h.APIReachable)
	assert.False(t, h.DistributorReachable)
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download-events":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":"download_in_progress","message":"already running"}`)
		case "/download-status":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `plain failure`)
		default:
			fmt.Fprint(w, `{not json`)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	t.Run("structured error body", func(t *testing.T) {
		_, err := c.StartDownload(ctx)
		require.Error(t, err)
		assert.True(t, IsConflict(err))
		assert.Equal(t, "HTTP 409: download_in_progress: already running", err.Error())
	})

	t.Run("plain text error body", func(t *testing.T) {
		_, err := c.DownloadStatus(ctx)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, 500, apiErr.Status)
		assert.Equal(t, "plain failure", apiErr.Message)
		assert.False(t, IsConflict(err))
	})

	t.Run("undecodable success body", func(t *testing.T) {
		_, err := c.DownloadInfo(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal response")
	})
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "HTTP 503", (&APIError{Status: 503}).Error())
	assert.Equal(t, "HTTP 404: not_found", (&APIError{Status: 404, Code: "not_found"}).Error())
}

func TestEvent_Decode(t *testing.T) {
	var d DownloadEvent
	require.NoError(t, Event{Type: EventDownloadProgress, Data: []byte(`{"message":"m","progress":40}`)}.Decode(&d))
	assert.Equal(t, 40, d.Progress)
	assert.NoError(t, Event{}.Decode(&d))
}
