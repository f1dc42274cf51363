package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{"timestamp": "100", "api_key": "key", "public_id": "S001", "folder": ""})
	want := fmt.Sprintf("%x", sha1.Sum([]byte("public_id=S001&timestamp=100secret")))
	assert.Equal(t, want, got)
}

func TestUploadBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1_1/demo/image/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "S001", r.FormValue("public_id"))
		assert.Equal(t, "canteen/students", r.FormValue("folder"))
		assert.Equal(t, "1791979200", r.FormValue("timestamp"))
		assert.NotEmpty(t, r.FormValue("signature"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "S001_Jean.jpg", hdr.Filename)
		assert.Equal(t, "img", string(data))

		_, _ = w.Write([]byte(`{"public_id":"canteen/students/S001","secure_url":"https://res.example/S001.jpg"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "canteen/students")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1791979200, 0) }
	assert.True(t, c.Configured())

	res, err := c.UploadBytes(context.Background(), []byte("img"), "S001_Jean.jpg", "S001")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/S001.jpg", res.SecureURL)
}

func TestUploadBytes_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.UploadBytes(context.Background(), []byte("img"), "a.jpg", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestConfigured(t *testing.T) {
	var nilClient *Client
	assert.False(t, nilClient.Configured())
	assert.False(t, New("", "", "", "").Configured())
}
