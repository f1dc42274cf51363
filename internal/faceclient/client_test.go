package faceclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "S001_Jean.jpg", hdr.Filename)
		assert.Equal(t, "jpegbytes", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"faces":[{"embedding":[0.1,0.2],"box":{"top":10,"right":120,"bottom":130,"left":20}}]}`))
	}))
	defer srv.Close()

	faces, err := New(srv.URL, 0).Detect(context.Background(), []byte("jpegbytes"), "S001_Jean.jpg")
	require.NoError(t, err)
	require.Len(t, faces, 1)
	assert.Equal(t, []float64{0.1, 0.2}, faces[0].Embedding)
	assert.Equal(t, Box{Top: 10, Right: 120, Bottom: 130, Left: 20}, faces[0].Box)
}

func TestDetect_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).Detect(context.Background(), []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestDetect_EmptyImage(t *testing.T) {
	_, err := New("http://unused", 0).Detect(context.Background(), nil, "a.jpg")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	assert.NoError(t, c.Health(context.Background()))
	healthy = false
	assert.Error(t, c.Health(context.Background()))
}
