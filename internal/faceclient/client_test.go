package faceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTick_SkipPassesEverything(t *testing.T) {
	c := New("", true, 0)
	checks, err := c.EvaluateTick(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, checks, 6)
	for name, ok := range checks {
		assert.True(t, ok, name)
	}
}

func TestEvaluateTick_DerivesChecksFromQuality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quality", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		frame, err := base64.StdEncoding.DecodeString(in["image_base64"])
		require.NoError(t, err)
		assert.Equal(t, "frame-1", string(frame))

		_, _ = w.Write([]byte(`{"faces_detected":1,"quality":{"score":0.9,"blur":0.7,"pose_yaw":4,"pose_pitch":2,"face_size":30000}}`))
	}))
	defer srv.Close()

	checks, err := New(srv.URL, false, 0).EvaluateTick(context.Background(), []byte("frame-1"))
	require.NoError(t, err)
	assert.True(t, checks[CheckFaceDetected])
	assert.True(t, checks[CheckFrontal])
	assert.False(t, checks[CheckSharpness])
}

func TestEvaluateTick_PrefersServiceVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces_detected":2,"checks":{"face_detected":true,"single_face":false}}`))
	}))
	defer srv.Close()

	checks, err := New(srv.URL, false, 0).EvaluateTick(context.Background(), []byte("f"))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"face_detected": true, "single_face": false}, checks)
}

func TestEvaluateTick_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, false, 0).EvaluateTick(context.Background(), []byte("f"))
	assert.ErrorContains(t, err, "503")
}

func TestThresholds_NoFace(t *testing.T) {
	checks := DefaultThresholds().Checks(0, nil)
	assert.False(t, checks[CheckFaceDetected])
	assert.False(t, checks[CheckQuality])
}
