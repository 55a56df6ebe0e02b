// Package faceclient calls the face quality microservice that scores camera
// frames. The capture tracker only sees the resulting pass/fail map.
package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Check names reported per frame.
const (
	CheckFaceDetected = "face_detected"
	CheckSingleFace   = "single_face"
	CheckFaceSize     = "face_size"
	CheckFrontal      = "frontal_pose"
	CheckSharpness    = "sharpness"
	CheckQuality      = "quality_score"
)

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	PoseYaw   float64 `json:"pose_yaw"`
	PosePitch float64 `json:"pose_pitch"`
	PoseRoll  float64 `json:"pose_roll"`
	FaceSize  int     `json:"face_size"`
	IsFrontal bool    `json:"is_frontal"`
}

// Thresholds turn raw metrics into checks when the service does not return
// its own verdicts.
type Thresholds struct {
	MinFaceSize int
	MaxYaw      float64
	MaxPitch    float64
	MaxBlur     float64
	MinScore    float64
}

// DefaultThresholds matches the service's enrollment defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{MinFaceSize: 10000, MaxYaw: 20, MaxPitch: 20, MaxBlur: 0.4, MinScore: 0.6}
}

// Checks derives the per-check verdicts for one frame.
func (t Thresholds) Checks(facesDetected int, q *FaceQuality) map[string]bool {
	out := map[string]bool{
		CheckFaceDetected: facesDetected > 0,
		CheckSingleFace:   facesDetected == 1,
		CheckFaceSize:     false,
		CheckFrontal:      false,
		CheckSharpness:    false,
		CheckQuality:      false,
	}
	if q == nil {
		return out
	}
	out[CheckFaceSize] = q.FaceSize >= t.MinFaceSize
	out[CheckFrontal] = q.IsFrontal || (math.Abs(q.PoseYaw) <= t.MaxYaw && math.Abs(q.PosePitch) <= t.MaxPitch)
	out[CheckSharpness] = q.Blur <= t.MaxBlur
	out[CheckQuality] = q.Score >= t.MinScore
	return out
}

// Client calls the face quality microservice.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Skip       bool
	Thresholds Thresholds
}

// New creates a client. With skip set every frame passes every check, which
// is how bench devices without the service run.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		Skip:       skip,
		Thresholds: DefaultThresholds(),
		HTTP:       &http.Client{Timeout: timeout},
	}
}

// EvaluateTick scores one frame and returns the pass/fail map.
func (c *Client) EvaluateTick(ctx context.Context, frame []byte) (map[string]bool, error) {
	if c.Skip {
		return c.Thresholds.Checks(1, &FaceQuality{
			Score:     0.85,
			Blur:      0.1,
			PoseYaw:   5.0,
			PosePitch: 3.0,
			FaceSize:  40000,
			IsFrontal: true,
		}), nil
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	body, _ := json.Marshal(map[string]string{"image_base64": base64.StdEncoding.EncodeToString(frame)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/quality", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		FacesDetected int             `json:"faces_detected"`
		Quality       *FaceQuality    `json:"quality"`
		Checks        map[string]bool `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Checks) > 0 {
		return out.Checks, nil
	}
	return c.Thresholds.Checks(out.FacesDetected, out.Quality), nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
