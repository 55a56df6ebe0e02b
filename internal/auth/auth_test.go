package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer("test-secret", "edgeattend", "gate-1", 15*time.Minute)
	require.NoError(t, err)
	return iss
}

func TestIssueAndParse(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue("alice", RoleOperator)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, tok.Role)

	claims, err := iss.Parse(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "gate-1", claims.Device)
}

func TestParse_Rejects(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue("alice", RoleOperator)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		late := newTestIssuer(t)
		late.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err := late.Parse(tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewIssuer("other-secret", "edgeattend", "gate-1", time.Minute)
		require.NoError(t, err)
		_, err = other.Parse(tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other, err := NewIssuer("test-secret", "someone-else", "gate-1", time.Minute)
		require.NoError(t, err)
		_, err = other.Parse(tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleOperator}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = iss.Parse(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestExchange(t *testing.T) {
	iss := newTestIssuer(t)

	_, err := iss.Exchange("wrong", "operator-key", "")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = iss.Exchange("", "", "")
	assert.ErrorIs(t, err, ErrBadCredentials)

	tok, err := iss.Exchange("operator-key", "operator-key", "")
	require.NoError(t, err)
	claims, err := iss.Parse(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, RoleOperator, claims.Subject)
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := NewIssuer("", "x", "gate-1", time.Minute)
	assert.Error(t, err)
	_, err = NewIssuer("k", "x", "gate-1", 0)
	assert.Error(t, err)
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := newTestIssuer(t)

	r := gin.New()
	r.GET("/ops", Require(iss, RoleOperator), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	operator, err := iss.Issue("alice", RoleOperator)
	require.NoError(t, err)
	device, err := iss.Issue("gate-1", RoleDevice)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + device.AccessToken, http.StatusForbidden},
		{"operator", "Bearer " + operator.AccessToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
