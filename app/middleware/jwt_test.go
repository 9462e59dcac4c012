package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"vod-transcoder/app/auth"
	"vod-transcoder/app/config"

	"github.com/gin-gonic/gin"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "", false},
		{"Bearer ", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v", tt.header, token, ok)
		}
	}
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := auth.NewJWTService(config.JWTConfig{Secret: "k", ExpireTime: 1, Issuer: "test"})
	token, _, err := svc.GenerateToken("ops")
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/p", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUsername))
	})

	for header, want := range map[string]int{
		"":                 http.StatusUnauthorized,
		"Bearer garbage":   http.StatusUnauthorized,
		"Bearer " + token:  http.StatusOK,
		"Basic dXNlcjpwdw": http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, "/p", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("Authorization %q = %d, want %d", header, rec.Code, want)
		}
		if want == http.StatusOK && rec.Body.String() != "ops" {
			t.Errorf("username = %q", rec.Body.String())
		}
	}
}
