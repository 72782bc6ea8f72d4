package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestDashboardCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := DashboardCORS(zap.NewNop(), []string{"http://localhost:5173"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/api/connections", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestDashboardCORSRejectsBadOrigins(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		origins []string
	}{
		{name: "nil list", origins: nil},
		{name: "whitespace", origins: []string{"  "}},
		{name: "wildcard", origins: []string{"*"}},
		{name: "path segment", origins: []string{"https://app.example.com/dashboard"}},
		{name: "bad scheme", origins: []string{"ftp://app.example.com"}},
	}
	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DashboardCORS(zap.NewNop(), testCase.origins); err == nil {
				t.Fatalf("expected error for origins %v", testCase.origins)
			}
		})
	}
}
