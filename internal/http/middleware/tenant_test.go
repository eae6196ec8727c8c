package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestTenant_HeaderQueryAndAbsent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Tenant())

	var got string
	r.GET("/t", func(c *gin.Context) {
		got = TenantFrom(c)
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"none", "/t", "", ""},
		{"query", "/t?tenantId=dealer-1", "", "dealer-1"},
		{"header", "/t", " dealer-2 ", "dealer-2"},
		{"header wins", "/t?tenantId=dealer-1", "dealer-2", "dealer-2"},
		{"blank query", "/t?tenantId=%20", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got = "unset"
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set(HeaderTenantID, tc.header)
			}
			r.ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("TenantFrom = %q; want %q", got, tc.want)
			}
		})
	}
}
