package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRequest(t *testing.T, incomingID string) (string, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(Middleware())
	r.GET("/", func(c *gin.Context) {
		seen = Value(c)
		c.Status(http.StatusOK)
	})

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	if incomingID != "" {
		req.Header.Set("X-Request-ID", incomingID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return seen, w.Header().Get("X-Request-ID")
}

func TestMiddlewareGeneratesID(t *testing.T) {
	seen, echoed := runRequest(t, "")
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, echoed)
}

func TestMiddlewareKeepsForwardedID(t *testing.T) {
	seen, echoed := runRequest(t, "upstream-42")
	assert.Equal(t, "upstream-42", seen)
	assert.Equal(t, "upstream-42", echoed)
}

func TestMiddlewareReplacesOversizedForwardedID(t *testing.T) {
	huge := strings.Repeat("x", 500)
	seen, _ := runRequest(t, huge)
	assert.NotEqual(t, huge, seen)
	assert.NotEmpty(t, seen)
}
