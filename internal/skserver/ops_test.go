package skserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/linux/projects/server/walproxy/internal/walpos"
	"github.com/stretchr/testify/require"
)

func newTestRouter(srv *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewOpsHandler(srv).Register(r)
	return r
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	r := newTestRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListAndGetTimeline(t *testing.T) {
	srv := newTestServer(t)
	tl := srv.Timelines.GetOrCreate(7)
	tl.Advance(walpos.LSN(42))
	r := newTestRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/timelines", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":7`)

	req = httptest.NewRequest(http.MethodGet, "/timelines/7", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), tl.Latest().String())

	req = httptest.NewRequest(http.MethodGet, "/timelines/999", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
