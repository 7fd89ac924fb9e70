package skserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// OpsHandler exposes read-only operational status for one Server over
// HTTP, rebuilt on gin in place of the teacher's bare http.ServeMux
// handlers (SPEC_FULL.md DOMAIN STACK: gin-gonic/gin).
type OpsHandler struct {
	server *Server
}

// NewOpsHandler wraps server for HTTP exposure.
func NewOpsHandler(server *Server) *OpsHandler {
	return &OpsHandler{server: server}
}

// Register mounts the ops routes onto an existing gin engine.
func (h *OpsHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/timelines", h.listTimelines)
	r.GET("/timelines/:id", h.getTimeline)
}

func (h *OpsHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type timelineView struct {
	ID        uint32 `json:"id"`
	LatestLSN string `json:"latest_lsn"`
	CreatedAt string `json:"created_at"`
}

func (h *OpsHandler) listTimelines(c *gin.Context) {
	timelines := h.server.Timelines.List()
	out := make([]timelineView, 0, len(timelines))
	for _, t := range timelines {
		out = append(out, timelineView{
			ID:        t.ID,
			LatestLSN: t.Latest().String(),
			CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"timelines": out})
}

func (h *OpsHandler) getTimeline(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeline id"})
		return
	}
	t, err := h.server.Timelines.Get(uint32(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, timelineView{
		ID:        t.ID,
		LatestLSN: t.Latest().String(),
		CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}
