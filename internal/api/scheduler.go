package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) schedulerStatus(c *gin.Context) {
	st, err := s.deps.Scheduler.Status(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) triggerCleanup(c *gin.Context) {
	report := s.deps.Scheduler.Trigger(c.Request.Context())
	c.JSON(http.StatusOK, report)
}
