package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/graphkeeper/internal/extract"
)

func (s *Server) createExtraction(c *gin.Context) {
	if s.deps.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.MaxUploadBytes)
	}
	var req extract.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	sub, err := s.deps.Extractions.Submission(req)
	if err != nil {
		fail(c, err)
		return
	}
	job, err := s.deps.Jobs.Submit(c.Request.Context(), sub)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobAccepted{JobID: job.ID, Status: job.Status})
}
