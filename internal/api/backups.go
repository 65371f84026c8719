package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/graphkeeper/internal/backup"
	"github.com/raphaelgruber/graphkeeper/internal/jobs"
)

// JobAccepted is returned when a job was created.
type JobAccepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// BackupList is the body of GET /api/backups.
type BackupList struct {
	Backups []backup.FileInfo `json:"backups"`
}

func (s *Server) createBackup(c *gin.Context) {
	var req backup.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	ctx := c.Request.Context()
	sub, err := s.deps.Backups.Submission(ctx, req)
	if err != nil {
		fail(c, err)
		return
	}
	job, err := s.deps.Jobs.Submit(ctx, sub)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, JobAccepted{JobID: job.ID, Status: job.Status})
}

func (s *Server) listBackups(c *gin.Context) {
	list, err := s.deps.Backups.Local().List()
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []backup.FileInfo{}
	}
	c.JSON(http.StatusOK, BackupList{Backups: list})
}

func (s *Server) downloadBackup(c *gin.Context) {
	name := c.Param("filename")
	f, info, err := s.deps.Backups.Local().Open(name)
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}
