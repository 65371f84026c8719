package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/graphkeeper/internal/models"
	"github.com/raphaelgruber/graphkeeper/internal/restore"
)

// RestoreForm is the multipart form of POST /api/restores. Either an
// uploaded file or the name of a stored backup selects the artifact.
type RestoreForm struct {
	Username  string `form:"username"`
	Password  string `form:"password"`
	Overwrite bool   `form:"overwrite"`
	Deps      string `form:"deps"`
	Filename  string `form:"filename"`
}

// RestoreAccepted describes a restore waiting for approval.
type RestoreAccepted struct {
	JobAccepted
	Scope             models.Scope          `json:"scope"`
	Manifest          models.BackupManifest `json:"manifest"`
	BackupStats       models.GraphStats     `json:"backup_stats"`
	IntegrityWarnings []string              `json:"integrity_warnings"`
}

func (s *Server) createRestore(c *gin.Context) {
	if s.deps.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.MaxUploadBytes)
	}
	var form RestoreForm
	if err := c.ShouldBind(&form); err != nil {
		fail(c, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := s.deps.Auth.Authenticate(form.Username, form.Password); err != nil {
		s.logger.Warn("restore rejected", "user", form.Username, "reason", err)
		fail(c, err)
		return
	}
	deps, err := restore.ParseDependencyAction(form.Deps)
	if err != nil {
		fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	req := restore.Request{Overwrite: form.Overwrite, Deps: deps, Actor: form.Username}
	header, err := c.FormFile("file")
	switch {
	case err == nil:
		path, err := s.saveUpload(header)
		if err != nil {
			fail(c, err)
			return
		}
		req.ArtifactPath, req.Uploaded = path, true
	case errors.Is(err, http.ErrMissingFile) && form.Filename != "":
		path, err := s.deps.Backups.Local().Path(form.Filename)
		if err != nil {
			fail(c, err)
			return
		}
		req.ArtifactPath = path
	default:
		fail(c, fmt.Errorf("%w: a backup file upload or filename is required", ErrBadRequest))
		return
	}

	accepted, err := s.submitRestore(c, req)
	if err != nil {
		if req.Uploaded {
			_ = os.Remove(req.ArtifactPath)
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, accepted)
}

func (s *Server) submitRestore(c *gin.Context, req restore.Request) (RestoreAccepted, error) {
	ctx := c.Request.Context()
	prep, err := s.deps.Restores.Prepare(ctx, req)
	if err != nil {
		return RestoreAccepted{}, err
	}
	sub, err := s.deps.Restores.Submission(req, prep)
	if err != nil {
		return RestoreAccepted{}, err
	}
	job, err := s.deps.Jobs.Submit(ctx, sub)
	if err != nil {
		return RestoreAccepted{}, err
	}
	warnings := prep.IntegrityWarnings
	if warnings == nil {
		warnings = []string{}
	}
	return RestoreAccepted{
		JobAccepted:       JobAccepted{JobID: job.ID, Status: job.Status},
		Scope:             prep.Scope,
		Manifest:          prep.Manifest,
		BackupStats:       prep.BackupStats,
		IntegrityWarnings: warnings,
	}, nil
}

// saveUpload copies an uploaded artifact into the upload directory,
// keeping its extension so the format can be detected.
func (s *Server) saveUpload(header *multipart.FileHeader) (string, error) {
	format, err := models.FormatFromFilename(header.Filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.deps.UploadDir, "restore-*"+format.Extension())
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	return dst.Name(), nil
}
