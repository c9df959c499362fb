package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"filekeeper/internal/models"
	"filekeeper/internal/operations"
	"filekeeper/internal/storage"
)

// ownerHeader carries the authenticated user id. Authentication itself is
// handled upstream by the gateway.
const ownerHeader = "X-Owner-ID"

type Server struct {
	cfg    *models.Config
	router *gin.Engine
	db     *storage.Storage
	blobs  *storage.BlobStore
	ops    *operations.Service
}

func NewServer(cfg *models.Config, db *storage.Storage, blobs *storage.BlobStore, ops *operations.Service) *Server {
	r := gin.Default()

	s := &Server{cfg: cfg, router: r, db: db, blobs: blobs, ops: ops}

	r.POST("/upload", s.handleUpload)
	r.GET("/files/:id/thumbnail", s.handleGetThumbnail)
	r.DELETE("/files/:id", s.handleDeleteFile)
	r.GET("/operations", s.handleListOperations)
	r.GET("/operations/:id", s.handleGetOperation)
	r.POST("/operations/:id/recover", s.handleRecover)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func owner(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetHeader(ownerHeader))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + ownerHeader})
		return uuid.Nil, false
	}
	return id, true
}

// handleUpload stores the originals, inserts the file rows, and submits one
// processing batch covering all of them. It returns before any derivative
// is generated.
func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	ownerID, ok := owner(c)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files in form"})
		return
	}

	ctx := c.Request.Context()
	assetIDs := make([]uuid.UUID, 0, len(uploads))
	for _, upload := range uploads {
		id := uuid.New()

		src, err := upload.Open()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		if err := s.blobs.WriteSource(ctx, id, data); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}

		f := models.File{
			ID:            id,
			Owner:         ownerID,
			Name:          upload.Filename,
			PreviewStatus: models.PreviewUnavailable,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.db.SaveFile(ctx, &f); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
			return
		}
		assetIDs = append(assetIDs, id)
	}

	operation, err := s.ops.BeginProcessing(ctx, ownerID, assetIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"operation_id": operation.ID,
		"file_ids":     assetIDs,
	})
}

func (s *Server) handleGetThumbnail(c *gin.Context) {
	const op = "server.handleGetThumbnail"

	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	f, err := s.db.GetFile(c.Request.Context(), id)
	if err != nil || f.Owner != ownerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	if f.PreviewStatus != models.PreviewReady {
		c.JSON(http.StatusAccepted, gin.H{"preview_status": f.PreviewStatus})
		return
	}

	data, err := s.blobs.ReadDerived(c.Request.Context(), id, models.FormatThumbnail.Code())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	const op = "server.handleDeleteFile"

	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	ctx := c.Request.Context()
	f, err := s.db.GetFile(ctx, id)
	if err != nil || f.Owner != ownerID {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	s.blobs.Remove(ctx, id, models.FormatThumbnail.Code())
	if err := s.db.DeleteFile(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListOperations(c *gin.Context) {
	const op = "server.handleListOperations"

	ownerID, ok := owner(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	ops, err := s.ops.List(c.Request.Context(), ownerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) handleGetOperation(c *gin.Context) {
	const op = "server.handleGetOperation"

	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	operation, err := s.ops.Get(c.Request.Context(), ownerID, id)
	if errors.Is(err, operations.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	c.JSON(http.StatusOK, operation)
}

func (s *Server) handleRecover(c *gin.Context) {
	const op = "server.handleRecover"

	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}

	err = s.ops.Recover(c.Request.Context(), ownerID, id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "recovery started"})
	case errors.Is(err, operations.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, operations.ErrUnrecoverable), errors.Is(err, operations.ErrNotRecoverable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
	}
}
