package websvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/dragonfly-ops/dragonfly/ingest"
	"github.com/dragonfly-ops/dragonfly/ingest/objstore"
	"github.com/dragonfly-ops/dragonfly/router"
	"github.com/dragonfly-ops/dragonfly/service"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

const archiveBucket = "dragonfly-intake"

// HandleListBatches pages through batches, optionally filtered by status.
// UI-critical: runs under the degrade guard.
func HandleListBatches(c *gin.Context, s *service.Service) {
	page, pageSize := pagination(c)
	status := c.Query("status")

	batches, total, err := s.Store.ListBatches(c.Request.Context(), status, page, pageSize)
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	if batches == nil {
		batches = []ingest.Batch{}
	}
	wscutils.SendOK(c, gin.H{
		"batches":   batches,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// HandleGetBatch returns one batch with its health grade.
func HandleGetBatch(c *gin.Context, s *service.Service) {
	batch, err := s.Store.GetBatch(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	wscutils.SendOK(c, gin.H{
		"batch":         batch,
		"health_status": batch.HealthStatus(),
	})
}

// HandleBatchStatus answers the polling endpoint the uploader hits while a
// batch is processing. It reads through the redis cache when one is wired
// so tight polling loops stay off the database.
func HandleBatchStatus(c *gin.Context, s *service.Service) {
	id := c.Param("id")
	if s.Cache != nil {
		status, err := s.Cache.Status(c.Request.Context(), id)
		if err == nil {
			wscutils.SendOK(c, gin.H{"batch_id": id, "status": status})
			return
		}
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}
	}
	batch, err := s.Store.GetBatch(c.Request.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	wscutils.SendOK(c, gin.H{"batch_id": id, "status": batch.Status})
}

// HandleBatchErrors pages through a batch's non-success row logs.
func HandleBatchErrors(c *gin.Context, s *service.Service) {
	page, pageSize := pagination(c)
	entries, total, err := s.Store.ListBatchErrors(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	type rowError struct {
		ingest.RowLog
		Message string `json:"message"`
	}
	enriched := make([]rowError, 0, len(entries))
	for _, e := range entries {
		msg := ""
		if e.ErrorCode != nil {
			msg = wscutils.MessageFor(*e.ErrorCode)
		}
		enriched = append(enriched, rowError{RowLog: e, Message: msg})
	}
	wscutils.SendOK(c, gin.H{
		"errors":    enriched,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// HandleIntakeState returns the intake monitor snapshot. UI-critical.
func HandleIntakeState(c *gin.Context, s *service.Service) {
	state, err := s.Store.IntakeState(c.Request.Context())
	if err != nil {
		wscutils.SendDegraded(c, err.Error(), nil)
		return
	}
	wscutils.SendOK(c, state)
}

// HandleUpload accepts a multipart CSV and starts processing
// asynchronously. The response carries the batch id immediately; a
// duplicate upload returns the prior batch id without reprocessing.
func HandleUpload(c *gin.Context, s *service.Service) {
	source := c.Query("source")
	if source == "" {
		source = "csv_upload"
	}
	if !ingest.ValidSource(source) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_source",
			"message": fmt.Sprintf("unknown source %q", source),
		})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_file",
			"message": "multipart field 'file' is required",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upload_failed",
			"message": err.Error(),
		})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upload_failed",
			"message": err.Error(),
		})
		return
	}

	if kind := mimetype.Detect(content); !isCSVType(kind.String()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_file_type",
			"message": fmt.Sprintf("expected CSV, got %s", kind.String()),
		})
		return
	}

	creator := c.GetString(router.CtxKeyAuthSubject)
	if creator == "" {
		creator = "api"
	}

	result, err := s.Engine.IngestAsync(c.Request.Context(), bytes.NewReader(content), fileHeader.Filename, source, creator)
	if err != nil {
		if isPermissionError(err) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "database rejected the ingest",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingest_failed",
			"message": wscutils.TruncateError(err.Error()),
		})
		return
	}

	if s.Archive != nil && !result.Duplicate {
		go archiveUpload(s, result.BatchID, fileHeader.Filename, content)
	}

	message := "processing started"
	if result.Duplicate {
		message = "file already ingested"
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id": result.BatchID,
		"status":   result.Status,
		"message":  message,
	})
}

// archiveUpload keeps the original bytes for replay. Best effort.
func archiveUpload(s *service.Service, batchID, filename string, content []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	key := objstore.ArchiveKey(batchID, filename)
	if err := s.Archive.Put(ctx, archiveBucket, key, bytes.NewReader(content), int64(len(content)), "text/csv"); err != nil {
		s.Logger.WithModule("intake").Warn().LogActivity("source archive failed", map[string]any{
			"batch_id": batchID,
			"error":    err.Error(),
		})
	}
}

func isCSVType(mime string) bool {
	return strings.HasPrefix(mime, "text/csv") ||
		strings.HasPrefix(mime, "text/plain") ||
		strings.HasPrefix(mime, "application/csv")
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "insufficient_privilege")
}

func pagination(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return page, pageSize
}
