package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsgraph/sleuth/pkg/events"
	"github.com/opsgraph/sleuth/pkg/ingest"
	"github.com/opsgraph/sleuth/pkg/metrics"
)

// maxUploadBytes bounds an uploaded archive. Per-file limits are enforced
// again during extraction.
const maxUploadBytes = 512 << 20

// Upload handles POST /upload/:kind. The archive comes either as the
// multipart form file "file" or as the raw request body. Progress streams
// back as SSE; the upload itself is detached, so a dropped stream does not
// abort it.
func (s *Server) Upload(c *gin.Context) {
	kind, err := ingest.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The body must be fully read before the SSE response starts; request
	// and response cannot interleave through intermediaries.
	archive, err := s.readArchive(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read upload: " + err.Error()})
		return
	}

	uploadID := s.pipeline.Upload(kind, bytes.NewReader(archive), c.Query("scenario_name"))
	metrics.UploadsTotal.WithLabelValues(string(kind)).Inc()

	c.Header("X-Upload-Id", uploadID)
	s.stream(c, events.UploadSource(uploadID))
}

func (s *Server) readArchive(c *gin.Context) ([]byte, error) {
	src := io.Reader(c.Request.Body)
	if file, _, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		src = file
	}
	return io.ReadAll(io.LimitReader(src, maxUploadBytes))
}
