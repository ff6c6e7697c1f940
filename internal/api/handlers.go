package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medchat/internal/attachment"
	"medchat/internal/logging"
	"medchat/internal/models"
	"medchat/internal/session"
)

// multipart envelope on top of the file itself
const formOverheadBytes = 1 << 20

type SessionManager interface {
	Snapshot() session.State
	SetInput(text string)
	SendText(text string) bool
	Submit() bool
	AttachFile(ctx context.Context, file attachment.File) (*models.Attachment, error)
	StartNewConversation() bool
	ResumeConversation(index int) bool
	DeleteHistoryEntry(index int) bool
	ClearHistory()
	Subscribe() (<-chan session.State, func())
}

type AttachmentReader interface {
	Open(ctx context.Context, ref string) (*models.Attachment, io.ReadCloser, error)
}

// Handler exposes the session manager to a presentation layer over HTTP.
type Handler struct {
	sessions       SessionManager
	attachments    AttachmentReader
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions SessionManager, attachments AttachmentReader, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = attachment.DefaultMaxBytes
	}
	return &Handler{
		sessions:       sessions,
		attachments:    attachments,
		maxUploadBytes: maxUploadBytes,
		logger:         logging.OrNop(logger),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	api.GET("/conversation", h.getConversation)
	api.PUT("/conversation/input", h.setInput)
	api.POST("/conversation/msg", h.sendMessage)
	api.POST("/conversation/new", h.newConversation)
	api.POST("/uploads", h.filesUpload)
	api.GET("/attachments/:ref", h.getAttachment)
	api.GET("/history", h.getHistory)
	api.POST("/history/:index/resume", h.resumeConversation)
	api.DELETE("/history/:index", h.deleteHistoryEntry)
	api.DELETE("/history", h.clearHistory)
	api.GET("/events", h.streamEvents)
}

func (h *Handler) getConversation(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Snapshot())
}

type inputRequest struct {
	Text string `json:"text"`
}

func (h *Handler) setInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.sessions.SetInput(req.Text)
	c.JSON(http.StatusOK, h.sessions.Snapshot())
}

type messageRequest struct {
	// Text is sent as is; when omitted the composer buffer is submitted.
	Text *string `json:"text"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req messageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	var sent bool
	if req.Text == nil {
		sent = h.sessions.Submit()
	} else {
		sent = h.sessions.SendText(*req.Text)
	}
	status := http.StatusOK
	if sent {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"sent": sent, "state": h.sessions.Snapshot()})
}

func (h *Handler) newConversation(c *gin.Context) {
	archived := h.sessions.StartNewConversation()
	c.JSON(http.StatusOK, gin.H{"archived": archived, "state": h.sessions.Snapshot()})
}

func (h *Handler) getHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": h.sessions.Snapshot().History})
}

func parseIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history index"})
		return 0, false
	}
	return index, true
}

func (h *Handler) resumeConversation(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	resumed := h.sessions.ResumeConversation(index)
	c.JSON(http.StatusOK, gin.H{"resumed": resumed, "state": h.sessions.Snapshot()})
}

func (h *Handler) deleteHistoryEntry(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	deleted := h.sessions.DeleteHistoryEntry(index)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "state": h.sessions.Snapshot()})
}

func (h *Handler) clearHistory(c *gin.Context) {
	h.sessions.ClearHistory()
	c.JSON(http.StatusOK, gin.H{"state": h.sessions.Snapshot()})
}

func (h *Handler) filesUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+formOverheadBytes)
	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	source := models.Source(strings.ToLower(c.DefaultPostForm("source", string(models.SourceFile))))
	if source != models.SourceCamera && source != models.SourceFile {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be camera or file"})
		return
	}

	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		// picker dismissed without a selection
		c.JSON(http.StatusOK, gin.H{"attached": false})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()

	att, err := h.sessions.AttachFile(c.Request.Context(), attachment.File{
		Source: source,
		Name:   file.Filename,
		Reader: f,
	})
	switch {
	case errors.Is(err, attachment.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return
	case errors.Is(err, attachment.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session closed"})
		return
	case err != nil:
		h.logger.Error("attach file failed", zap.String("name", file.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	if att == nil {
		c.JSON(http.StatusOK, gin.H{"attached": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"attached":   true,
		"attachment": att,
		"state":      h.sessions.Snapshot(),
	})
}

func (h *Handler) getAttachment(c *gin.Context) {
	att, rc, err := h.attachments.Open(c.Request.Context(), c.Param("ref"))
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
			return
		}
		h.logger.Error("open attachment failed", zap.String("ref", c.Param("ref")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "open attachment failed"})
		return
	}
	defer rc.Close()

	disposition := "attachment"
	if att.Kind == models.MediaImage {
		disposition = "inline"
	}
	c.DataFromReader(http.StatusOK, att.Size, att.MimeType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("%s; filename=%q", disposition, att.DisplayName),
		"Cache-Control":       "no-store",
	})
}

// streamEvents pushes every session state change as an SSE "state" event
// until the client disconnects or the session closes.
func (h *Handler) streamEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	states, cancel := h.sessions.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				_ = sendEvent("closed", gin.H{})
				return
			}
			if err := sendEvent("state", st); err != nil {
				h.logger.Debug("event stream ended", zap.Error(err))
				return
			}
		}
	}
}
