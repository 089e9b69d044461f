package ticket

import (
	"errors"
	"mime"
	"net/http"
	"path"

	"labdesk-controlplane/pkg/accesscontrol"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const attachmentField = "attachment"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, g *middleware.Guard, h *Handler) {
	tickets := r.Group("/v1/tickets")
	{
		tickets.GET("", g.Can(accesscontrol.PermissionView), h.List)
		tickets.POST("", g.Can(accesscontrol.PermissionAdd), h.Create)
		tickets.GET("/:id", g.Can(accesscontrol.PermissionView), h.Get)
		tickets.GET("/:id/attachment", g.Can(accesscontrol.PermissionView), h.Attachment)
		tickets.PUT("/:id", g.Can(accesscontrol.PermissionUpdate), h.Update)
		tickets.DELETE("/:id", g.Can(accesscontrol.PermissionDelete), h.Delete)
	}
}

func (h *Handler) List(c *gin.Context) {
	var req ListTicketsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	tickets, info, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tickets, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Attachment(c *gin.Context) {
	u, err := h.svc.AttachmentURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, u)
}

func (h *Handler) Create(c *gin.Context) {
	limitBody(c)

	var req CreateTicketRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}

	file, cleanup, err := formUpload(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer cleanup()

	t, err := h.svc.Create(c.Request.Context(), req, file)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) Update(c *gin.Context) {
	limitBody(c)

	var req UpdateTicketRequest
	if err := c.ShouldBind(&req); err != nil {
		_ = c.Error(bindError(err))
		return
	}

	file, cleanup, err := formUpload(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer cleanup()

	t, err := h.svc.Update(c.Request.Context(), c.Param("id"), req, file)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// limitBody caps the request at the attachment limit plus room for the form fields.
func limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxAttachmentSize+1<<20)
}

func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errutil.RequestTooLarge("request body too large", err)
	}
	return errutil.BadRequest("invalid request body", err)
}

// formUpload opens the optional attachment part. cleanup is always safe to call.
func formUpload(c *gin.Context) (*Upload, func(), error) {
	noop := func() {}

	fh, err := c.FormFile(attachmentField)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, noop, nil
	}
	if err != nil {
		return nil, noop, bindError(err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mime.TypeByExtension(path.Ext(fh.Filename))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, noop, errutil.BadRequest("failed to read attachment", err)
	}
	return &Upload{
		Filename:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	}, func() { _ = f.Close() }, nil
}
