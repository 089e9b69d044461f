package lab

import (
	"net/http"

	"labdesk-controlplane/pkg/accesscontrol"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, g *middleware.Guard, h *Handler) {
	labs := r.Group("/v1/labs")
	{
		labs.GET("", g.Can(accesscontrol.PermissionView), h.List)
		labs.POST("", g.Can(accesscontrol.PermissionAdd), h.Create)
		labs.GET("/:id", g.Can(accesscontrol.PermissionView), h.Get)
		labs.PUT("/:id", g.Can(accesscontrol.PermissionUpdate), h.Update)
		labs.DELETE("/:id", g.Can(accesscontrol.PermissionDelete), h.Delete)
	}
}

func (h *Handler) List(c *gin.Context) {
	var req ListLabsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	labs, info, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": labs, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	l, err := h.svc.Show(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateLabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	l, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *Handler) Update(c *gin.Context) {
	var req UpdateLabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	l, err := h.svc.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
