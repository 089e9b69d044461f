package license

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
	licenses := r.Group("/v1/licenses")
	{
		licenses.GET("", g.Can(accesscontrol.PermissionView), h.List)
		licenses.POST("", g.Can(accesscontrol.PermissionAdd), h.Create)
		licenses.POST("/validate", g.Can(accesscontrol.PermissionView), h.Validate)
		licenses.POST("/claims", g.Can(accesscontrol.PermissionView), h.Claims)
		licenses.POST("/sweep", g.Can(accesscontrol.PermissionUpdate), h.Sweep)
		licenses.GET("/:id", g.Can(accesscontrol.PermissionView), h.Get)
		licenses.PUT("/:id", g.Can(accesscontrol.PermissionUpdate), h.Update)
		licenses.DELETE("/:id", g.Can(accesscontrol.PermissionDelete), h.Delete)
		licenses.POST("/:id/activate", g.Can(accesscontrol.PermissionUpdate), h.Activate)
		licenses.POST("/:id/deactivate", g.Can(accesscontrol.PermissionUpdate), h.Deactivate)
	}

	labs := r.Group("/v1/labs/:id")
	{
		labs.GET("/licenses", g.Can(accesscontrol.PermissionView), h.ListForLab)
		labs.GET("/license", g.Can(accesscontrol.PermissionView), h.Governing)
	}
}

func (h *Handler) List(c *gin.Context) {
	var req ListLicensesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	licenses, info, err := h.svc.List(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": licenses, "page_info": info})
}

func (h *Handler) ListForLab(c *gin.Context) {
	licenses, err := h.svc.ListForLab(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": licenses})
}

func (h *Handler) Governing(c *gin.Context) {
	l, err := h.svc.GoverningLicense(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Get(c *gin.Context) {
	l, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateLicenseRequest
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
	var req UpdateLicenseRequest
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

func (h *Handler) Activate(c *gin.Context) {
	var req ActivateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errutil.BadRequest("invalid request body", err))
			return
		}
	}

	l, err := h.svc.Activate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Deactivate(c *gin.Context) {
	l, err := h.svc.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Validate(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	c.JSON(http.StatusOK, h.svc.Validate(req.Token))
}

func (h *Handler) Claims(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	claims, err := h.svc.Claims(req.Token)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, claims)
}

// Sweep runs a sweep inline, or queues one for the worker with ?async=true.
func (h *Handler) Sweep(c *gin.Context) {
	if c.Query("async") == "true" {
		id, err := h.svc.EnqueueSweep(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
		return
	}

	res, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
