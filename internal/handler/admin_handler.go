package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/solemn/internal/middleware"
	"github.com/xxxsen/solemn/internal/pkg/response"
	"github.com/xxxsen/solemn/internal/service"
)

type AdminHandler struct {
	admin     *service.AdminService
	dashboard *service.DashboardService
}

func NewAdminHandler(admin *service.AdminService, dashboard *service.DashboardService) *AdminHandler {
	return &AdminHandler{admin: admin, dashboard: dashboard}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login takes HTTP basic credentials, or a JSON body when no Authorization
// header is sent, and returns a bearer token.
func (h *AdminHandler) Login(c *gin.Context) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidRequest(c)
			return
		}
		username, password = req.Username, req.Password
	}
	res, err := h.admin.Login(c.Request.Context(), username, password)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *AdminHandler) Logout(c *gin.Context) {
	if err := h.admin.Logout(c.Request.Context(), middleware.ClaimsFromContext(c)); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "logged out"})
}

func (h *AdminHandler) Submissions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	res, err := h.dashboard.Submissions(c.Request.Context(), limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *AdminHandler) Metrics(c *gin.Context) {
	res, err := h.dashboard.Metrics(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *AdminHandler) PasswordInfo(c *gin.Context) {
	res, err := h.admin.PasswordInfo(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *AdminHandler) RegenerateHash(c *gin.Context) {
	res, err := h.admin.RegenerateHash(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
