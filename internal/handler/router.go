package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/solemn/internal/middleware"
)

type RouterDeps struct {
	Declarations  *DeclarationHandler
	Admin         *AdminHandler
	Health        *HealthHandler
	AdminAuth     middleware.AdminAuthenticator
	FormLimiter   middleware.Limiter
	OTPLimiter    middleware.Limiter
	OnRateLimited func(c *gin.Context)
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", deps.Health.Check)

	api.POST("/declarations", limited(deps.FormLimiter, deps.OnRateLimited, deps.Declarations.Submit)...)
	api.POST("/declarations/verify", limited(deps.OTPLimiter, deps.OnRateLimited, deps.Declarations.Verify)...)
	api.POST("/declarations/resend", limited(deps.OTPLimiter, deps.OnRateLimited, deps.Declarations.Resend)...)
	api.POST("/declarations/status", deps.Declarations.Status)
	api.GET("/declarations/:id", deps.Declarations.Check)

	api.POST("/admin/login", limited(deps.OTPLimiter, deps.OnRateLimited, deps.Admin.Login)...)

	adminGroup := api.Group("/admin")
	adminGroup.Use(middleware.AdminAuth(deps.AdminAuth))
	adminGroup.POST("/logout", deps.Admin.Logout)
	adminGroup.GET("/submissions", deps.Admin.Submissions)
	adminGroup.GET("/metrics", deps.Admin.Metrics)
	adminGroup.GET("/password-info", deps.Admin.PasswordInfo)
	adminGroup.POST("/regenerate-hash", deps.Admin.RegenerateHash)
}

func limited(limiter middleware.Limiter, onDeny func(c *gin.Context), h gin.HandlerFunc) []gin.HandlerFunc {
	if limiter == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{middleware.RateLimit(limiter, onDeny), h}
}
