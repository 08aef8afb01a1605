package router

import (
	"net/http"
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/handlers"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
)

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func rateLimitExceeded(c *gin.Context, info ratelimit.Info) {
	c.String(http.StatusTooManyRequests, "Too many requests. Try again later.")
}

// Setup builds the gin engine with middleware and all study routes.
func Setup(log *zap.Logger, study *handlers.StudyHandler, admin *handlers.AdminHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	})
	router.Use(func(c *gin.Context) {
		if err := secureMiddleware.Process(c.Writer, c.Request); err != nil {
			c.Abort()
			return
		}
		c.Next()
	})

	// Enrollment and chat hit external resources (id minting, completion
	// service); keep a per-IP lid on them.
	rateLimitStore := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  time.Minute,
		Limit: 30,
	})
	limiter := ratelimit.RateLimiter(rateLimitStore, &ratelimit.Options{
		ErrorHandler: rateLimitExceeded,
		KeyFunc:      keyFunc,
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := router.Group("/api")
	{
		api.POST("/participant", limiter, study.Enroll)
		api.POST("/participant/demographics", study.SaveDemographics)
		api.GET("/participant/:id/state", study.State)
		api.POST("/scales", study.SaveScales)
		api.POST("/screening", study.Screen)
		api.POST("/chat", limiter, study.Chat)
		api.POST("/chat/greeting", limiter, study.Greeting)
		api.POST("/complete", study.Complete)

		adminRoutes := api.Group("/admin")
		adminRoutes.Use(handlers.AdminAuth())
		{
			adminRoutes.GET("/export", admin.Export)
			adminRoutes.GET("/summary", admin.Summary)
		}
	}

	return router
}
