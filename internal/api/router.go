package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/etag"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/api/handlers"
	"greendrake/emailbuilder/internal/api/middleware"
	"greendrake/emailbuilder/internal/config"
	"greendrake/emailbuilder/internal/email"
	"greendrake/emailbuilder/internal/services"
	"greendrake/emailbuilder/internal/storage"
)

// LayoutPath is the route serving the rendered layout.
const LayoutPath = "/getEmailLayout"

// Dependencies are the collaborators the main router hands to its handlers.
type Dependencies struct {
	Configs       services.IEmailConfigService
	Layout        services.ILayoutService
	Assets        storage.IAssetStore
	Tasks         handlers.ITaskDispatcher // nil disables previews and test emails
	UploadLimiter *middleware.RateLimiterMiddleware
}

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, deps Dependencies) *gin.Engine {
	r := gin.New()

	// Apply global middleware first (order matters)
	r.Use(middleware.RequestLogger())
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.WithFields(logrus.Fields{
			"request_id": c.GetString(middleware.ContextKeyRequestID),
			"panic":      fmt.Sprint(recovered),
		}).Error("Recovered from panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "An internal error occurred.",
			"code":  handlers.CodeInternalError,
		})
	}))
	r.Use(middleware.CORSMiddleware(cfg.CorsAllowedOrigins))

	templateHandler := handlers.NewEmailTemplateHandler(deps.Configs, deps.Layout, deps.Assets, deps.Tasks, cfg.UploadMaxBytes)

	upload := []gin.HandlerFunc{templateHandler.UploadImage}
	if deps.UploadLimiter != nil {
		upload = append([]gin.HandlerFunc{deps.UploadLimiter.Limit()}, upload...)
	}

	r.GET(LayoutPath, templateHandler.GetEmailLayout)
	r.POST("/uploadImage", upload...)
	r.POST("/uploadEmailConfig", templateHandler.UploadEmailConfig)
	r.POST("/renderAndDownloadTemplate", templateHandler.RenderAndDownloadTemplate)
	r.GET("/emailConfigs", templateHandler.ListEmailConfigs)
	r.POST("/sendTestEmail", templateHandler.SendTestEmail)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	if cfg.AssetBackend == config.AssetBackendDisk {
		r.Static("/uploads", cfg.UploadDir)
	}

	return r
}

// WithETag adds ETag / If-None-Match handling to GET requests for the given paths.
// Other requests reach next untouched, so uploads and static files are not buffered.
func WithETag(next http.Handler, paths ...string) http.Handler {
	tagged := etag.Handler(next, false)
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := set[req.URL.Path]; ok && (req.Method == http.MethodGet || req.Method == http.MethodHead) {
			tagged.ServeHTTP(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// NewHandler builds the public HTTP handler.
func NewHandler(cfg *config.Config, deps Dependencies) http.Handler {
	return WithETag(SetupRouter(cfg, deps), LayoutPath)
}

// SetupServiceRouter configures the internal service API used by operators and
// integration tests. rdb may be nil, in which case getTestEmail is unavailable.
func SetupServiceRouter(rdb *redis.Client, shutdownChan chan<- struct{}) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			logrus.Info("Received shutdown command via Service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
			default:
				logrus.Debug("Shutdown channel already signaled")
			}
		case "getTestEmail":
			if rdb == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "Redis is not configured"})
				return
			}
			var args []string // Expect ["email"]
			if err := json.Unmarshal(req.Arguments, &args); err != nil || len(args) != 1 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid arguments: expected JSON array [email]"})
				return
			}
			emailData, found, err := pollMockEmail(c.Request.Context(), rdb, email.MockEmailKey(args[0]))
			if err != nil {
				logrus.WithError(err).Error("Service API: failed to read mock email")
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Redis error"})
				return
			}
			if !found {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Test email not found for " + args[0]})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": emailData})
		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}

// pollMockEmail waits briefly for a mock email to appear and deletes it once read.
func pollMockEmail(ctx context.Context, rdb *redis.Client, key string) (map[string]interface{}, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		raw, err := rdb.GetDel(ctx, key).Result()
		if err == nil {
			var data map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &data); err != nil {
				return nil, false, fmt.Errorf("failed to parse stored email data: %w", err)
			}
			return data, true, nil
		}
		if err != redis.Nil {
			return nil, false, err
		}
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, false, nil
}
