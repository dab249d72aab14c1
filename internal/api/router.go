package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nebula/ptyhost/internal/config"
	"github.com/nebula/ptyhost/internal/logging"
	"github.com/nebula/ptyhost/internal/stats"
	"github.com/nebula/ptyhost/internal/terminal"
	"github.com/nebula/ptyhost/internal/websocket"
	"go.uber.org/zap"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Deps are the services the router exposes. Only Terminal and Hub are
// required.
type Deps struct {
	Config    *config.Manager
	Terminal  *terminal.Manager
	Processes ProcessInspector
	History   HistoryStore
	Stats     *stats.Collector
	Hub       *websocket.Hub
	Logger    *zap.Logger
}

// Router holds all route handlers and dependencies
type Router struct {
	engine          *gin.Engine
	hub             *websocket.Hub
	terminalHandler *TerminalHandler
	systemHandler   *SystemHandler
}

// NewRouter creates a new router with all dependencies. Client messages
// received by the hub are routed to the terminal handler.
func NewRouter(deps Deps) *Router {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if deps.Config != nil && deps.Config.Get().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(logging.GinMiddleware(log.Named("http")))

	r := &Router{
		engine:          engine,
		hub:             deps.Hub,
		terminalHandler: NewTerminalHandler(deps.Terminal, deps.Processes, deps.History, deps.Config, log),
		systemHandler:   NewSystemHandler(deps.Config, deps.Stats),
	}
	r.hub.SetHandler(r.terminalHandler)

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	v1 := r.engine.Group("/api/v1")

	terminalGroup := v1.Group("/terminal")
	{
		terminalGroup.GET("/shells", r.terminalHandler.GetShells)
		terminalGroup.PUT("/default-shell", r.terminalHandler.SetDefaultShell)
		terminalGroup.GET("/history", r.terminalHandler.GetHistory)
		terminalGroup.POST("/sessions", r.terminalHandler.CreateSession)
		terminalGroup.GET("/sessions", r.terminalHandler.GetSessions)
		terminalGroup.GET("/sessions/:id", r.terminalHandler.GetSession)
		terminalGroup.DELETE("/sessions/:id", r.terminalHandler.Kill)
		terminalGroup.GET("/sessions/:id/scrollback", r.terminalHandler.GetScrollback)
		terminalGroup.POST("/sessions/:id/write", r.terminalHandler.Write)
		terminalGroup.POST("/sessions/:id/resize", r.terminalHandler.Resize)
	}

	// System routes
	v1.GET("/system/info", r.systemHandler.GetSystemInfo)
	v1.GET("/stats", r.systemHandler.GetStats)
	v1.GET("/stats/stream", r.systemHandler.StreamStats)
	v1.GET("/config", r.systemHandler.GetConfig)
	v1.POST("/config/reload", r.systemHandler.ReloadConfig)

	// WebSocket routes
	r.engine.GET("/ws/events", r.handleEventsWebSocket)

	// Swagger
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": r.hub.ClientCount()})
	})
}

// handleEventsWebSocket attaches a client to the event stream
func (r *Router) handleEventsWebSocket(c *gin.Context) {
	r.hub.HandleWebSocket(c.Writer, c.Request, c.Query("client"))
}

// corsMiddleware returns CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          24 * time.Hour,
	})
}

// Engine returns the Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
