// Package gateway is the stateless front door: it authenticates requests,
// routes them to the coordinator owning the notebook id and exposes the
// health and snapshot endpoints.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/coordinator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the shared token, not the browser.
		return true
	},
}

// Gateway routes HTTP and websocket traffic to coordinators.
type Gateway struct {
	manager   *coordinator.Manager
	authToken string
	log       *zap.Logger
}

// New creates a gateway. An empty authToken leaves the endpoints open.
func New(manager *coordinator.Manager, authToken string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{manager: manager, authToken: authToken, log: log}
}

// Router builds the gin engine. CORS headers go on every HTTP response
// but never on websocket upgrades, which some clients reject otherwise.
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsHandler := cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	})
	r.Use(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		corsHandler(c)
	})

	r.GET("/api/health", g.handleHealth)
	r.GET("/ws/:notebookId", g.handleWebSocket)
	r.GET("/:notebookId/snapshot", g.handleSnapshot)
	r.NoRoute(g.handleSelfDescription)

	return r
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// authorized enforces the shared token when one is configured.
func (g *Gateway) authorized(c *gin.Context) bool {
	if g.authToken == "" {
		return true
	}
	if c.Query("token") == g.authToken {
		return true
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	return false
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if !g.authorized(c) {
		return
	}

	notebookID := c.Param("notebookId")
	if notebookID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing notebook id"})
		return
	}

	coord, err := g.manager.GetOrCreate(c.Request.Context(), notebookID)
	if err != nil {
		g.log.Error("coordinator activation failed", zap.String("notebook", notebookID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "coordinator unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	coord.Accept(conn)
}

func (g *Gateway) handleSnapshot(c *gin.Context) {
	if !g.authorized(c) {
		return
	}

	notebookID := c.Param("notebookId")
	coord, err := g.manager.GetOrCreate(c.Request.Context(), notebookID)
	if err != nil {
		g.log.Error("coordinator activation failed", zap.String("notebook", notebookID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "coordinator unavailable"})
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", coord.Snapshot())
}

// handleSelfDescription answers unmatched paths with a JSON description
// of this service. Clients probe it to detect a kernel URL pointed at the
// collaboration gateway by mistake.
func (g *Gateway) handleSelfDescription(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"message": "Notebook collaboration gateway. Connect editors over the websocket endpoint.",
		"endpoints": gin.H{
			"health":    "/api/health",
			"websocket": "/ws/:notebookId",
		},
	})
}
