// Package api exposes the management surface: peer state, network info,
// manual command injection, and a WebSocket stream of connection events.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"openlcs/controller/internal/controller"
	"openlcs/controller/internal/netinfo"
)

// Server is the HTTP management server.
type Server struct {
	ctrl   *controller.Controller
	hub    *Hub
	router *gin.Engine
	http   *http.Server
	id     string
}

// NewServer creates a server over a running controller and hub.
func NewServer(ctrl *controller.Controller, hub *Hub, controllerID string, port int) *Server {
	s := &Server{
		ctrl: ctrl,
		hub:  hub,
		id:   controllerID,
	}
	s.setup()
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) setup() {
	gin.SetMode(gin.ReleaseMode)
	s.router = gin.Default()

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/peers", s.handlePeers)
	s.router.GET("/netinfo", s.handleNetInfo)
	s.router.POST("/send-command", s.handleSendCommand)
	s.router.GET("/ws", s.hub.handleWS)
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connected_clients": s.hub.GetClientCount()})
	})
}

// Start runs the listener in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[API] listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[API] server error: %v", err)
		}
	}()
}

// Shutdown drains the HTTP server and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"controller_id": s.id,
		"cid":           s.ctrl.CID().String(),
	})
}

func (s *Server) handlePeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.ctrl.Peers()})
}

func (s *Server) handleNetInfo(c *gin.Context) {
	info, err := netinfo.Collect()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

type sendCommandRequest struct {
	Address    string `json:"address" binding:"required"`
	Endpoint   uint16 `json:"endpoint"`
	PayloadB64 string `json:"payload_b64"`
}

func (s *Server) handleSendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.SendCommand(req.Address, req.Endpoint, req.PayloadB64); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
