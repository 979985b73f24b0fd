package http_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.POST("/add_subscription", s.addSubscription)
	s.router.POST("/verify-payment", s.verifyPayment)
	s.router.POST("/cancel_subscription", s.cancelSubscription)

	api := s.router.Group("/api/v1")
	api.GET("/subscriptions", s.listSubscriptions)
	api.GET("/subscriptions/total", s.subscriptionTotals)
	api.GET("/claims/:tx_hash", s.getClaim)

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
