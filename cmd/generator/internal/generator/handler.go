package generator

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the quote API. When apiKey is set every request must
// carry it in X-API-Key.
func (s *PriceSimulator) RegisterRoutes(r gin.IRoutes, apiKey string) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "symbols": len(s.symbols)})
	})
	r.GET("/v1/prices", s.requireKey(apiKey), s.handlePrices)
}

func (s *PriceSimulator) requireKey(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func (s *PriceSimulator) handlePrices(c *gin.Context) {
	raw := c.Query("symbols")
	if strings.TrimSpace(raw) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Quotes(strings.Split(raw, ","))})
}
