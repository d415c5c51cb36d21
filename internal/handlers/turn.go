package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig hands browsers the ICE servers for this deployment. The
// embedded relay's credentials are static for the process lifetime.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	if h.config.TURNPublicIP != "" {
		host = h.config.TURNPublicIP
	}

	iceServers := []gin.H{
		{"urls": []string{fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)}},
	}
	if h.turnServer != nil {
		creds := h.turnServer.GetCredentials()
		iceServers = append(iceServers, gin.H{
			"urls":       []string{fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort)},
			"username":   creds.Username,
			"credential": creds.Password,
		})
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": iceServers})
}
