package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bascula/netmoded/internal/provision"
)

// PINHeader carries the provisioning PIN on authenticated requests.
const PINHeader = "X-Netmoded-Pin"

// clientIsLoopback reports whether the request arrived over the
// loopback interface. The kiosk UI runs on the device itself and must
// keep working when the operator has lost the PIN.
func clientIsLoopback(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// requirePIN gates a route group behind the per-boot PIN. Loopback
// callers pass without one. A wrong PIN and an exhausted attempt budget
// produce distinct statuses so clients can tell the user which it was.
func (s *Server) requirePIN() gin.HandlerFunc {
	return func(c *gin.Context) {
		if clientIsLoopback(c) {
			c.Next()
			return
		}
		err := s.pin.Verify(c.GetHeader(PINHeader))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, provision.ErrTooManyAttempts):
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_pin"})
		}
	}
}
