package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OriginPolicy decides which browser origins may drive the daemon. The page
// served by the daemon itself is always allowed; other origins must be
// listed. Requests without an Origin header come from non-browser clients.
type OriginPolicy struct {
	allowed map[string]struct{}
}

func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o != "" {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Allow is also the websocket upgrader's CheckOrigin.
func (p *OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := p.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func OriginMiddleware(p *OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !p.Allow(c.Request) {
			log.Warn().Str("module", "adapters.http").Str("origin", c.GetHeader("Origin")).Str("path", c.FullPath()).Msg("origin rejected")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		c.Next()
	}
}

// JSONOnlyMiddleware rejects command POSTs a plain HTML form could send.
func JSONOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "content type must be application/json"})
			return
		}
		c.Next()
	}
}
