package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/PeerCall/internal/app/call"
	"github.com/dkeye/PeerCall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type RateRequest struct {
	Value int `json:"value"`
}

type FiltersRequest struct {
	Level    string `json:"level"`
	Language string `json:"language"`
}

type handlers struct {
	ctrl Controller
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRatingRejected):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrQueue), errors.Is(err, domain.ErrPeerConnection), errors.Is(err, domain.ErrRatingNotSent):
		status = http.StatusBadGateway
	case errors.Is(err, call.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	log.Warn().Str("module", "adapters.http").Err(err).Str("path", c.FullPath()).Int("status", status).Msg("command failed")
	c.JSON(status, gin.H{"error": err.Error(), "notice": domain.NoticeFor(err)})
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *handlers) toggleMode(c *gin.Context) {
	on, err := h.ctrl.ToggleCallMode()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_mode": on})
}

func (h *handlers) end(c *gin.Context) {
	if err := h.ctrl.EndCurrentCall(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) next(c *gin.Context) {
	if err := h.ctrl.NextPartner(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) toggleMute(c *gin.Context) {
	muted, err := h.ctrl.ToggleMute()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *handlers) toggleVideo(c *gin.Context) {
	off, err := h.ctrl.ToggleVideo()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"video_off": off})
}

func (h *handlers) rate(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid value"})
		return
	}
	if err := h.ctrl.RatePartner(req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// filters returns the filters remembered for this browser, falling back to
// the machine's current ones.
func (h *handlers) filters(c *gin.Context) {
	f := h.ctrl.Snapshot().Filters
	session := sessions.Default(c)
	if level, ok := session.Get("level").(string); ok {
		f.Level = level
	}
	if lang, ok := session.Get("language").(string); ok {
		f.Language = lang
	}
	c.JSON(http.StatusOK, f)
}

func (h *handlers) setFilters(c *gin.Context) {
	var req FiltersRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Level == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid filters"})
		return
	}
	f := domain.QueueFilters{Level: req.Level, Language: req.Language}
	if err := h.ctrl.SetFilters(f); err != nil {
		writeError(c, err)
		return
	}
	session := sessions.Default(c)
	session.Set("level", f.Level)
	session.Set("language", f.Language)
	if err := session.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("filters not remembered")
	}
	c.JSON(http.StatusOK, f)
}

func (h *handlers) teardown(c *gin.Context) {
	if err := h.ctrl.Teardown(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
