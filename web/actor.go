package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// jsonRender writes data as JSON under a custom content type.
type jsonRender struct {
	contentType string
	data        any
}

func (r jsonRender) Render(w http.ResponseWriter) error {
	r.WriteContentType(w)
	return json.NewEncoder(w).Encode(r.data)
}

func (r jsonRender) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", r.contentType+"; charset=utf-8")
}

func (s *Server) handleActor(c *gin.Context) {
	acc, err := s.Accounts.ReadAccByUsername(c.Request.Context(), c.Param("username"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err != nil {
		log.Error().Str("component", "actor").Err(err).Msg("Account lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Render(http.StatusOK, jsonRender{contentType: activitypub.ContentTypeActivityJSON, data: activitypub.LocalActor(acc, s.Conf.Conf.SslDomain)})
}
