package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/alert"
	"github.com/gin-gonic/gin"
)

const timeFormat = time.RFC3339

func (s *Server) handleAlertsRSS(c *gin.Context) {
	alerts, err := s.Alerts.List(c.Request.Context(), false, queryLimit(c))
	if err != nil {
		internalError(c, "alerts.rss", err)
		return
	}
	link := fmt.Sprintf("https://%s/api/federation", s.Conf.Conf.SslDomain)
	rss, err := alert.FeedRSS(alerts, link, s.now())
	if err != nil {
		internalError(c, "alerts.rss", err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
