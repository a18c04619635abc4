package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	relProfilePage  = "http://webfinger.net/rel/profile-page"
	inboundLogLimit = 2 * time.Second
)

// webFingerResponse builds the JRD served for a local account.
func webFingerResponse(username, sslDomain string) *activitypub.JRD {
	actor := activitypub.ActorURI(sslDomain, username)
	return &activitypub.JRD{
		Subject: "acct:" + username + "@" + sslDomain,
		Aliases: []string{actor},
		Links: []activitypub.JRDLink{
			{Rel: "self", Type: activitypub.ContentTypeActivityJSON, Href: actor},
			{Rel: relProfilePage, Type: "text/html", Href: "https://" + sslDomain + "/@" + username},
		},
	}
}

// parseLocalResource extracts the username of acct:user@host, requiring
// host to be this server.
func parseLocalResource(resource, sslDomain string) (string, error) {
	if resource == "" {
		return "", errors.New("missing resource parameter")
	}
	if !strings.HasPrefix(resource, "acct:") {
		return "", errors.New("resource must use the acct: scheme")
	}
	handle, err := domain.ParseHandle(resource)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(handle.Domain, sslDomain) {
		return "", errors.New("resource is not hosted on this server")
	}
	return handle.Username, nil
}

func (s *Server) handleWebFinger(c *gin.Context) {
	start := time.Now()
	status, errMsg := s.serveWebFinger(c)
	s.logInbound(c, start, status, errMsg)
}

func (s *Server) serveWebFinger(c *gin.Context) (int, string) {
	username, err := parseLocalResource(c.Query("resource"), s.Conf.Conf.SslDomain)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return http.StatusBadRequest, err.Error()
	}

	acc, err := s.Accounts.ReadAccByUsername(c.Request.Context(), username)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return http.StatusNotFound, "user not found"
	}
	if err != nil {
		log.Error().Str("component", "webfinger").Str("username", username).Err(err).Msg("Account lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return http.StatusInternalServerError, err.Error()
	}

	c.Header("Access-Control-Allow-Origin", "*")
	c.Render(http.StatusOK, jsonRender{contentType: activitypub.ContentTypeJRD, data: webFingerResponse(acc.Username, s.Conf.Conf.SslDomain)})
	return http.StatusOK, ""
}

// logInbound records one inbound federation request in the log and the
// federation_logs table.
func (s *Server) logInbound(c *gin.Context, start time.Time, status int, errMsg string) {
	entry := &domain.FederationLog{
		RemoteHost:     c.ClientIP(),
		Endpoint:       c.Request.URL.Path,
		Direction:      "inbound",
		Success:        status >= 200 && status < 300,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		StatusCode:     status,
		ErrorMessage:   errMsg,
		CreatedAt:      s.now(),
	}

	ev := log.Info()
	if !entry.Success {
		ev = log.Warn()
	}
	ev = ev.Str("component", "webfinger").
		Str("remoteHost", entry.RemoteHost).
		Str("endpoint", entry.Endpoint).
		Bool("success", entry.Success).
		Int64("responseTimeMs", entry.ResponseTimeMs).
		Int("statusCode", status)
	if errMsg != "" {
		ev = ev.Str("errorMessage", errMsg)
	}
	ev.Msg("Inbound federation request")

	if s.Logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), inboundLogLimit)
	defer cancel()
	if err := s.Logs.InsertFederationLog(ctx, entry); err != nil {
		log.Warn().Str("component", "webfinger").Err(err).Msg("Could not persist federation log")
	}
}
