package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 100

// statusFor maps a resolution failure to the HTTP status returned to operators.
func statusFor(err error) int {
	switch activitypub.Reason(err) {
	case "invalid_resource", "invalid_domain":
		return http.StatusBadRequest
	case "user_not_found", "no_activitypub_actor":
		return http.StatusNotFound
	case "instance_blocked":
		return http.StatusForbidden
	case "no_inbox":
		return http.StatusUnprocessableEntity
	case "remote_timeout":
		return http.StatusGatewayTimeout
	case "remote_unreachable", "remote_lookup_failed":
		return http.StatusBadGateway
	case "canceled":
		return 499
	}
	return http.StatusInternalServerError
}

func internalError(c *gin.Context, op string, err error) {
	log.Error().Str("component", "api").Str("op", op).Err(err).Msg("Operator request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	h, err := s.Queue.Health(ctx)
	if err != nil {
		internalError(c, "stats", err)
		return
	}
	partitions, err := s.Queue.Stats(ctx)
	if err != nil {
		internalError(c, "stats", err)
		return
	}
	s.Metrics.QueueItems(h.TotalPending, h.TotalProcessing, h.TotalFailed)
	c.JSON(http.StatusOK, gin.H{"queue": h, "partitions": partitions})
}

type instanceView struct {
	Host            string                `json:"host"`
	Status          domain.InstanceStatus `json:"status"`
	HealthScore     int                   `json:"healthScore"`
	RequestCount24h int64                 `json:"requestCount24h"`
	ErrorCount24h   int64                 `json:"errorCount24h"`
	FirstSeenAt     string                `json:"firstSeenAt"`
	LastSeenAt      string                `json:"lastSeenAt"`
}

func viewInstances(instances []domain.RemoteInstance) []instanceView {
	out := make([]instanceView, 0, len(instances))
	for _, i := range instances {
		out = append(out, instanceView{
			Host:            i.Host,
			Status:          i.Status,
			HealthScore:     i.HealthScore,
			RequestCount24h: i.RequestCount24h,
			ErrorCount24h:   i.ErrorCount24h,
			FirstSeenAt:     i.FirstSeenAt.Format(timeFormat),
			LastSeenAt:      i.LastSeenAt.Format(timeFormat),
		})
	}
	return out
}

// handleHealth summarizes instances by status and lists the unhealthy ones.
type instanceSummary struct {
	Total    int                           `json:"total"`
	ByStatus map[domain.InstanceStatus]int `json:"byStatus"`
	Degraded []instanceView                `json:"degraded"`
}

// healthView is the queue health summary with the instance picture attached.
type healthView struct {
	*queue.Health
	Instances instanceSummary `json:"instances"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	h, err := s.Queue.Health(ctx)
	if err != nil {
		internalError(c, "health", err)
		return
	}
	instances, err := s.Health.ListInstances(ctx, queryLimit(c))
	if err != nil {
		internalError(c, "health", err)
		return
	}
	summary := instanceSummary{
		Total: len(instances),
		ByStatus: map[domain.InstanceStatus]int{
			domain.InstanceActive:   0,
			domain.InstanceDegraded: 0,
			domain.InstanceBlocked:  0,
		},
	}
	var degraded []domain.RemoteInstance
	for _, i := range instances {
		summary.ByStatus[i.Status]++
		if i.Status == domain.InstanceDegraded {
			degraded = append(degraded, i)
		}
	}
	summary.Degraded = viewInstances(degraded)
	s.Metrics.QueueItems(h.TotalPending, h.TotalProcessing, h.TotalFailed)
	c.JSON(http.StatusOK, healthView{Health: h, Instances: summary})
}

func (s *Server) handleInstances(c *gin.Context) {
	instances, err := s.Health.ListInstances(c.Request.Context(), queryLimit(c))
	if err != nil {
		internalError(c, "instances", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": viewInstances(instances)})
}

func (s *Server) handleBlock(blocked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Param("host")
		if !domain.IsValidDomain(host) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_domain"})
			return
		}
		err := s.Health.SetBlocked(c.Request.Context(), host, blocked)
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not blocked"})
			return
		}
		if err != nil {
			internalError(c, "block", err)
			return
		}
		inst, err := s.Health.Instance(c.Request.Context(), host)
		if err != nil {
			internalError(c, "block", err)
			return
		}
		c.JSON(http.StatusOK, viewInstances([]domain.RemoteInstance{*inst})[0])
	}
}

func (s *Server) handleCleanup(c *gin.Context) {
	dryRun, _ := strconv.ParseBool(c.Query("dryRun"))
	report, err := s.Maintainer.Cleanup(c.Request.Context(), dryRun)
	if err != nil {
		internalError(c, "cleanup", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePrewarm(c *gin.Context) {
	report, err := s.Maintainer.Prewarm(c.Request.Context())
	if err != nil {
		internalError(c, "prewarm", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type alertView struct {
	Id             uuid.UUID      `json:"id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"createdAt"`
	AcknowledgedAt *string        `json:"acknowledgedAt"`
}

func viewAlert(a *domain.FederationAlert) alertView {
	v := alertView{
		Id:        a.Id,
		Type:      a.Type,
		Severity:  string(a.Severity),
		Message:   a.Message,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt.Format(timeFormat),
	}
	if a.AcknowledgedAt != nil {
		ack := a.AcknowledgedAt.Format(timeFormat)
		v.AcknowledgedAt = &ack
	}
	return v
}

func (s *Server) handleAlerts(c *gin.Context) {
	unackOnly, _ := strconv.ParseBool(c.Query("unacknowledged"))
	alerts, err := s.Alerts.List(c.Request.Context(), unackOnly, queryLimit(c))
	if err != nil {
		internalError(c, "alerts", err)
		return
	}
	views := make([]alertView, 0, len(alerts))
	for i := range alerts {
		views = append(views, viewAlert(&alerts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": views})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	a, err := s.Alerts.Acknowledge(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		internalError(c, "acknowledge", err)
		return
	}
	c.JSON(http.StatusOK, viewAlert(a))
}

func (s *Server) handleResolve(c *gin.Context) {
	res, err := s.Resolver.Resolve(c.Request.Context(), c.Query("resource"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": activitypub.Reason(err)})
		return
	}
	c.JSON(http.StatusOK, res)
}

type followRequest struct {
	Username string `json:"username" binding:"required"`
	Target   string `json:"target" binding:"required"`
}

func (s *Server) handleFollow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and target are required"})
		return
	}
	res, err := s.Follower.Follow(c.Request.Context(), req.Username, req.Target)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "local account not found"})
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": activitypub.Reason(err)})
		return
	}
	c.JSON(http.StatusAccepted, res)
}
