// Package handler exposes the REST API and the websocket endpoints.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"lanchego/internal/auth"
	"lanchego/internal/bulk"
	"lanchego/internal/canteen"
	"lanchego/internal/coordinator"
	"lanchego/internal/hub"
	"lanchego/internal/httpmiddleware"
	"lanchego/internal/metrics"
	"lanchego/internal/protocol"
	"lanchego/internal/store"
)

type Config struct {
	Issuer     string
	SigningKey string
	// AgentToken is the shared secret the reader agent must present.
	AgentToken          string
	AllowedOrigins      []string
	RateLimitPerMin     int
	ProofAttemptsPerMin int
	Socket              hub.SocketConfig
	SendBuffer          int
}

type Deps struct {
	Hub          *hub.Registry
	Coordinator  *coordinator.Coordinator
	Associations *canteen.Association
	Engine       *canteen.Engine
	Auth         *auth.Service
	Bulk         *bulk.Initiator
	DB           *store.DB
	Redis        *store.Redis // nil when Redis is not configured
	Gatherer     prometheus.Gatherer
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

type Handler struct {
	cfg      Config
	hub      *hub.Registry
	coord    *coordinator.Coordinator
	assoc    *canteen.Association
	engine   *canteen.Engine
	auth     *auth.Service
	bulk     *bulk.Initiator
	db       *store.DB
	redis    *store.Redis
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	log      zerolog.Logger

	upgrader websocket.Upgrader
	proofs   *httpmiddleware.TokenBucket
}

func New(cfg Config, deps Deps) *Handler {
	if cfg.Socket == (hub.SocketConfig{}) {
		cfg.Socket = hub.DefaultSocketConfig()
	}
	if cfg.ProofAttemptsPerMin <= 0 {
		cfg.ProofAttemptsPerMin = 5
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{
		cfg:      cfg,
		hub:      deps.Hub,
		coord:    deps.Coordinator,
		assoc:    deps.Associations,
		engine:   deps.Engine,
		auth:     deps.Auth,
		bulk:     deps.Bulk,
		db:       deps.DB,
		redis:    deps.Redis,
		gatherer: deps.Gatherer,
		metrics:  deps.Metrics,
		log:      deps.Log,
		proofs:   httpmiddleware.NewTokenBucket(cfg.ProofAttemptsPerMin, cfg.ProofAttemptsPerMin),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Routes builds the gin engine with every route and middleware installed.
func (h *Handler) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.AccessLog(h.log, "/healthz", "/metrics"))
	r.Use(cors.New(h.corsConfig()))
	r.Use(httpmiddleware.SecurityHeaders())
	if h.cfg.RateLimitPerMin > 0 {
		r.Use(httpmiddleware.NewTokenBucket(h.cfg.RateLimitPerMin, h.cfg.RateLimitPerMin).GinMiddleware())
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	r.GET("/ws/operations", h.OperationsSocket)
	r.GET("/ws/login", h.LoginSocket)
	r.GET("/ws/agent", h.AgentSocket)

	loginLimit := h.proofs.KeyedMiddleware(func(c *gin.Context) string { return "login:" + c.ClientIP() })
	api := r.Group("/api")
	api.POST("/token/", loginLimit, h.Login)
	api.POST("/token/refresh/", h.Refresh)

	authed := api.Group("", auth.OperatorAuth(h.cfg.SigningKey, h.cfg.Issuer))
	{
		authed.POST("/digitais/associar/", h.Associate)

		authed.GET("/hardware/status", h.ReaderStatus)
		authed.POST("/hardware/cadastro", h.StartEnroll)
		authed.POST("/hardware/cancel", h.Cancel)

		authed.GET("/retiradas/hoje", h.TodayWithdrawals)

		actions := authed.Group("/actions")
		actions.POST("/initiate-clear-all/", h.InitiateClearAll)
		actions.POST("/initiate-delete-by-turma/", h.InitiateDeleteByCohort)
		actions.POST("/initiate-delete-student-fingerprints/:id/", h.InitiateDeleteStudent)
		actions.POST("/initiate-delete-server-fingerprints/:id/", h.InitiateDeleteOperator)
		actions.GET("/:id", h.GetTicket)
	}
	return r
}

func (h *Handler) allowAnyOrigin() bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (h *Handler) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if h.allowAnyOrigin() {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = h.cfg.AllowedOrigins
	cfg.AllowCredentials = true
	return cfg
}

// checkOrigin admits non-browser clients (no Origin header) such as the agent.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAnyOrigin() {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := h.db != nil && h.db.Client.PingContext(ctx) == nil
	body := gin.H{
		"status": "ok",
		"db":     dbHealthy,
		"leitor": h.hub.ReaderStatus(),
		"state":  h.coord.Snapshot().State,
	}
	healthy := dbHealthy
	if h.redis != nil {
		redisHealthy := h.redis.Healthy(ctx)
		body["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// ---------- Errors ----------

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrReaderOffline), errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, canteen.ErrOwnerSlotLimitExceeded), errors.Is(err, canteen.ErrSensorSlotAlreadyBound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bulk.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, canteen.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidSlot), errors.Is(err, coordinator.ErrEmptyScope),
		errors.Is(err, canteen.ErrInvalidCohort), errors.Is(err, canteen.ErrInvalidOwner),
		errors.Is(err, bulk.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func reasonFor(err error) string {
	if errors.Is(err, bulk.ErrUnauthorized) {
		return protocol.ReasonUnauthorized
	}
	return coordinator.ReasonFor(err)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error", "reason": reasonFor(err)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "reason": reasonFor(err)})
}
