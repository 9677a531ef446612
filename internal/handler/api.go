package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lanchego/internal/auth"
	"lanchego/internal/bulk"
	"lanchego/internal/canteen"
	"lanchego/internal/coordinator"
	"lanchego/internal/httpmiddleware"
)

// ---------- Tokens ----------

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, op, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.log.Warn().Str("username", req.Username).Msg("password login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credenciais inválidas"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access":     pair.AccessToken,
		"refresh":    pair.RefreshToken,
		"expires_at": pair.AccessExp.Unix(),
		"operador":   op,
	})
}

type refreshRequest struct {
	Refresh string `json:"refresh" binding:"required"`
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pair, err := h.auth.Refresh(c.Request.Context(), req.Refresh)
	if errors.Is(err, auth.ErrInvalidToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token inválido"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": pair.AccessToken, "refresh": pair.RefreshToken, "expires_at": pair.AccessExp.Unix()})
}

// ---------- Fingerprints ----------

type ownerFields struct {
	StudentID  *int64 `json:"aluno_id"`
	OperatorID *int64 `json:"servidor_id"`
}

// owner returns the named owner, or nil when neither id is set.
func (o ownerFields) owner() (*canteen.OwnerRef, error) {
	switch {
	case o.StudentID != nil && o.OperatorID != nil:
		return nil, canteen.ErrInvalidOwner
	case o.StudentID != nil:
		ref := canteen.StudentRef(*o.StudentID)
		return &ref, nil
	case o.OperatorID != nil:
		ref := canteen.OperatorRef(*o.OperatorID)
		return &ref, nil
	}
	return nil, nil
}

type associateRequest struct {
	SensorID *int `json:"sensor_id" binding:"required"`
	ownerFields
}

// Associate binds a slot captured by an owner-less enrollment.
func (h *Handler) Associate(c *gin.Context) {
	var req associateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	owner, err := req.owner()
	if err == nil && owner == nil {
		err = canteen.ErrInvalidOwner
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	fp, count, err := h.assoc.Associate(c.Request.Context(), *req.SensorID, *owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sensor_id": fp.SensorID, "owner": fp.Owner, "digitais_count": count})
}

// ---------- Reader ----------

func (h *Handler) ReaderStatus(c *gin.Context) {
	snap := h.coord.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":     h.hub.ReaderStatus(),
		"state":      snap.State,
		"kind":       snap.Kind,
		"session_id": snap.SessionID,
	})
}

type enrollRequest struct {
	ownerFields
	Slot int `json:"slot"`
}

func (h *Handler) StartEnroll(c *gin.Context) {
	var req enrollRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	owner, err := req.owner()
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.coord.StartEnroll(c.Request.Context(), coordinator.EnrollRequest{Owner: owner, Slot: req.Slot})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, info)
}

func (h *Handler) Cancel(c *gin.Context) {
	if err := h.coord.Cancel(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Withdrawals ----------

func (h *Handler) TodayWithdrawals(c *gin.Context) {
	list, err := h.engine.Today(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []canteen.Withdrawal{}
	}
	c.JSON(http.StatusOK, list)
}

// ---------- Bulk actions ----------

type initiateRequest struct {
	Method   string `json:"method"`
	Password string `json:"password"`
	Cohort   string `json:"turma"`
}

func (h *Handler) InitiateClearAll(c *gin.Context) {
	h.initiate(c, bulk.ScopeAll, 0)
}

func (h *Handler) InitiateDeleteByCohort(c *gin.Context) {
	h.initiate(c, bulk.ScopeCohort, 0)
}

func (h *Handler) InitiateDeleteStudent(c *gin.Context) {
	h.initiateForOwner(c, bulk.ScopeStudent)
}

func (h *Handler) InitiateDeleteOperator(c *gin.Context) {
	h.initiateForOwner(c, bulk.ScopeOperator)
}

func (h *Handler) initiateForOwner(c *gin.Context, scope bulk.Scope) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	h.initiate(c, scope, id)
}

func (h *Handler) initiate(c *gin.Context, scope bulk.Scope, ownerID int64) {
	var body initiateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	claims, _ := auth.ClaimsFrom(c)
	method := bulk.Method(body.Method)
	if method == "" {
		method = bulk.MethodBiometric
	}
	if method == bulk.MethodPassword && !h.proofs.Allow("proof:"+strconv.FormatInt(claims.OperatorID, 10)) {
		httpmiddleware.Throttled(c, h.proofs.RetryAfter())
		return
	}

	// tickets outlive the request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
	defer cancel()
	ticket, err := h.bulk.Initiate(ctx, bulk.Request{
		Scope:       scope,
		OwnerID:     ownerID,
		Cohort:      body.Cohort,
		Method:      method,
		Password:    body.Password,
		RequestedBy: claims.OperatorID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ticket)
}

func (h *Handler) GetTicket(c *gin.Context) {
	t, ok := h.bulk.Tickets().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}
