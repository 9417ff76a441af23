package livehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/qualifier"
	"tradeflow/internal/store/auditlog"
	"tradeflow/internal/trader"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// Service 是 HTTP 层依赖的写入口，由 engine 实现。
type Service interface {
	SubmitIntent(ctx context.Context, intent ledger.TradeIntent) (trader.CreateResult, error)
	SubmitExitSignal(ctx context.Context, c qualifier.Candidate) (qualifier.Decision, error)
	ManualExit(ctx context.Context, tradeID string, price decimal.Decimal) (qualifier.Decision, error)
}

// AuditReader 读取审计记录。
type AuditReader interface {
	List(ctx context.Context, entityID string) ([]auditlog.Entry, error)
}

// Router 暴露 /api/live 下的写入与查询接口。
type Router struct {
	service Service
	reader  ledger.Reader
	audit   AuditReader
	hub     *Hub
}

func NewRouter(service Service, reader ledger.Reader, audit AuditReader, hub *Hub) *Router {
	return &Router{service: service, reader: reader, audit: audit, hub: hub}
}

// Register 将 /api/live 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/intents", r.handleSubmitIntent)
	group.POST("/exits", r.handleSubmitExit)
	group.POST("/trades/:id/exit", r.handleManualExit)
	group.GET("/trades", r.handleListTrades)
	group.GET("/trades/:id", r.handleGetTrade)
	group.GET("/trades/:id/exits", r.handleTradeExits)
	group.GET("/trades/:id/audit", r.handleTradeAudit)
	group.GET("/exits/:id", r.handleGetExit)
	if r.hub != nil {
		group.GET("/events/ws", r.hub.ServeWS)
	}
}

func (r *Router) handleSubmitIntent(c *gin.Context) {
	raw, ok := readBody(c, intentRules)
	if !ok {
		return
	}
	var req IntentRequest
	if !bind(c, raw, &req) {
		return
	}
	dir, _ := ledger.ParseDirection(req.Direction)
	intent := ledger.TradeIntent{
		IntentID:     strings.TrimSpace(req.IntentID),
		SignalID:     req.SignalID,
		AccountID:    strings.TrimSpace(req.AccountID),
		Symbol:       req.Symbol,
		Direction:    dir,
		Quantity:     req.Quantity,
		OrderType:    ledger.OrderType(strings.ToUpper(strings.TrimSpace(req.OrderType))),
		LimitPrice:   req.LimitPrice,
		Outcome:      ledger.ValidationOutcome(strings.ToUpper(strings.TrimSpace(req.Outcome))),
		RejectReason: req.RejectReason,
	}
	res, err := r.service.SubmitIntent(c.Request.Context(), intent)
	if err != nil {
		logger.Errorf("[api] submit intent %s failed ip=%s err=%v", intent.IntentID, c.ClientIP(), err)
		writeError(c, err)
		return
	}
	status := http.StatusOK
	switch res.Outcome {
	case trader.Created:
		status = http.StatusCreated
	case trader.Rejected:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, intentResponse(res))
}

func (r *Router) handleSubmitExit(c *gin.Context) {
	raw, ok := readBody(c, exitRules)
	if !ok {
		return
	}
	var req ExitSignalRequest
	if !bind(c, raw, &req) {
		return
	}
	reason, ok := ledger.ParseExitReason(req.Reason)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown exit reason " + req.Reason})
		return
	}
	cand := qualifier.Candidate{
		ExitSignalID: req.ExitSignalID,
		TradeID:      req.TradeID,
		Reason:       reason,
		Price:        req.Price,
	}
	if req.Side != "" {
		cand.Side, _ = ledger.ParseDirection(req.Side)
	}
	if req.DetectedAt != nil {
		cand.DetectedAt = *req.DetectedAt
	}
	d, err := r.service.SubmitExitSignal(c.Request.Context(), cand)
	r.writeDecision(c, cand.TradeID, d, err)
}

func (r *Router) handleManualExit(c *gin.Context) {
	raw, ok := readBody(c, manualExitRules)
	if !ok {
		return
	}
	var req ManualExitRequest
	if len(raw) > 0 && !bind(c, raw, &req) {
		return
	}
	tradeID := c.Param("id")
	d, err := r.service.ManualExit(c.Request.Context(), tradeID, req.Price)
	r.writeDecision(c, tradeID, d, err)
}

func (r *Router) writeDecision(c *gin.Context, tradeID string, d qualifier.Decision, err error) {
	if err != nil {
		logger.Errorf("[api] exit for trade %s failed ip=%s err=%v", tradeID, c.ClientIP(), err)
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !d.Approved {
		status = http.StatusConflict
		if d.Code == ledger.CodeNotOpen || d.Code == ledger.CodeDirectionMismatch {
			status = http.StatusUnprocessableEntity
		}
	}
	c.JSON(status, decisionResponse(d))
}

func (r *Router) handleListTrades(c *gin.Context) {
	filter := ledger.TradeFilter{
		AccountID: c.Query("account_id"),
		Symbol:    strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
	}
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			st := ledger.TradeStatus(strings.ToUpper(strings.TrimSpace(part)))
			if st == "" {
				continue
			}
			if !st.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + part})
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	filter.Limit = limit

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	trades, err := r.reader.ListTrades(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, tradeView(t))
	}
	c.JSON(http.StatusOK, gin.H{"trades": views, "count": len(views)})
}

func (r *Router) handleGetTrade(c *gin.Context) {
	t, err := r.reader.GetTrade(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeView(t))
}

func (r *Router) handleTradeExits(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.reader.GetTrade(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	exits, err := r.reader.ListExitIntentsForTrade(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]ExitView, 0, len(exits))
	for _, x := range exits {
		views = append(views, exitView(x))
	}
	c.JSON(http.StatusOK, gin.H{"exits": views, "count": len(views)})
}

// handleTradeAudit returns the trade's own entries followed by those of its
// exit intents.
func (r *Router) handleTradeAudit(c *gin.Context) {
	if r.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log not configured"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := r.reader.GetTrade(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	entries, err := r.audit.List(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	exits, err := r.reader.ListExitIntentsForTrade(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, x := range exits {
		more, err := r.audit.List(ctx, x.ExitIntentID)
		if err != nil {
			writeError(c, err)
			return
		}
		entries = append(entries, more...)
	}
	views := make([]AuditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView(e))
	}
	c.JSON(http.StatusOK, gin.H{"entries": views, "count": len(views)})
}

func (r *Router) handleGetExit(c *gin.Context) {
	x, err := r.reader.GetExitIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exitView(x))
}

// readBody reads and pre-validates the body. An empty body is allowed only
// when no rule is required.
func readBody(c *gin.Context, rules []fieldRule) ([]byte, bool) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed", "detail": err.Error()})
		return nil, false
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		for _, r := range rules {
			if r.required {
				c.JSON(http.StatusBadRequest, gin.H{"error": "request body is required"})
				return nil, false
			}
		}
		return nil, true
	}
	if err := checkBody(raw, rules...); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return nil, false
	}
	return raw, true
}

func bind(c *gin.Context, raw []byte, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	var cme *ledger.ConcurrentModificationError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &cme):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": ledger.CodeConcurrentModification})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
