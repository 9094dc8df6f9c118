package api

import (
	"net/http"
	"strconv"
	"time"

	"storefront-payments/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type lineItemRequest struct {
	ProductID int64           `json:"product_id" binding:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type checkoutRequest struct {
	UserID         int64             `json:"user_id" binding:"required"`
	Items          []lineItemRequest `json:"items"`
	Subtotal       decimal.Decimal   `json:"subtotal"`
	DiscountCode   string            `json:"discount_code"`
	DiscountAmount decimal.Decimal   `json:"discount_amount"`
	Total          decimal.Decimal   `json:"total"`
	Currency       string            `json:"currency"`
}

func (r checkoutRequest) cart() domain.CartSnapshot {
	items := make([]domain.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, domain.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return domain.CartSnapshot{
		Items:          items,
		Subtotal:       r.Subtotal,
		DiscountCode:   r.DiscountCode,
		DiscountAmount: r.DiscountAmount,
		Total:          r.Total,
	}
}

type intentResponse struct {
	ID             uuid.UUID           `json:"id"`
	Memo           string              `json:"memo"`
	UserID         int64               `json:"user_id"`
	Status         domain.IntentStatus `json:"status"`
	ExpectedAmount decimal.Decimal     `json:"expected_amount"`
	Currency       string              `json:"currency"`
	MatchedTxHash  string              `json:"matched_tx_hash,omitempty"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	ReviewReason   string              `json:"review_reason,omitempty"`
	ReviewNote     string              `json:"review_note,omitempty"`
	ReviewedAt     *time.Time          `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	Order          *orderResponse      `json:"order,omitempty"`
}

type orderResponse struct {
	ID              uuid.UUID               `json:"id"`
	IntentID        uuid.UUID               `json:"intent_id"`
	UserID          int64                   `json:"user_id"`
	Status          domain.OrderStatus      `json:"status"`
	Total           decimal.Decimal         `json:"total"`
	Currency        string                  `json:"currency"`
	TxHash          string                  `json:"tx_hash"`
	Items           []domain.LineItem       `json:"items"`
	StockDeductions []domain.StockDeduction `json:"stock_deductions"`
	CreatedAt       time.Time               `json:"created_at"`
}

func newIntentResponse(p *domain.PaymentIntent, order *domain.Order) intentResponse {
	resp := intentResponse{
		ID:             p.ID,
		Memo:           p.Memo,
		UserID:         p.UserID,
		Status:         p.Status,
		ExpectedAmount: p.ExpectedAmount,
		Currency:       p.Currency,
		MatchedTxHash:  p.MatchedTxHash,
		FailureReason:  string(p.FailureReason),
		ReviewReason:   string(p.ReviewReason),
		ReviewNote:     p.ReviewNote,
		ReviewedAt:     p.ReviewedAt,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
	}
	if order != nil {
		resp.Order = newOrderResponse(order)
	}
	return resp
}

func newOrderResponse(order *domain.Order) *orderResponse {
	return &orderResponse{
		ID:              order.ID,
		IntentID:        order.IntentID,
		UserID:          order.UserID,
		Status:          order.Status,
		Total:           order.Total,
		Currency:        order.Currency,
		TxHash:          order.TxHash,
		Items:           order.Items,
		StockDeductions: order.StockDeductions,
		CreatedAt:       order.CreatedAt,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := map[string]string{"status": "up"}
	if s.health != nil {
		stats = s.health()
	}
	code := http.StatusOK
	if stats["status"] != "up" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, stats)
}

func (s *Server) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, NewAppError(http.StatusBadRequest, "invalid request body", err))
		return
	}
	if !s.limiter.Allow(req.UserID) {
		s.abort(c, NewAppError(http.StatusTooManyRequests, "too many checkouts, try again later", nil))
		return
	}

	amount := s.registry.Quote(req.Total)
	intent, target, err := s.registry.CreateIntent(c.Request.Context(), req.UserID, req.cart(), amount, req.Currency, s.opts.IntentTTL)
	if err != nil {
		s.abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"intent": newIntentResponse(intent, nil),
		"target": target,
	})
}

func (s *Server) handleGetIntent(c *gin.Context) {
	id, ok := intentID(c)
	if !ok {
		return
	}
	intent, err := s.registry.Get(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}

	var order *domain.Order
	if intent.Status == domain.IntentSettled {
		order, err = s.store.Orders.FindByIntentId(c.Request.Context(), id)
		if err != nil {
			s.abort(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, newIntentResponse(intent, order))
}

func (s *Server) handleListReview(c *gin.Context) {
	intents, err := s.registry.ListForReview(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	out := make([]intentResponse, 0, len(intents))
	for i := range intents {
		out = append(out, newIntentResponse(&intents[i], nil))
	}
	c.JSON(http.StatusOK, gin.H{"intents": out})
}

type orphanResponse struct {
	TxHash     string              `json:"tx_hash"`
	Amount     decimal.Decimal     `json:"amount"`
	Currency   string              `json:"currency"`
	Memo       string              `json:"memo"`
	Reason     domain.OrphanReason `json:"reason"`
	ObservedAt time.Time           `json:"observed_at"`
}

func (s *Server) handleListOrphans(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		s.abort(c, NewAppError(http.StatusBadRequest, "limit must be between 1 and 1000", err))
		return
	}
	orphans, err := s.store.Orphans.ListOrphans(c.Request.Context(), limit)
	if err != nil {
		s.abort(c, err)
		return
	}
	out := make([]orphanResponse, 0, len(orphans))
	for _, o := range orphans {
		out = append(out, orphanResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orphans": out})
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := intentID(c)
	if !ok {
		return
	}
	intent, err := s.registry.Cancel(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newIntentResponse(intent, nil))
}

type buyerCancelRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (s *Server) handleBuyerCancel(c *gin.Context) {
	id, ok := intentID(c)
	if !ok {
		return
	}
	var req buyerCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, NewAppError(http.StatusBadRequest, "invalid request body", err))
		return
	}
	intent, err := s.registry.CancelForUser(c.Request.Context(), id, req.UserID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newIntentResponse(intent, nil))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.abort(c, NewAppError(http.StatusBadRequest, "invalid order id", err))
		return
	}
	order, err := s.store.Orders.FindById(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(order))
}

func (s *Server) handleListUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.abort(c, NewAppError(http.StatusBadRequest, "invalid user id", err))
		return
	}
	orders, err := s.store.Orders.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.abort(c, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, *newOrderResponse(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(c *gin.Context) {
	id, ok := intentID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abort(c, NewAppError(http.StatusBadRequest, "invalid request body", err))
			return
		}
	}
	if admin, ok := c.Get(adminIDKey); ok && req.Note == "" {
		req.Note = "resolved by admin " + strconv.FormatInt(admin.(int64), 10)
	}
	intent, err := s.registry.Resolve(c.Request.Context(), id, req.Note)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newIntentResponse(intent, nil))
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func intentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, NewAppError(http.StatusBadRequest, "invalid intent id", err))
		return uuid.Nil, false
	}
	return id, true
}
