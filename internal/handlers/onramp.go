package handlers

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/onramp/internal/models"
	"github.com/example/onramp/internal/services"
	"github.com/example/onramp/internal/utils"
)

// OnRampAPI is the part of services.OnRampService the HTTP layer uses.
type OnRampAPI interface {
	Initiate(ctx context.Context, req services.InitiateRequest) (*models.Transaction, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, offset, limit int) ([]models.Transaction, int64, error)
	AdvanceByRequestID(ctx context.Context, requestID string) (services.AdvanceResult, error)
	WalletBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

var validate = validator.New()

// OnRampHandler manages on-ramp endpoints.
type OnRampHandler struct {
	service OnRampAPI
	logger  *slog.Logger
}

// NewOnRampHandler constructs OnRampHandler.
func NewOnRampHandler(service OnRampAPI, logger *slog.Logger) *OnRampHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnRampHandler{service: service, logger: logger}
}

type initiateRequest struct {
	PhoneNumber   string          `json:"phone_number" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address" validate:"required"`
}

// Initiate starts an on-ramp: a payment prompt is sent to the phone and a
// pending transaction is returned.
func (h *OnRampHandler) Initiate(c *fiber.Ctx) error {
	var req initiateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	txn, err := h.service.Initiate(c.UserContext(), services.InitiateRequest{
		PhoneNumber:   req.PhoneNumber,
		AmountFiat:    req.Amount,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		h.logger.Warn("on-ramp initiation rejected", "error", err)
		return serviceError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":             true,
		"transaction_id":      txn.ID,
		"checkout_request_id": txn.RequestID(),
		"status":              txn.Status,
	})
}

// GetTransaction returns the last committed state of a transaction.
func (h *OnRampHandler) GetTransaction(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid transaction id")
	}

	txn, err := h.service.GetStatus(c.UserContext(), id)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{"success": true, "data": txn})
}

// ListTransactions returns transactions newest first.
func (h *OnRampHandler) ListTransactions(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	txns, total, err := h.service.ListTransactions(c.UserContext(), pg.Offset, pg.Limit)
	if err != nil {
		return serviceError(err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       txns,
		"pagination": pg.Meta(total),
	})
}

// WalletBalance reports the token balance of a wallet.
func (h *OnRampHandler) WalletBalance(c *fiber.Ctx) error {
	address := c.Params("address")
	balance, err := h.service.WalletBalance(c.UserContext(), address)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"address": address,
		"balance": balance.String(),
	})
}
