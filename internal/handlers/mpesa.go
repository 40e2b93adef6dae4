package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/example/onramp/internal/services"
)

// MPesaHandler receives Daraja STK push result callbacks.
type MPesaHandler struct {
	service OnRampAPI
	logger  *slog.Logger
}

func NewMPesaHandler(service OnRampAPI, logger *slog.Logger) *MPesaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MPesaHandler{service: service, logger: logger}
}

// Callback acknowledges an STK result and advances the matching transaction.
// The body is only a hint; the settlement outcome comes from a fresh status
// query. Every well-formed callback is acknowledged so Daraja stops retrying.
func (h *MPesaHandler) Callback(c *fiber.Ctx) error {
	body := c.Body()
	if !gjson.ValidBytes(body) {
		return fiber.NewError(fiber.StatusBadRequest, "invalid callback body")
	}

	cb := gjson.GetBytes(body, "Body.stkCallback")
	requestID := cb.Get("CheckoutRequestID").String()
	if requestID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing CheckoutRequestID")
	}

	log := h.logger.With(
		"checkout_request_id", requestID,
		"merchant_request_id", cb.Get("MerchantRequestID").String(),
		"result_code", cb.Get("ResultCode").String(),
	)
	log.Info("mpesa callback received", "result_desc", cb.Get("ResultDesc").String())

	res, err := h.service.AdvanceByRequestID(c.UserContext(), requestID)
	switch {
	case err == nil:
		log.Info("callback advanced transaction", "outcome", res.Outcome)
	case errors.Is(err, services.ErrNotFound):
		log.Warn("callback for unknown request")
	default:
		log.Warn("callback advance failed, reconciliation will retry", "error", err)
	}

	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}
