package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/onramp/internal/services"
)

// ErrorHandler renders every error returned by a handler as a JSON body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// serviceError maps an on-ramp error onto an HTTP error.
func serviceError(err error) error {
	switch services.KindOf(err) {
	case services.KindInvalidAmount, services.KindInvalidAddress, services.KindInvalidPhone:
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case services.KindNotFound:
		return fiber.NewError(fiber.StatusNotFound, "transaction not found")
	case services.KindGatewayUnavailable:
		return fiber.NewError(fiber.StatusBadGateway, "payment gateway unavailable")
	case services.KindLedgerUnavailable:
		return fiber.NewError(fiber.StatusBadGateway, "ledger unavailable")
	case services.KindPersistence:
		return fiber.NewError(fiber.StatusServiceUnavailable, "storage unavailable")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
	}
}
