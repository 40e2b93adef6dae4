package routes

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/example/onramp/internal/handlers"
	"github.com/example/onramp/internal/middleware"
)

// Deps carries what the HTTP layer needs from the rest of the process.
type Deps struct {
	OnRamp        handlers.OnRampAPI
	CallbackToken string
	Ping          func(ctx context.Context) error
	Logger        *slog.Logger
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, deps Deps) {
	onrampHandler := handlers.NewOnRampHandler(deps.OnRamp, deps.Logger)
	mpesaHandler := handlers.NewMPesaHandler(deps.OnRamp, deps.Logger)

	app.Get("/health", handlers.Health(deps.Ping))

	api := app.Group("/api")

	onramp := api.Group("/onramp")
	onramp.Post("/", onrampHandler.Initiate)
	onramp.Get("/", onrampHandler.ListTransactions)
	onramp.Get("/:id", onrampHandler.GetTransaction)

	api.Get("/wallets/:address/balance", onrampHandler.WalletBalance)

	// Daraja result callbacks
	mpesa := api.Group("/mpesa")
	mpesa.Post("/callback", middleware.CallbackTokenMiddleware(deps.CallbackToken), mpesaHandler.Callback)
}
