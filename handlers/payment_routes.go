// handlers/payment_routes.go
package handlers

import (
	"crypto-invoice-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPaymentRoutes(app *fiber.App, paymentService *services.PaymentService) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Read-only engine surface
	app.Get("/payments/statistics", paymentService.GetStatistics)
	app.Get("/invoices/pending", paymentService.ListPendingInvoices)
	app.Get("/invoices/:id", paymentService.GetInvoice)
	app.Get("/invoices/:id/payments", paymentService.ListInvoicePayments)
	app.Get("/invoices/:id/events", paymentService.ListInvoiceEvents)
	app.Get("/refunds/queued", paymentService.ListQueuedRefunds)

	// Operator override — bypasses the polling cadence
	app.Post("/payments/verify", paymentService.ManualVerify)
}
