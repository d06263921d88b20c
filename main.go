package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"crypto-invoice-system/handlers"
	"crypto-invoice-system/middleware"
	"crypto-invoice-system/models"
	"crypto-invoice-system/services"
	"crypto-invoice-system/utils"
	"crypto-invoice-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	// Load allowed origins from environment variable
	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Invoice{},
		&models.PaymentTransaction{},
		&models.PollingEvent{},
		&models.RefundRequest{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- CONFIGURE deposit source adapters ---
	exchangeURL := os.Getenv("EXCHANGE_API_URL")
	if exchangeURL == "" {
		log.Fatal("EXCHANGE_API_URL environment variable not set")
	}
	exchangeKey := os.Getenv("EXCHANGE_API_KEY")
	if exchangeKey == "" {
		log.Fatal("EXCHANGE_API_KEY environment variable not set")
	}
	explorerURL := os.Getenv("EXPLORER_API_URL")
	if explorerURL == "" {
		log.Fatal("EXPLORER_API_URL environment variable not set")
	}
	// --- END CONFIG ---

	exchange := services.NewExchangeClient(exchangeURL, exchangeKey)
	explorer := services.NewExplorerClient(explorerURL)

	var notifiers []services.PaymentObserver
	if webhookURL := os.Getenv("NOTIFICATION_WEBHOOK_URL"); webhookURL != "" {
		notifiers = append(notifiers, services.NewWebhookNotifier(webhookURL, os.Getenv("PAYMENT_SERVICE_TOKEN")))
	} else {
		log.Println("⚠️  NOTIFICATION_WEBHOOK_URL not set — settlement notifications disabled")
	}

	// Settlement receipts are optional: without R2 config the engine still
	// reconciles, it just skips the receipt upload.
	var receipts *services.ReceiptService
	if os.Getenv("R2_BUCKET_NAME") != "" {
		if err := utils.InitR2(); err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		receipts = services.NewReceiptService(utils.R2ReceiptStore{})
	} else {
		log.Println("⚠️  R2_BUCKET_NAME not set — settlement receipts disabled")
	}

	resolver := services.NewRateLockResolver(nil)
	matcher := services.NewPaymentMatcher(db, resolver)
	lifecycle := services.NewLifecycleService(db)
	reconciler := services.NewReconciliationService(db, receipts, notifiers...)

	poller := workers.NewPaymentPoller(db, matcher, lifecycle, reconciler, exchange, explorer, notifiers...)

	pollInterval := 30 * time.Second
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pollInterval = time.Duration(n) * time.Second
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller.StartPolling(ctx, pollInterval)
	lifecycle.StartOverdueScheduler()

	paymentService := services.NewPaymentService(db, matcher, reconciler, exchange, explorer, func() interface{} {
		return poller.GetStatistics()
	})

	handlers.SetupPaymentRoutes(app, paymentService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Printf("✅ Payment polling running (every %s)", pollInterval)
	log.Println("✅ Overdue sweep scheduled (every 10m)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	poller.StopPolling()
	if err := app.Shutdown(); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
