package router

import (
	"log"
	"os"
	"time"

	"github.com/courseloom/api/config"
	"github.com/courseloom/api/database"
	"github.com/courseloom/api/handlers"
	auth_handlers "github.com/courseloom/api/handlers/auth"
	course_handlers "github.com/courseloom/api/handlers/course"
	enrollment_handlers "github.com/courseloom/api/handlers/enrollment"
	payment_handlers "github.com/courseloom/api/handlers/payment"
	"github.com/courseloom/api/model"
	"github.com/courseloom/api/repository"
	"github.com/courseloom/api/services"
	stripegw "github.com/courseloom/api/services/stripe"
	"github.com/courseloom/api/utils/auth"
	"github.com/courseloom/api/utils/cache"
	"github.com/courseloom/api/utils/middleware"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SetupRoutes wires repositories, services, handlers and middleware onto
// the fiber app
func SetupRoutes(app *fiber.App, store database.Storage, getEnv *config.EnviornmentVariable) {
	if getEnv.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := getEnv.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "courseloom-api"
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: getEnv.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	// Redis is optional: without it webhook dedup and checkout throttling
	// degrade gracefully
	var redisCache *cache.RedisCache
	redisURL := getEnv.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v. Webhook dedup and checkout throttling will be disabled.", err)
		redisCache = nil
	}

	// Payment provider gateway
	gateway := stripegw.NewClient(stripegw.Config{
		SecretKey:     getEnv.STRIPE_SECRET_KEY,
		WebhookSecret: getEnv.STRIPE_WEBHOOK_SECRET,
	})

	// Repositories
	paymentRepo := repository.NewPaymentRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	courseRepo := repository.NewCourseRepository(db)

	// Services
	enrollmentService := services.NewEnrollmentService(services.EnrollmentServiceConfig{
		Gateway:        gateway,
		Ledger:         paymentRepo,
		Enrollments:    enrollmentRepo,
		Courses:        courseRepo,
		Cache:          redisCache,
		ClientURL:      getEnv.CLIENT_URL,
		Currency:       getEnv.CURRENCY,
		GatewayTimeout: getEnv.STRIPE_TIMEOUT,
	})
	refundService := services.NewRefundService(gateway, paymentRepo, enrollmentRepo, getEnv.STRIPE_TIMEOUT)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)

	// Handlers
	authHandler := auth_handlers.NewAuthHandler(db, jwtManager)
	courseHandler := course_handlers.NewCourseHandler(db)
	enrollmentHandler := enrollment_handlers.NewEnrollmentHandler(enrollmentService)
	paymentHandler := payment_handlers.NewPaymentHandler(enrollmentService, refundService, gateway)

	// Security middleware
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}
	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 300,
		RateLimitWindow:   time.Minute,
	})

	// Health check
	app.Get("/health", handlers.HandleCheckHealth(store))

	v1 := app.Group("/api/v1")

	// Auth routes
	authGroup := v1.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)

	// Public course lookup
	v1.Get("/courses/:id", courseHandler.GetCourse)

	// Webhook is public but provider-signed; it must bypass auth
	v1.Post("/payments/webhook", paymentHandler.Webhook)

	// Authenticated payment routes
	payments := v1.Group("/payments", authMiddleware.Required())

	createIntent := []fiber.Handler{middleware.RequireRole(model.RoleStudent)}
	if redisCache != nil {
		throttle := middleware.NewCheckoutThrottle(redisCache)
		createIntent = append(createIntent, throttle.Limit())
	}
	createIntent = append(createIntent, paymentHandler.CreateIntent)
	payments.Post("/create-intent", createIntent...)

	payments.Post("/confirm", middleware.RequireRole(model.RoleStudent), paymentHandler.Confirm)
	payments.Get("/history", paymentHandler.History)
	payments.Post("/:id/refund", middleware.RequireRole(model.RoleAdmin), paymentHandler.Refund)

	// Enrollments
	v1.Get("/enrollments/me", authMiddleware.Required(), enrollmentHandler.MyEnrollments)
}
