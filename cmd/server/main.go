package main

import (
	"log"
	"time"

	"charter-reconciliation-backend/internal/config"
	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/routes"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := config.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("database connection failed")
	}

	db.AutoMigrate(
		&models.Booking{},
		&models.Charge{},
		&models.Payment{},
		&models.BankTransaction{},
		&models.ReconRun{},
		&models.MatchAuditLog{},
	)

	r := gin.Default()
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if err := routes.RegisterRoutes(r, db, cfg, logger); err != nil {
		logger.Fatal(err.Error())
	}

	r.Run(cfg.HTTPAddr)
}
