package main

import (
	"log"
	"os"

	"aiops/internal/config"
	"aiops/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_ai_operations_ticket_created ON ai_operations(ticket_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_ai_operations_status ON ai_operations(status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_ticket_messages_ticket_created ON ticket_messages(ticket_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority)")

	// 种子数据：默认团队与优先级规则（幂等）
	log.Println("Seeding default data...")
	teams := []models.Team{
		{Name: "Billing"},
		{Name: "Technical Support"},
		{Name: "Account Management"},
	}
	for _, team := range teams {
		db.Where(models.Team{Name: team.Name}).FirstOrCreate(&team)
	}

	rules := []models.PriorityRule{
		{Priority: "CRITICAL", Description: "Complete service outage, data loss, or security incident affecting the customer right now"},
		{Priority: "HIGH", Description: "A core feature is unusable or the customer is blocked with no workaround"},
		{Priority: "MEDIUM", Description: "A feature is degraded but a workaround exists"},
		{Priority: "LOW", Description: "Cosmetic issue, question, or feature request"},
	}
	for _, rule := range rules {
		db.Where(models.PriorityRule{Priority: rule.Priority}).FirstOrCreate(&rule)
	}

	log.Println("Migration and seeding finished!")
}
