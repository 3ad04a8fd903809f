package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"aiops/internal/config"
	"aiops/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var enqueueType string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <ticket-id>",
	Short: "Enqueue an asynchronous AI operation for a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ticketID, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ticket id %q", args[0])
		}

		db, cfg, err := openDatabase()
		if err != nil {
			return err
		}

		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)
		store := services.NewOperationStore(db, log)
		queue := services.NewOperationQueue(db, store, cfg.Worker.Channel, log)

		op, err := queue.Enqueue(context.Background(), uint(ticketID), enqueueType, "")
		if err != nil {
			return err
		}
		fmt.Printf("Enqueued operation %s (type=%s status=%s)\n", op.ID, op.Type, op.Status)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <operation-id>",
	Short: "Print an operation's audit record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDatabase()
		if err != nil {
			return err
		}

		log := logrus.New()
		log.SetLevel(logrus.WarnLevel)
		store := services.NewOperationStore(db, log)

		op, err := store.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		encoded, err := json.MarshalIndent(op, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

func openDatabase() (*gorm.DB, *config.Config, error) {
	cfg := config.Load()
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = cfg.Database.DSN()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, cfg, nil
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueType, "type", "t", "summarize_ticket", "operation type to enqueue")
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(inspectCmd)
}
