package main

import (
	"os"

	"discord-restrict/bot"
	"discord-restrict/config"
	"discord-restrict/handlers"
	"discord-restrict/utils"
	"discord-restrict/utils/database"

	"github.com/sirupsen/logrus"
)

func main() {
	path := "config/config.yaml"
	if p := os.Getenv("RESTRICT_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("Error loading config: %v", err)
	}
	if err := utils.InitLogger(cfg.Log); err != nil {
		logrus.Fatalf("Error initializing logger: %v", err)
	}

	db, err := database.Init(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("Error initializing database: %v", err)
	}

	b, err := bot.New(cfg, db)
	if err != nil {
		db.Close()
		logrus.Fatalf("Error creating bot: %v", err)
	}
	defer b.Close()

	handlers.Register(b)

	if err := b.Run(); err != nil {
		logrus.Errorf("Bot stopped: %v", err)
	}
}
