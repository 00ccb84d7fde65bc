package main

import (
	"flag"
	"log"
	"os"

	"adpilot/internal/app"
	"adpilot/internal/config"

	"github.com/spf13/viper"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DB_DSN"), "Postgres DSN, overrides the database section of the config")
	flag.Parse()

	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	db, err := app.OpenDatabase(cfg, app.DSN(cfg, *dsn))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")
}
