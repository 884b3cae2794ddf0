package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sahilchouksey/chat-relay/config"
	"github.com/sahilchouksey/chat-relay/database"
	"github.com/sahilchouksey/chat-relay/utils"
	"go.uber.org/zap"
)

func main() {
	resetUsage := flag.Bool("reset-usage", false, "clear the monthly counters of the seeded users")
	flag.Parse()

	// Load environment variables
	if err := config.LoadENV(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: .env file could not be loaded:", err)
	}

	env, err := config.Get()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := utils.MustLogger(env.IsProduction())
	defer log.Sync()

	var store *database.GORMStore
	if env.DB_DRIVER == "sqlite" {
		store, err = database.StartSQLite(env.DB_PATH, log)
	} else {
		store, err = database.StartGORM(env, log)
	}
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	separator := strings.Repeat("=", 60)
	fmt.Println(separator)
	fmt.Println("Chat Relay - Database Seeding")
	fmt.Println(separator)

	seeder := database.NewSeeder(store.GetDB(), log)
	if err := seeder.SeedAll(); err != nil {
		log.Fatal("seeding failed", zap.Error(err))
	}

	if *resetUsage {
		ids := make([]string, 0, len(database.DefaultDevUsers))
		for _, u := range database.DefaultDevUsers {
			ids = append(ids, u.ID)
		}
		if err := seeder.ResetUsage(ids...); err != nil {
			log.Fatal("usage reset failed", zap.Error(err))
		}
	}

	fmt.Println()
	fmt.Println("Seeded users:")
	for _, u := range database.DefaultDevUsers {
		fmt.Printf("  %-14s tier=%s\n", u.ID, u.Tier)
	}
	fmt.Println()
	fmt.Println("Mint a token for one of them with: go run ./cmd/chatcli -user dev-free -token-only")
}
