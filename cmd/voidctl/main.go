package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/P4v3r/void-ai/internal/config"
	"github.com/P4v3r/void-ai/internal/ledger"
	"github.com/P4v3r/void-ai/pkg/database"
	"go.uber.org/zap"
)

// voidctl mints pro tokens directly against the ledger, for payments
// verified out of band. The token is printed exactly once; only its digest
// is stored.
func main() {
	credits := flag.Int64("credits", 0, "credit balance for the minted token")
	source := flag.String("source", "admin", "mint source tag (admin, reconcile)")
	flag.Parse()

	if *credits <= 0 {
		fmt.Fprintln(os.Stderr, "usage: voidctl -credits <n> [-source <tag>]")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	proLedger := ledger.NewLedger(ledger.NewPGStore(db), logger, nil)
	token, err := proLedger.Mint(ctx, *credits, *source)
	if err != nil {
		logger.Fatal("failed to mint token", zap.Error(err))
	}

	fmt.Println(token)
}
