package main

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/dmitrijs2005/calsync/internal/calsync"
	"github.com/dmitrijs2005/calsync/internal/calsync/config"
)

func main() {

	ctx := context.Background()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(2)
	}

	app, err := calsync.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("%v", err)
		os.Exit(1)
	}
}
