package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/opentrusty/tenantvault/internal/app"
	"github.com/opentrusty/tenantvault/internal/config"
)

// migrate [up|version] applies or reports the registry schema.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	fmt.Println("✓ Connected to database")

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := db.MigrateUp(ctx); err != nil {
			log.Fatalf("Failed to migrate: %v", err)
		}
		fmt.Println("✓ Registry schema applied")
	case "version":
	default:
		log.Fatalf("unknown command %q (want up or version)", cmd)
	}

	v, err := db.Version(ctx)
	if err != nil {
		log.Fatalf("Failed to read schema version: %v", err)
	}
	fmt.Printf("Schema version: %d\n", v)
}
