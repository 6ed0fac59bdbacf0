package main

import (
	"context"
	"log"
	"os"
	"time"

	"geoattend/internal/audit"
	"geoattend/internal/config"
	"geoattend/internal/directory"
	"geoattend/internal/store"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	cfg := config.Load()

	kv, err := store.Open(cfg.StoreBackend, cfg.RedisAddr, cfg.DatabaseURL, cfg.SQLitePath)
	errAndDie(err)

	cli := commandLine{dir: directory.New(kv), out: os.Stdout}
	if db, ok := kv.(*store.DB); ok {
		cli.audit = audit.NewRepository(db)
		errAndDie(cli.audit.Migrate(context.Background()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	err = cli.run(ctx, os.Args)
	cancel()
	_ = kv.Close()
	if err != nil {
		if err != errHelp {
			logger.Printf("error: %s", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
