package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/mavirek/apiwarden/internal/config"
	"github.com/mavirek/apiwarden/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	srv, err := server.New(cfg)
	if err != nil {
		log.Printf("Server failed to initialize: %v", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		log.Printf("Server failed to start: %v", err)
		os.Exit(1)
	}
}
