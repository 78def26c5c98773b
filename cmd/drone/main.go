package main

import (
	"log"

	"rustdrone/internal/cli"
	"rustdrone/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	cli.Execute()
}
