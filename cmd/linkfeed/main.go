package main

import (
	"log"

	"github.com/MrSnakeDoc/linkfeed/internal/app"
)

func main() {
	if err := app.New().Run(); err != nil {
		log.Fatalf("❌ linkfeed failed: %v", err)
	}
}
