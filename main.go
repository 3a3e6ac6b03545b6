package main

import (
	"os"

	"github.com/wegman-software/osm2tiles-go/cmd"
	"github.com/wegman-software/osm2tiles-go/internal/logger"
)

func main() {
	err := cmd.Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
