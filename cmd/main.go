package main

import (
	"log"
	"os"
)

func main() {
	if err := execute(); err != nil {
		log.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// execute runs the root command and stops the metrics server, whether or not
// the command succeeded.
func execute() error {
	defer stopMetricsServer()
	return rootCmd.Execute()
}
