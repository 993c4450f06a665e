// Command kiosk-zoom runs the contexts of the kiosk video assistance
// extension: the background worker, the content script of a page with its
// widget, or all of them in one process.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
