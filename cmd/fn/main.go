// Command fn is the fieldnote capture client.
//
// It captures text, URLs, photos, voice recordings, PDFs and book pages and
// delivers them to the backend: immediately when online, or via the durable
// offline queue otherwise. `fn daemon` runs the background worker that
// drains the queue without user action.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
