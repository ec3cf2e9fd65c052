// Command lmsync is the offline-first LMS sync engine: it stores offline
// actions per site, reconciles them with the remote site when connectivity
// returns, and manages local reminders.
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
