// edged terminates TCP connections from industrial weighing scales,
// persists every weighing locally, and forwards them to the cloud.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
