// damctl is the command-line client for the asset service.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
