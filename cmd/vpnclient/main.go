// Command vpnclient connects to an OpenVPN server and moves packets between
// the data channel and a TUN device.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
