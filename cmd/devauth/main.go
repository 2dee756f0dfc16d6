// Command devauth authenticates device identity challenge replies.
//
// Usage:
//
//	devauth <command> [options] <args>
//
// Commands:
//
//	verify        Authenticate a device's challenge reply
//	verify-chain  Verify a device certificate chain
//	challenge     Write a new challenge message
//	respond       Answer a challenge as a device would
//	version       Show version information
//	help          Show help message
//
// Examples:
//
//	# Issue a challenge and answer it with a test device
//	devauth challenge -out challenge.bin
//	devauth respond -key device.key -chain chain.pem -peer-cert peer.der -challenge challenge.bin -out reply.bin
//
//	# Authenticate the reply
//	devauth verify -response reply.bin -peer-cert peer.der -challenge challenge.bin
//
//	# Verify a chain with JSON output
//	devauth verify-chain -json leaf.pem intermediates.pem
package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/georgepadayatti/devauth/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/devauth
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	defer klog.Flush()

	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
