// Package cli provides the command-line interface for device authentication.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/georgepadayatti/devauth/config"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "verify":
		VerifyCommand(args)
	case "verify-chain":
		VerifyChainCommand(args)
	case "challenge":
		ChallengeCommand(args)
	case "respond":
		RespondCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
		osExit(1)
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("devauth - device identity authentication tool\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  verify        Authenticate a device's challenge reply")
	fmt.Println("  verify-chain  Verify a device certificate chain")
	fmt.Println("  challenge     Write a new challenge message")
	fmt.Println("  respond       Answer a challenge as a device would")
	fmt.Println("  version       Show version information")
	fmt.Println("  help          Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s challenge -out challenge.bin\n", os.Args[0])
	fmt.Printf("  %s respond -key device.key -chain chain.pem -peer-cert peer.der -challenge challenge.bin -out reply.bin\n", os.Args[0])
	fmt.Printf("  %s verify -response reply.bin -peer-cert peer.der -challenge challenge.bin\n", os.Args[0])
	fmt.Printf("  %s verify-chain -json leaf.pem intermediates.pem\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("devauth version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}

// commonOptions are the flags shared by the verification commands.
type commonOptions struct {
	ConfigFile string
	CRLPolicy  string
	Time       string
	JSON       bool
	Verbosity  int
}

func (o *commonOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&o.CRLPolicy, "crl-policy", "", "CRL policy: required or optional (overrides the config file)")
	fs.StringVar(&o.Time, "time", "", "Verification time in RFC 3339 format (default: now)")
	fs.BoolVar(&o.JSON, "json", false, "Output results in JSON format")
	fs.IntVar(&o.Verbosity, "v", -1, "Log verbosity (overrides the config file)")
}

// load reads the configuration, applies flag overrides and sets up logging.
func (o *commonOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = config.LoadConfig(o.ConfigFile); err != nil {
			return nil, err
		}
	}
	if o.CRLPolicy != "" {
		cfg.Revocation.CRLPolicy = o.CRLPolicy
		if err := cfg.Revocation.Validate(); err != nil {
			return nil, err
		}
	}
	verbosity := cfg.Logging.Verbosity
	if o.Verbosity >= 0 {
		verbosity = o.Verbosity
	}
	setupLogging(verbosity)
	return cfg, nil
}

// verificationTime returns the -time value, or the zero time for now.
func (o *commonOptions) verificationTime() (time.Time, error) {
	if o.Time == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, o.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -time: %w", err)
	}
	return t, nil
}

// setupLogging points klog at stderr with the given verbosity.
func setupLogging(verbosity int) {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	_ = fs.Set("logtostderr", "true")
	_ = fs.Set("v", strconv.Itoa(verbosity))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	osExit(1)
}
