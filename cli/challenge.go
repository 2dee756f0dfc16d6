package cli

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/georgepadayatti/devauth/authmsg"
	"github.com/georgepadayatti/devauth/deviceauth"
	"github.com/georgepadayatti/devauth/keys"
)

// Default envelope endpoints.
const (
	DefaultSenderID   = "sender-0"
	DefaultReceiverID = "receiver-0"
)

// ChallengeOptions contains options for the challenge command.
type ChallengeOptions struct {
	Out         string
	SourceID    string
	Destination string
	SHA256      bool
}

// RespondOptions contains options for the respond command.
type RespondOptions struct {
	KeyFile       string
	PKCS12File    string
	PKCS12Pass    string
	ChainFile     string
	CRLFile       string
	PeerCertFile  string
	ChallengeFile string
	Out           string
}

// ChallengeCommand implements the 'challenge' command.
func ChallengeCommand(args []string) {
	challengeFlags := flag.NewFlagSet("challenge", flag.ExitOnError)

	var opts ChallengeOptions
	challengeFlags.StringVar(&opts.Out, "out", "", "Output file for the challenge envelope")
	challengeFlags.StringVar(&opts.SourceID, "source", DefaultSenderID, "Envelope source id")
	challengeFlags.StringVar(&opts.Destination, "destination", DefaultReceiverID, "Envelope destination id")
	challengeFlags.BoolVar(&opts.SHA256, "sha256", false, "Ask the device to sign with SHA-256")

	challengeFlags.Usage = func() {
		fmt.Printf("Usage: %s challenge [options] -out <challenge.bin>\n\n", os.Args[0])
		fmt.Println("Write an envelope carrying a challenge with a fresh sender nonce.")
		fmt.Println("")
		fmt.Println("Options:")
		challengeFlags.PrintDefaults()
	}

	if err := challengeFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if opts.Out == "" {
		challengeFlags.Usage()
		osExit(1)
	}

	challenge, err := writeChallenge(&opts)
	if err != nil {
		fail(err)
		return
	}
	fmt.Printf("Wrote challenge to %s (nonce %s)\n", opts.Out, hex.EncodeToString(challenge.SenderNonce))
}

// RespondCommand implements the 'respond' command.
func RespondCommand(args []string) {
	respondFlags := flag.NewFlagSet("respond", flag.ExitOnError)

	var opts RespondOptions
	respondFlags.StringVar(&opts.KeyFile, "key", "", "Device private key (PEM or DER)")
	respondFlags.StringVar(&opts.ChainFile, "chain", "", "Device certificate followed by its intermediates (PEM)")
	respondFlags.StringVar(&opts.PKCS12File, "p12", "", "PKCS#12 file holding the device key and chain")
	respondFlags.StringVar(&opts.PKCS12Pass, "p12-pass", "", "PKCS#12 password")
	respondFlags.StringVar(&opts.CRLFile, "crl", "", "CRL bundle to attach to the response")
	respondFlags.StringVar(&opts.PeerCertFile, "peer-cert", "", "Certificate the device presents on the transport")
	respondFlags.StringVar(&opts.ChallengeFile, "challenge", "", "Challenge envelope to answer")
	respondFlags.StringVar(&opts.Out, "out", "", "Output file for the reply envelope")

	respondFlags.Usage = func() {
		fmt.Printf("Usage: %s respond [options] -peer-cert <peer.der> -out <reply.bin>\n\n", os.Args[0])
		fmt.Println("Answer a challenge as a device would.")
		fmt.Println("")
		fmt.Println("Options:")
		respondFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s respond -key device.key -chain chain.pem -peer-cert peer.der -out reply.bin\n", os.Args[0])
		fmt.Printf("  %s respond -p12 device.p12 -p12-pass secret -peer-cert peer.der -challenge challenge.bin -out reply.bin\n", os.Args[0])
	}

	if err := respondFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if opts.PeerCertFile == "" || opts.Out == "" {
		respondFlags.Usage()
		osExit(1)
	}

	if err := respond(&opts); err != nil {
		fail(err)
		return
	}
	fmt.Printf("Wrote response to %s\n", opts.Out)
}

// writeChallenge creates a challenge and writes its envelope to opts.Out.
func writeChallenge(opts *ChallengeOptions) (*authmsg.AuthChallenge, error) {
	challenge, err := deviceauth.NewChallenge()
	if err != nil {
		return nil, err
	}
	if opts.SHA256 {
		challenge.HashAlgorithm = authmsg.SHA256
	}
	payload := (&authmsg.DeviceAuthMessage{Challenge: challenge}).Marshal()
	msg := authmsg.NewBinaryMessage(opts.SourceID, opts.Destination, payload)
	if err := os.WriteFile(opts.Out, msg.Marshal(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write output file: %w", err)
	}
	return challenge, nil
}

// respond signs a reply with the configured device credential.
func respond(opts *RespondOptions) error {
	cred, err := loadDeviceCredential(opts)
	if err != nil {
		return err
	}
	peer, err := keys.LoadCertDERs(opts.PeerCertFile)
	if err != nil {
		return fmt.Errorf("failed to load peer certificate: %w", err)
	}

	device := &deviceauth.Device{Key: cred.Key, Chain: cred.Chain}
	if opts.CRLFile != "" {
		if device.CRL, err = keys.ReadFile(opts.CRLFile); err != nil {
			return err
		}
	}

	var challenge *authmsg.AuthChallenge
	if opts.ChallengeFile != "" {
		if challenge, err = loadChallenge(opts.ChallengeFile); err != nil {
			return err
		}
	}

	msg, err := device.RespondMessage(DefaultReceiverID, DefaultSenderID, challenge, peer[0])
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Out, msg.Marshal(), 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

func loadDeviceCredential(opts *RespondOptions) (*keys.Credential, error) {
	switch {
	case opts.PKCS12File != "" && opts.KeyFile != "":
		return nil, errors.New("use either -key or -p12, not both")
	case opts.PKCS12File != "":
		return keys.LoadPKCS12(opts.PKCS12File, opts.PKCS12Pass)
	case opts.KeyFile != "" && opts.ChainFile != "":
		return keys.LoadCredential(opts.KeyFile, opts.ChainFile, nil)
	default:
		return nil, errors.New("a device credential is required: -key with -chain, or -p12")
	}
}
