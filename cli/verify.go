package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/devauth/authmsg"
	"github.com/georgepadayatti/devauth/certvalidator"
	"github.com/georgepadayatti/devauth/config"
	"github.com/georgepadayatti/devauth/deviceauth"
	"github.com/georgepadayatti/devauth/keys"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	commonOptions
	ResponseFile  string
	PeerCertFile  string
	ChallengeFile string
}

// VerifyChainOptions contains options for the verify-chain command.
type VerifyChainOptions struct {
	commonOptions
	CRLFile string
}

// VerifyResult is a JSON-serializable verification result.
type VerifyResult struct {
	Status    string   `json:"status"`
	Device    string   `json:"device,omitempty"`
	Policy    string   `json:"policy,omitempty"`
	CRLPolicy string   `json:"crl_policy"`
	Time      string   `json:"time"`
	Path      []string `json:"path,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Valid reports whether verification succeeded.
func (r *VerifyResult) Valid() bool {
	return r.Status == "VALID"
}

// VerifyCommand implements the 'verify' command.
func VerifyCommand(args []string) {
	verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)

	var opts VerifyOptions
	opts.register(verifyFlags)
	verifyFlags.StringVar(&opts.ResponseFile, "response", "", "Serialized envelope carrying the device's reply")
	verifyFlags.StringVar(&opts.PeerCertFile, "peer-cert", "", "Certificate the device presented on the transport (PEM or DER)")
	verifyFlags.StringVar(&opts.ChallengeFile, "challenge", "", "Challenge envelope the reply must be bound to")

	verifyFlags.Usage = func() {
		fmt.Printf("Usage: %s verify [options] -response <reply.bin> -peer-cert <peer.der>\n\n", os.Args[0])
		fmt.Println("Authenticate a device's challenge reply.")
		fmt.Println("")
		fmt.Println("Options:")
		verifyFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s verify -response reply.bin -peer-cert peer.der\n", os.Args[0])
		fmt.Printf("  %s verify -crl-policy optional -json -response reply.bin -peer-cert peer.der\n", os.Args[0])
	}

	if err := verifyFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if opts.ResponseFile == "" || opts.PeerCertFile == "" {
		verifyFlags.Usage()
		osExit(1)
	}

	result, err := verifyResponse(&opts)
	if err != nil {
		fail(err)
		return
	}
	report(result, opts.JSON)
}

// VerifyChainCommand implements the 'verify-chain' command.
func VerifyChainCommand(args []string) {
	chainFlags := flag.NewFlagSet("verify-chain", flag.ExitOnError)

	var opts VerifyChainOptions
	opts.register(chainFlags)
	chainFlags.StringVar(&opts.CRLFile, "crl", "", "CRL bundle (overrides the config file)")

	chainFlags.Usage = func() {
		fmt.Printf("Usage: %s verify-chain [options] <leaf.pem> [intermediates.pem...]\n\n", os.Args[0])
		fmt.Println("Verify a device certificate chain against the device roots.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  leaf.pem           Device certificate, optionally followed by intermediates")
		fmt.Println("  intermediates.pem  Further intermediate certificates, in any order")
		fmt.Println("")
		fmt.Println("Options:")
		chainFlags.PrintDefaults()
	}

	if err := chainFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(chainFlags.Args()) < 1 {
		chainFlags.Usage()
		osExit(1)
	}

	result, err := verifyChain(chainFlags.Args(), &opts)
	if err != nil {
		fail(err)
		return
	}
	report(result, opts.JSON)
}

// verifyResponse authenticates the reply in opts.ResponseFile.
func verifyResponse(opts *VerifyOptions) (*VerifyResult, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	at, err := opts.verificationTime()
	if err != nil {
		return nil, err
	}

	envelope, err := keys.ReadFile(opts.ResponseFile)
	if err != nil {
		return nil, err
	}
	peer, err := keys.LoadCertDERs(opts.PeerCertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load peer certificate: %w", err)
	}
	var challenge *authmsg.AuthChallenge
	if opts.ChallengeFile != "" {
		if challenge, err = loadChallenge(opts.ChallengeFile); err != nil {
			return nil, err
		}
	}

	device, crlTrust, err := trustStores(cfg)
	if err != nil {
		return nil, err
	}
	var clock clockwork.Clock = clockwork.NewRealClock()
	if !at.IsZero() {
		clock = clockwork.NewFakeClockAt(at)
	}
	auth := deviceauth.NewAuthenticator(device,
		deviceauth.WithClock(clock),
		deviceauth.WithCRLPolicy(cfg.Revocation.Policy()),
		deviceauth.WithCRLTrustStore(crlTrust),
	)

	result := &VerifyResult{
		CRLPolicy: cfg.Revocation.Policy().String(),
		Time:      clock.Now().UTC().Format(time.RFC3339),
	}
	res, err := auth.AuthenticateEnvelope(envelope, peer[0], challenge)
	if err != nil {
		result.failed(err)
		return result, nil
	}
	result.Status = "VALID"
	result.Device = res.Context.CommonName()
	result.Policy = res.Policy.String()
	return result, nil
}

// verifyChain verifies the certificates in files, leaf first.
func verifyChain(files []string, opts *VerifyChainOptions) (*VerifyResult, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	at, err := opts.verificationTime()
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now()
	}

	certs, err := keys.LoadCertDERsFromFiles(files)
	if err != nil {
		return nil, err
	}
	var crl []byte
	if opts.CRLFile != "" {
		crl, err = keys.ReadFile(opts.CRLFile)
	} else {
		crl, err = cfg.Revocation.LoadCRL()
	}
	if err != nil {
		return nil, err
	}

	device, crlTrust, err := trustStores(cfg)
	if err != nil {
		return nil, err
	}
	verifier := deviceauth.NewCertVerifier(device)
	verifier.CRLTrust = crlTrust

	result := &VerifyResult{
		CRLPolicy: cfg.Revocation.Policy().String(),
		Time:      at.UTC().Format(time.RFC3339),
	}
	res, err := verifier.VerifyDeviceCert(certs, crl, cfg.Revocation.Policy(), at)
	if err != nil {
		result.failed(err)
		return result, nil
	}
	result.Status = "VALID"
	result.Device = res.Context.CommonName()
	result.Policy = res.Policy.String()
	for _, cert := range res.Path.All() {
		result.Path = append(result.Path, cert.Subject.String())
	}
	return result, nil
}

func (r *VerifyResult) failed(err error) {
	r.Status = "INVALID"
	r.ErrorKind = deviceauth.KindOf(err).String()
	r.Error = err.Error()
}

func trustStores(cfg *config.Config) (device, crl *certvalidator.TrustStore, err error) {
	if device, err = cfg.DeviceTrustStore(); err != nil {
		return nil, nil, err
	}
	if crl, err = cfg.CRLTrustStore(device); err != nil {
		return nil, nil, err
	}
	return device, crl, nil
}

// loadChallenge reads the challenge out of an envelope written by the
// challenge command.
func loadChallenge(filename string) (*authmsg.AuthChallenge, error) {
	data, err := keys.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	msg, err := authmsg.UnmarshalCastMessage(data)
	if err != nil {
		return nil, fmt.Errorf("challenge envelope: %w", err)
	}
	authMsg, err := authmsg.UnmarshalDeviceAuthMessage(msg.PayloadBinary)
	if err != nil {
		return nil, fmt.Errorf("challenge message: %w", err)
	}
	if authMsg.Challenge == nil {
		return nil, errors.New("challenge message carries no challenge")
	}
	return authMsg.Challenge, nil
}

// report prints result and exits with status 1 when it is not valid.
func report(result *VerifyResult, asJSON bool) {
	if asJSON {
		outputJSON(result)
	} else {
		outputText(result)
	}
	if !result.Valid() {
		osExit(1)
	}
}

// outputJSON outputs the result in JSON format.
func outputJSON(result *VerifyResult) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// outputText outputs the result in human-readable format.
func outputText(result *VerifyResult) {
	fmt.Printf("%s %s\n", getStatusIcon(result.Status), result.Status)
	if result.Device != "" {
		fmt.Printf("  Device: %s\n", result.Device)
	}
	if result.Policy != "" {
		fmt.Printf("  Policy: %s\n", result.Policy)
	}
	fmt.Printf("  CRL policy: %s\n", result.CRLPolicy)
	fmt.Printf("  Time: %s\n", result.Time)
	if len(result.Path) > 0 {
		fmt.Printf("\n  Path:\n")
		for i, subject := range result.Path {
			fmt.Printf("    %d. %s\n", i, subject)
		}
	}
	if result.Error != "" {
		fmt.Printf("\n  Error (%s):\n", result.ErrorKind)
		fmt.Printf("    %s\n", result.Error)
	}
}

// getStatusIcon returns an icon for the status.
func getStatusIcon(status string) string {
	switch status {
	case "VALID":
		return "[OK]"
	case "INVALID":
		return "[FAIL]"
	default:
		return "[?]"
	}
}
