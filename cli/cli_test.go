package cli

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/georgepadayatti/devauth/authmsg"
	"github.com/georgepadayatti/devauth/certvalidator/testonly"
)

type cliFixture struct {
	dir       string
	chain     *testonly.DeviceChain
	keyFile   string
	chainFile string
	peerFile  string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	f := &cliFixture{dir: t.TempDir(), chain: testonly.NewDeviceChain(t, nil)}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(f.chain.Leaf.Key)
	if err != nil {
		t.Fatal(err)
	}
	f.keyFile = f.write(t, "device.key", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))

	var chainPEM bytes.Buffer
	for _, der := range f.chain.DER() {
		pem.Encode(&chainPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	f.chainFile = f.write(t, "chain.pem", chainPEM.Bytes())

	peer := testonly.PeerCert(t, testonly.FixtureTime, testonly.FixtureTime.Add(48*time.Hour))
	f.peerFile = f.write(t, "peer.der", peer.DER)
	return f
}

func (f *cliFixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func (f *cliFixture) path(name string) string {
	return filepath.Join(f.dir, name)
}

func verifyTime() string {
	return testonly.VerifyTime.Format(time.RFC3339)
}

func TestChallengeRespondVerify(t *testing.T) {
	f := newCLIFixture(t)

	challenge, err := writeChallenge(&ChallengeOptions{
		Out:         f.path("challenge.bin"),
		SourceID:    DefaultSenderID,
		Destination: DefaultReceiverID,
		SHA256:      true,
	})
	if err != nil {
		t.Fatalf("writeChallenge: %v", err)
	}
	if len(challenge.SenderNonce) != 16 || challenge.HashAlgorithm != authmsg.SHA256 {
		t.Fatalf("unexpected challenge %+v", challenge)
	}
	loaded, err := loadChallenge(f.path("challenge.bin"))
	if err != nil {
		t.Fatalf("loadChallenge: %v", err)
	}
	if !bytes.Equal(loaded.SenderNonce, challenge.SenderNonce) {
		t.Errorf("expected nonce %x, got %x", challenge.SenderNonce, loaded.SenderNonce)
	}

	err = respond(&RespondOptions{
		KeyFile:       f.keyFile,
		ChainFile:     f.chainFile,
		PeerCertFile:  f.peerFile,
		ChallengeFile: f.path("challenge.bin"),
		Out:           f.path("reply.bin"),
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	opts := &VerifyOptions{
		ResponseFile:  f.path("reply.bin"),
		PeerCertFile:  f.peerFile,
		ChallengeFile: f.path("challenge.bin"),
	}
	opts.CRLPolicy = "optional"
	opts.Time = verifyTime()
	opts.Verbosity = -1
	result, err := verifyResponse(opts)
	if err != nil {
		t.Fatalf("verifyResponse: %v", err)
	}
	if !result.Valid() {
		t.Fatalf("expected VALID, got %s: %s", result.Status, result.Error)
	}
	if result.Device != "Device 1234" || result.Policy != "unrestricted" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Time != verifyTime() {
		t.Errorf("expected time %s, got %s", verifyTime(), result.Time)
	}

	t.Run("Required CRL policy", func(t *testing.T) {
		required := *opts
		required.CRLPolicy = "required"
		result, err := verifyResponse(&required)
		if err != nil {
			t.Fatalf("verifyResponse: %v", err)
		}
		if result.Valid() || result.ErrorKind != "CrlInvalidOrMissing" {
			t.Errorf("expected CrlInvalidOrMissing, got %s %s", result.Status, result.ErrorKind)
		}
	})

	t.Run("Other challenge", func(t *testing.T) {
		if _, err := writeChallenge(&ChallengeOptions{Out: f.path("other.bin")}); err != nil {
			t.Fatal(err)
		}
		other := *opts
		other.ChallengeFile = f.path("other.bin")
		result, err := verifyResponse(&other)
		if err != nil {
			t.Fatalf("verifyResponse: %v", err)
		}
		if result.ErrorKind != "SenderNonceMismatch" {
			t.Errorf("expected SenderNonceMismatch, got %s", result.ErrorKind)
		}
	})

	t.Run("Peer certificate too old", func(t *testing.T) {
		late := *opts
		late.Time = testonly.FixtureTime.Add(72 * time.Hour).Format(time.RFC3339)
		result, err := verifyResponse(&late)
		if err != nil {
			t.Fatalf("verifyResponse: %v", err)
		}
		if result.ErrorKind != "PeerCertTimeInvalid" {
			t.Errorf("expected PeerCertTimeInvalid, got %s", result.ErrorKind)
		}
	})

	t.Run("Bad time flag", func(t *testing.T) {
		bad := *opts
		bad.Time = "yesterday"
		if _, err := verifyResponse(&bad); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("Bad CRL policy flag", func(t *testing.T) {
		bad := *opts
		bad.CRLPolicy = "sometimes"
		if _, err := verifyResponse(&bad); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRespondCredentials(t *testing.T) {
	f := newCLIFixture(t)

	tests := []struct {
		name    string
		opts    RespondOptions
		wantErr bool
	}{
		{"Key and chain", RespondOptions{KeyFile: f.keyFile, ChainFile: f.chainFile}, false},
		{"No credential", RespondOptions{}, true},
		{"Key without chain", RespondOptions{KeyFile: f.keyFile}, true},
		{"Key and PKCS12", RespondOptions{KeyFile: f.keyFile, ChainFile: f.chainFile, PKCS12File: f.keyFile}, true},
		{"Missing PKCS12", RespondOptions{PKCS12File: f.path("missing.p12")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.PeerCertFile = f.peerFile
			opts.Out = f.path("reply.bin")
			err := respond(&opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestVerifyChain(t *testing.T) {
	f := newCLIFixture(t)
	leaf := f.write(t, "leaf.der", f.chain.Leaf.DER)
	var rest bytes.Buffer
	pem.Encode(&rest, &pem.Block{Type: "CERTIFICATE", Bytes: f.chain.ICA.DER})
	pem.Encode(&rest, &pem.Block{Type: "CERTIFICATE", Bytes: f.chain.Intermediate.DER})
	restFile := f.write(t, "intermediates.pem", rest.Bytes())

	opts := &VerifyChainOptions{}
	opts.CRLPolicy = "optional"
	opts.Time = verifyTime()
	opts.Verbosity = -1

	result, err := verifyChain([]string{leaf, restFile}, opts)
	if err != nil {
		t.Fatalf("verifyChain: %v", err)
	}
	if !result.Valid() {
		t.Fatalf("expected VALID, got %s: %s", result.Status, result.Error)
	}
	if len(result.Path) != 4 {
		t.Errorf("expected a path of 4, got %v", result.Path)
	}

	t.Run("Missing intermediate", func(t *testing.T) {
		result, err := verifyChain([]string{leaf}, opts)
		if err != nil {
			t.Fatalf("verifyChain: %v", err)
		}
		if result.Valid() || result.ErrorKind != "ChainPathNotFound" {
			t.Errorf("expected ChainPathNotFound, got %s %s", result.Status, result.ErrorKind)
		}
	})

	t.Run("Config file", func(t *testing.T) {
		cfgOpts := *opts
		cfgOpts.CRLPolicy = ""
		cfgOpts.ConfigFile = f.write(t, "devauth.yaml", []byte("revocation:\n  crl-policy: required\nlogging:\n  verbosity: 2\n"))
		result, err := verifyChain([]string{leaf, restFile}, &cfgOpts)
		if err != nil {
			t.Fatalf("verifyChain: %v", err)
		}
		if result.CRLPolicy != "required" || result.ErrorKind != "CrlInvalidOrMissing" {
			t.Errorf("expected a required policy failure, got %+v", result)
		}
	})
}

func TestRun(t *testing.T) {
	defer func() { osExit = os.Exit }()
	var code int
	osExit = func(c int) { code = c }

	Run([]string{"devauth", "version"})
	if code != 0 {
		t.Errorf("expected exit 0 for version, got %d", code)
	}
	Run([]string{"devauth", "bogus"})
	if code != 1 {
		t.Errorf("expected exit 1 for an unknown command, got %d", code)
	}
}

func TestGetStatusIcon(t *testing.T) {
	tests := []struct {
		status   string
		expected string
	}{
		{"VALID", "[OK]"},
		{"INVALID", "[FAIL]"},
		{"", "[?]"},
	}
	for _, tt := range tests {
		if got := getStatusIcon(tt.status); got != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, got)
		}
	}
}
