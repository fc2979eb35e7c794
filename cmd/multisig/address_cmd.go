package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/auth"
	"github.com/mfactory-lab/multisig/pkg/config"
)

// runAddressCmd implements `multisig address <identity|action|signer>`.
// Derivation is offline and needs no host.
func runAddressCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: multisig address <identity|action|signer> [flags]")
		return 2
	}

	fs := newFlagSet("address "+args[0], stderr)
	var (
		label    string
		baseHex  string
		identity string
		index    uint32
	)
	switch args[0] {
	case "identity":
		fs.StringVar(&label, "label", "", "Human label hashed into the base")
		fs.StringVar(&baseHex, "base", "", "Hex-encoded base bytes")
	case "action":
		fs.StringVar(&identity, "identity", "", "Identity address (REQUIRED)")
		fs.Uint32Var(&index, "index", 0, "Action index")
	case "signer":
		fs.StringVar(&identity, "identity", "", "Identity address (REQUIRED)")
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown address kind: %s\n", args[0])
		return 2
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	switch args[0] {
	case "identity":
		base, code := resolveBase(label, baseHex, stderr)
		if code != 0 {
			return code
		}
		_, _ = fmt.Fprintln(stdout, address.IdentityAddress(base))
	case "action":
		id, err := address.Parse(identity)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --identity: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, address.ActionAddress(id, index))
	case "signer":
		id, err := address.Parse(identity)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --identity: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, address.SignerAddress(id))
	}
	return 0
}

// resolveBase accepts exactly one of a label or hex bytes.
func resolveBase(label, baseHex string, stderr io.Writer) ([]byte, int) {
	switch {
	case label != "" && baseHex != "":
		_, _ = fmt.Fprintln(stderr, "Error: --label and --base are mutually exclusive")
		return nil, 2
	case label != "":
		return address.BaseFromLabel(label), 0
	case baseHex != "":
		b, err := hex.DecodeString(baseHex)
		if err != nil || len(b) == 0 {
			_, _ = fmt.Fprintln(stderr, "Error: --base must be non-empty hex")
			return nil, 2
		}
		return b, 0
	default:
		_, _ = fmt.Fprintln(stderr, "Error: one of --label or --base is required")
		return nil, 2
	}
}

// runTokenCmd implements `multisig token`: it mints a caller token with
// the host's configured secret.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	configPath := fs.StringP("config", "c", "", "Path to YAML config file")
	subject := fs.String("subject", "", "Caller address the token speaks for (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	caller, err := address.Parse(*subject)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --subject: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	keys, err := auth.NewKeys(cfg.Auth)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	token, err := keys.Issue(caller)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
