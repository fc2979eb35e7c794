package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/api"
	"github.com/mfactory-lab/multisig/pkg/capability/assert"
	"github.com/mfactory-lab/multisig/pkg/capability/transfer"
	"github.com/mfactory-lab/multisig/pkg/client"
	"github.com/mfactory-lab/multisig/pkg/multisig"
)

// connection holds the flags shared by every client command.
type connection struct {
	url     string
	token   string
	timeout time.Duration
}

func (c *connection) addFlags(fs *pflag.FlagSet) {
	url := os.Getenv("MULTISIG_URL")
	if url == "" {
		url = "http://127.0.0.1:8080"
	}
	fs.StringVar(&c.url, "url", url, "Host base URL (env MULTISIG_URL)")
	fs.StringVar(&c.token, "token", os.Getenv("MULTISIG_TOKEN"), "Bearer token (env MULTISIG_TOKEN)")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (c *connection) client() *client.Client {
	return client.New(c.url, client.WithToken(c.token), client.WithTimeout(c.timeout))
}

// reportError prints err and returns the exit code for it.
func reportError(stderr io.Writer, err error) int {
	if p, ok := api.AsProblem(err); ok {
		if p.Code != "" {
			_, _ = fmt.Fprintf(stderr, "Error: %d %s [%s]: %s\n", p.Status, p.Title, p.Code, p.Detail)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %d %s: %s\n", p.Status, p.Title, p.Detail)
		}
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func parseAddressFlag(name, value string, stderr io.Writer) (address.Address, bool) {
	a, err := address.Parse(value)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --%s: %v\n", name, err)
		return address.Zero, false
	}
	return a, true
}

// runIdentityCmd implements `multisig identity <create|show|events>`.
func runIdentityCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: multisig identity <create|show|events> [flags]")
		return 2
	}
	ctx := context.Background()
	var conn connection
	fs := newFlagSet("identity "+args[0], stderr)
	conn.addFlags(fs)

	switch args[0] {
	case "create":
		label := fs.String("label", "", "Human label hashed into the base")
		baseHex := fs.String("base", "", "Hex-encoded base bytes")
		owners := fs.StringSlice("owner", nil, "Owner address (repeatable)")
		threshold := fs.Uint32("threshold", 1, "Approvals required to execute")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		base, code := resolveBase(*label, *baseHex, stderr)
		if code != 0 {
			return code
		}
		roster := make([]address.Address, 0, len(*owners))
		for _, o := range *owners {
			a, ok := parseAddressFlag("owner", o, stderr)
			if !ok {
				return 2
			}
			roster = append(roster, a)
		}
		id, err := conn.client().CreateIdentity(ctx, api.CreateIdentityRequest{
			Base: base, Owners: roster, Threshold: *threshold,
		})
		if err != nil {
			return reportError(stderr, err)
		}
		return printJSON(stdout, stderr, id)

	case "show", "events":
		identity := fs.String("identity", "", "Identity address (REQUIRED)")
		after := fs.Uint64("after", 0, "Only journal entries after this sequence (events)")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		addr, ok := parseAddressFlag("identity", *identity, stderr)
		if !ok {
			return 2
		}
		if args[0] == "events" {
			entries, err := conn.client().Events(ctx, addr, *after)
			if err != nil {
				return reportError(stderr, err)
			}
			return printJSON(stdout, stderr, entries)
		}
		id, err := conn.client().Identity(ctx, addr)
		if err != nil {
			return reportError(stderr, err)
		}
		return printJSON(stdout, stderr, id)

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown identity subcommand: %s\n", args[0])
		return 2
	}
}

// runActionCmd implements `multisig action <propose|approve|execute|close|show|list>`.
func runActionCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: multisig action <propose|approve|execute|close|show|list> [flags]")
		return 2
	}
	ctx := context.Background()
	var conn connection
	fs := newFlagSet("action "+args[0], stderr)
	conn.addFlags(fs)
	identity := fs.String("identity", "", "Identity address (REQUIRED)")

	switch args[0] {
	case "propose":
		var p proposal
		p.addFlags(fs)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		addr, ok := parseAddressFlag("identity", *identity, stderr)
		if !ok {
			return 2
		}
		instructions, err := p.build(addr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		a, err := conn.client().Propose(ctx, addr, instructions)
		if err != nil {
			return reportError(stderr, err)
		}
		return printJSON(stdout, stderr, a)

	case "list":
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		addr, ok := parseAddressFlag("identity", *identity, stderr)
		if !ok {
			return 2
		}
		actions, err := conn.client().Actions(ctx, addr)
		if err != nil {
			return reportError(stderr, err)
		}
		return printJSON(stdout, stderr, actions)

	case "approve", "execute", "close", "show":
		index := fs.Uint32("index", 0, "Action index")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		addr, ok := parseAddressFlag("identity", *identity, stderr)
		if !ok {
			return 2
		}
		c := conn.client()
		var (
			a   *multisig.Action
			err error
		)
		switch args[0] {
		case "approve":
			a, err = c.Approve(ctx, addr, *index)
		case "execute":
			a, err = c.Execute(ctx, addr, *index)
		case "show":
			a, err = c.Action(ctx, addr, *index)
		case "close":
			if err := c.Close(ctx, addr, *index); err != nil {
				return reportError(stderr, err)
			}
			_, _ = fmt.Fprintf(stdout, "closed action %d of %s\n", *index, addr)
			return 0
		}
		if err != nil {
			return reportError(stderr, err)
		}
		return printJSON(stdout, stderr, a)

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown action subcommand: %s\n", args[0])
		return 2
	}
}

// proposal collects the instruction flags of `action propose`. Flags are
// applied in a fixed order: file, transfers, owner change, threshold
// change, asserts.
type proposal struct {
	file      string
	transfers []string
	owners    []string
	threshold uint32
	asserts   []string
}

func (p *proposal) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.file, "file", "", "JSON file holding an array of instructions")
	fs.StringArrayVar(&p.transfers, "transfer", nil, "Transfer from the identity signer, as TO:AMOUNT (repeatable)")
	fs.StringSliceVar(&p.owners, "set-owners", nil, "Replace the owner roster")
	fs.Uint32Var(&p.threshold, "set-threshold", 0, "Change the approval threshold")
	fs.StringArrayVar(&p.asserts, "assert", nil, "CEL precondition over the identity signer (repeatable)")
}

func (p *proposal) build(identity address.Address) ([]multisig.Instruction, error) {
	var out []multisig.Instruction
	signer := address.SignerAddress(identity)

	if p.file != "" {
		data, err := os.ReadFile(p.file)
		if err != nil {
			return nil, err
		}
		var fromFile []multisig.Instruction
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("%s: %w", p.file, err)
		}
		out = append(out, fromFile...)
	}

	for _, t := range p.transfers {
		to, amount, ok := strings.Cut(t, ":")
		if !ok {
			return nil, fmt.Errorf("--transfer %q: want TO:AMOUNT", t)
		}
		dest, err := address.Parse(to)
		if err != nil {
			return nil, fmt.Errorf("--transfer %q: %w", t, err)
		}
		n, err := strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("--transfer %q: %w", t, err)
		}
		ins, err := transfer.Instruction(signer, dest, n)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}

	if len(p.owners) > 0 {
		roster := make([]address.Address, 0, len(p.owners))
		for _, o := range p.owners {
			a, err := address.Parse(o)
			if err != nil {
				return nil, fmt.Errorf("--set-owners: %w", err)
			}
			roster = append(roster, a)
		}
		ins, err := multisig.SetOwnersInstruction(identity, roster)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}

	if p.threshold > 0 {
		ins, err := multisig.ChangeThresholdInstruction(identity, p.threshold)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}

	for _, expr := range p.asserts {
		out = append(out, assert.Instruction(expr, signer))
	}
	return out, nil
}
