package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/sig"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 identity",
		Long: `Generate a fresh ed25519 key pair and the user id derived from it.

The private key is printed in standard base64; keep it out of shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := sig.GenerateKey()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to generate key", err)
			}
			return rootOpts.formatter(cmd).Success(kp, "", func(w io.Writer) {
				fmt.Fprintf(w, "id:          %s\n", kp.ID)
				fmt.Fprintf(w, "public key:  %s\n", kp.PublicKey)
				fmt.Fprintf(w, "private key: %s\n", kp.PrivateKey)
			})
		},
	}
}

type hashResult struct {
	Name     op.Name `json:"name"`
	Message  string  `json:"message"`
	Key      string  `json:"key"`
	Declared string  `json:"declared,omitempty"`
	Matches  bool    `json:"matches"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <operation.json>",
		Short: "Print the canonical message and content key of an operation",
		Long: `Print the canonical message of an operation and the content key derived
from it, and report whether the key declared in the record matches.

A Link ContextId must be in plaintext form. Use - to read from stdin.

Example:
  trustops hash ./add-connection.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := readOperation(cmd, args[0])
			if err != nil {
				return err
			}
			msg, err := op.Message(o)
			if err != nil {
				return reportOperationError(rootOpts.formatter(cmd), "cannot build message", err)
			}
			res := hashResult{
				Name:     o.Name(),
				Message:  msg,
				Key:      op.Hash(msg),
				Declared: o.Key,
			}
			res.Matches = res.Declared == res.Key
			return rootOpts.formatter(cmd).Success(res, "", func(w io.Writer) {
				fmt.Fprintf(w, "message: %s\n", res.Message)
				fmt.Fprintf(w, "key:     %s\n", res.Key)
				if res.Declared != "" && !res.Matches {
					fmt.Fprintf(w, "declared key %s does not match\n", res.Declared)
				}
			})
		},
	}
}

// SignOptions holds flags for the sign command.
type SignOptions struct {
	*RootOptions
	KeyFile string
	Field   string
	Output  string
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sign <operation.json>",
		Short: "Sign an operation and set its content key",
		Long: `Sign the canonical message of an operation with a private key, store the
signature in a signature field and set the hash attribute.

Without --field the first empty signature field is filled, so a dual
signed operation is signed by running the command twice with each key.
The private key is read from --key-file, or from TRUSTOPS_PRIVATE_KEY.

Example:
  trustops sign --key-file alice.key ./add-connection.json -o signed.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return signOperation(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the base64 private key")
	cmd.Flags().StringVar(&opts.Field, "field", "", "signature field to fill (sig, sig1, sig2)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the signed record here instead of stdout")

	return cmd
}

func signOperation(opts *SignOptions, path string, cmd *cobra.Command) error {
	privateKey, err := readPrivateKey(opts.KeyFile)
	if err != nil {
		return err
	}
	o, err := readOperation(cmd, path)
	if err != nil {
		return err
	}
	f := opts.formatter(cmd)

	msg, err := op.Message(o)
	if err != nil {
		return reportOperationError(f, "cannot build message", err)
	}
	field := opts.Field
	if field == "" {
		field, err = firstUnsigned(o)
		if err != nil {
			return reportOperationError(f, "cannot pick a signature field", err)
		}
	}

	signature, err := sig.Sign(privateKey, msg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to sign", err)
	}
	if err := op.SetSignature(o, field, signature); err != nil {
		return reportOperationError(f, "cannot set signature", err)
	}
	o.Key = op.Hash(msg)

	data, err := op.EncodeRecord(o)
	if err != nil {
		return reportOperationError(f, "cannot encode operation", err)
	}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, append(data, '\n'), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	return f.Success(o, "", func(w io.Writer) {
		if opts.Output != "" {
			fmt.Fprintf(w, "signed %s (%s) into %s\n", o.Name(), field, opts.Output)
			return
		}
		fmt.Fprintf(w, "%s\n", data)
	})
}

func readPrivateKey(path string) (string, error) {
	if path == "" {
		if k := os.Getenv("TRUSTOPS_PRIVATE_KEY"); k != "" {
			return k, nil
		}
		return "", NewExitError(ExitCommandError, "no private key: use --key-file or TRUSTOPS_PRIVATE_KEY")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read key file", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func firstUnsigned(o *op.Operation) (string, error) {
	signers, err := op.Signers(o)
	if err != nil {
		return "", err
	}
	for _, s := range signers {
		if s.Signature == "" {
			return s.Field, nil
		}
	}
	return "", op.NewError(op.CodeInvalidOperation, "%s is already fully signed; pass --field to replace a signature", o.Name())
}
