package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TEENet-io/btc-multisig/common"
	"github.com/TEENet-io/btc-multisig/keyvault"
	"github.com/TEENet-io/btc-multisig/walleterr"
)

type globalFlags struct {
	File  string // bundle path
	Chain string // mainnet|testnet|regtest
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "backup_cmd",
		Short:         "Inspect and decrypt multisig wallet key backup bundles offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.File, "file", "f", "", "path of the exported bundle (required)")
	root.PersistentFlags().StringVar(&flags.Chain, "chain", common.CHAIN_TESTNET, "network of the wallet address: mainnet|testnet|regtest")
	_ = root.MarkPersistentFlagRequired("file")

	root.AddCommand(newInspectCmd(flags), newDecryptCmd(flags))
	return root
}

func loadBundle(path string) (*keyvault.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return keyvault.ParseBundle(data)
}

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print a summary of a bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBundle(flags.File)
			if err != nil {
				return err
			}
			params, err := common.ChainParams(flags.Chain)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, b.String())
			fmt.Fprintf(out, "name:    %s\n", b.WalletName)
			fmt.Fprintf(out, "created: %s\n", b.Created)
			if addr := b.WalletConfig.Address; addr != "" {
				valid := common.IsValidBtcAddress(addr, params)
				fmt.Fprintf(out, "address: %s (valid on %s: %t)\n", addr, params.Name, valid)
			}
			for i := range b.EncryptedKeys {
				k := &b.EncryptedKeys[i]
				ivSource := "wallet"
				if k.IV != "" {
					ivSource = "own"
				}
				fmt.Fprintf(out, "  #%d %s owner=%q iv=%s\n",
					k.Index, common.Shorten(k.PublicKey, 8), k.OwnerName, ivSource)
			}
			return nil
		},
	}
}

func newDecryptCmd(flags *globalFlags) *cobra.Command {
	var (
		showSecrets   bool
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt every key of a bundle and check it against its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBundle(flags.File)
			if err != nil {
				return err
			}

			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}

			secrets, err := keyvault.DecryptBundle(b, password)
			if err != nil && !walleterr.Is(err, walleterr.PartialFailure) {
				return err
			}

			out := cmd.OutOrStdout()
			for _, s := range secrets {
				switch {
				case s.Err != nil:
					fmt.Fprintf(out, "  #%d %s FAILED\n", s.Index, common.Shorten(s.PublicKey, 8))
				case showSecrets:
					fmt.Fprintf(out, "  #%d %s matches=%t secret=%s\n", s.Index, common.Shorten(s.PublicKey, 8), s.Matches, s.Secret)
				default:
					fmt.Fprintf(out, "  #%d %s matches=%t\n", s.Index, common.Shorten(s.PublicKey, 8), s.Matches)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print the decrypted private keys")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from the first line of stdin")
	return cmd
}

// readPassword prompts on the terminal without echo, or reads one line
// of stdin when asked to or when stdin is not a terminal.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	f, isFile := in.(*os.File)
	if !fromStdin && isFile && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Enter backup password: ")
		defer fmt.Fprintln(cmd.ErrOrStderr())

		raw, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		defer clear(raw)
		if len(raw) == 0 {
			return "", errors.New("password cannot be empty")
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password cannot be empty")
	}
	return line, nil
}
