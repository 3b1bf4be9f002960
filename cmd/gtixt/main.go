package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gtixt/provenance/internal/evidence"
	"github.com/gtixt/provenance/internal/hashchain"
	"github.com/gtixt/provenance/internal/signer"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the flags shared by every subcommand.
type cli struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "gtixt",
		Short: "GTIXT provenance toolkit",
		Long: `gtixt works with GTIXT provenance data offline: it generates signing keys,
hashes evidence, signs snapshots, extracts Merkle proofs and verifies
published bundles.

Key material is read from --key or --trusted files, or from
GTIXT_ECDSA_PRIVATE_KEY / GTIXT_ECDSA_PUBLIC_KEY.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.cfgFile != "" {
				c.v.SetConfigFile(c.cfgFile)
			} else {
				home, _ := os.UserHomeDir()
				c.v.AddConfigPath(home + "/.gtixt")
				c.v.SetConfigName("config")
				c.v.SetConfigType("yaml")
			}
			c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			c.v.AutomaticEnv()
			_ = c.v.BindEnv("signing.private_key", "GTIXT_ECDSA_PRIVATE_KEY")
			_ = c.v.BindEnv("signing.public_key", "GTIXT_ECDSA_PUBLIC_KEY")
			if err := c.v.ReadInConfig(); err != nil && c.cfgFile != "" {
				return fmt.Errorf("read config: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ~/.gtixt/config.yaml)")

	root.AddCommand(
		c.keygenCmd(),
		c.hashCmd(),
		c.snapshotCmd(),
		c.proveCmd(),
		c.verifyCmd(),
		c.checkCmd(),
		c.pullCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gtixt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "gtixt %s\n", version)
			return err
		},
	}
}

// ── keygen ───────────────────────────────────────────────────────────────────

func (c *cli) keygenCmd() *cobra.Command {
	var (
		alg    string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a snapshot signing key pair",
		Long: `Generate an ECDSA key pair for snapshot signing.

With --out the pair is written to <dir>/signing.key (mode 0600) and
<dir>/signing.pub; otherwise both PEM blocks are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signer.GenerateKey(signer.Algorithm(alg))
			if err != nil {
				return err
			}
			privPEM, err := signer.MarshalPrivateKeyPEM(key)
			if err != nil {
				return err
			}
			pubPEM, err := signer.MarshalPublicKeyPEM(&key.PublicKey)
			if err != nil {
				return err
			}
			fp, err := signer.Fingerprint(&key.PublicKey)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outDir == "" {
				if _, err := out.Write(append(privPEM, pubPEM...)); err != nil {
					return err
				}
			} else {
				if err := os.MkdirAll(outDir, 0o700); err != nil {
					return err
				}
				if err := os.WriteFile(outDir+"/signing.key", privPEM, 0o600); err != nil {
					return err
				}
				if err := os.WriteFile(outDir+"/signing.pub", pubPEM, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "algorithm:   %s\nfingerprint: %s\n", alg, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", string(signer.AlgSecp256k1), "signature scheme: "+string(signer.AlgSecp256k1)+" or "+string(signer.AlgP256))
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write signing.key and signing.pub into")
	return cmd
}

// ── hash ─────────────────────────────────────────────────────────────────────

func (c *cli) hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <evidence.json>",
		Short: "Print the canonical evidence hash of an item",
		Long:  `Reads one evidence item ("-" for stdin) and prints its canonical SHA-256.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var it evidence.Item
			if err := readJSON(cmd, args[0], &it); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), hashchain.HashEvidence(&it))
			return err
		},
	}
}

// ── shared helpers ───────────────────────────────────────────────────────────

// readJSON decodes path, or stdin when path is "-".
func readJSON(cmd *cobra.Command, path string, v any) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// keyMaterial returns the file contents when path is set and the configured
// value for key otherwise.
func (c *cli) keyMaterial(path, key string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	v := c.v.GetString(key)
	if v == "" {
		return nil, fmt.Errorf("%s: %w", key, signer.ErrMissingKey)
	}
	return []byte(v), nil
}

// keyring builds a keyring from the given public key files, falling back to
// the configured public key.
func (c *cli) keyring(paths []string) (*signer.Keyring, error) {
	var material [][]byte
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		material = append(material, b)
	}
	if len(material) == 0 {
		b, err := c.keyMaterial("", "signing.public_key")
		if err != nil {
			return nil, err
		}
		material = append(material, b)
	}
	keys, err := signer.NewKeyring()
	if err != nil {
		return nil, err
	}
	for i, m := range material {
		pub, err := signer.ParsePublicKey(m)
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if _, err := keys.Add(pub); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
