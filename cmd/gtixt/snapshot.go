package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gtixt/provenance/internal/client"
	"github.com/gtixt/provenance/internal/merkle"
	"github.com/gtixt/provenance/internal/signer"
	"github.com/gtixt/provenance/internal/snapshot"
	"github.com/gtixt/provenance/internal/verify"
)

// errInvalid is returned when a verification ran and failed.
var errInvalid = errors.New("verification failed")

// ── snapshot ─────────────────────────────────────────────────────────────────

func (c *cli) snapshotCmd() *cobra.Command {
	var (
		keyPath  string
		signerID string
		previous string
		minFirms int
	)
	cmd := &cobra.Command{
		Use:   "snapshot <request.json>",
		Short: "Build and sign a snapshot bundle from committed evidence",
		Long: `Reads a snapshot request (firms, pillars and their committed evidence),
builds the hash hierarchy and Merkle tree, signs the dataset commitment and
prints the bundle.

Use --previous with the last published bundle to chain the new snapshot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			material, err := c.keyMaterial(keyPath, "signing.private_key")
			if err != nil {
				return err
			}
			sg, err := signer.NewFromPEM(material, signerID)
			if err != nil {
				return err
			}

			var req snapshot.Request
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}
			req.Previous = nil
			if previous != "" {
				var prev snapshot.Bundle
				if err := readJSON(cmd, previous, &prev); err != nil {
					return err
				}
				req.Previous = prev.Commitment
			}

			gen, err := snapshot.NewGenerator(sg, snapshot.Config{MinFirms: minFirms}, nil)
			if err != nil {
				return err
			}
			b, err := gen.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "snapshot %s: %d firms, root %s, signed by %s\n",
				b.Commitment.SnapshotID, b.Commitment.FirmCount, b.Commitment.MerkleRoot, sg.Fingerprint())
			return writeJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "private key PEM file (default GTIXT_ECDSA_PRIVATE_KEY)")
	cmd.Flags().StringVar(&signerID, "signer-id", "gtixt-snapshot-signer", "signer identity recorded in the signature")
	cmd.Flags().StringVar(&previous, "previous", "", "previous bundle to chain to")
	cmd.Flags().IntVar(&minFirms, "min-firms", 1, "refuse to sign with fewer firms")
	return cmd
}

// ── prove ────────────────────────────────────────────────────────────────────

func (c *cli) proveCmd() *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "prove <bundle.json> <firm-id>",
		Short: "Extract a firm's Merkle inclusion proof from a bundle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b snapshot.Bundle
			if err := readJSON(cmd, args[0], &b); err != nil {
				return err
			}
			p, err := b.Proof(args[1])
			if err != nil {
				return err
			}
			if !compact {
				return writeJSON(cmd.OutOrStdout(), p)
			}
			s, err := merkle.EncodeProof(p)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s)
			return err
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "print the compact single-line encoding")
	return cmd
}

// ── verify ───────────────────────────────────────────────────────────────────

func (c *cli) verifyCmd() *cobra.Command {
	var (
		trusted  []string
		previous string
	)
	cmd := &cobra.Command{
		Use:   "verify <bundle.json>",
		Short: "Verify a published snapshot bundle end to end",
		Long: `Recomputes every evidence, pillar and firm hash, rebuilds the Merkle tree,
checks the commitment and its signature against the trusted keys and, with
--previous, the link to the preceding snapshot. Exits non-zero when any
check fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := c.keyring(trusted)
			if err != nil {
				return err
			}
			var b snapshot.Bundle
			if err := readJSON(cmd, args[0], &b); err != nil {
				return err
			}
			rep := b.Verify(keys)
			if previous != "" {
				var prev snapshot.Bundle
				if err := readJSON(cmd, previous, &prev); err != nil {
					return err
				}
				if err := snapshot.VerifyChain(b.Commitment, prev.Commitment); err != nil {
					rep.Valid = false
					rep.Problems = append(rep.Problems, err.Error())
				}
			}
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Valid {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&trusted, "trusted", nil, "trusted public key PEM files (default GTIXT_ECDSA_PUBLIC_KEY)")
	cmd.Flags().StringVar(&previous, "previous", "", "preceding bundle whose commitment must be linked")
	return cmd
}

// ── check ────────────────────────────────────────────────────────────────────

func (c *cli) checkCmd() *cobra.Command {
	var (
		trusted []string
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check <request.json>",
		Short: "Run a provenance verification request",
		Long: `Runs a verification request of the form

  {"type": "evidence|pillar|firm|dataset|merkle_proof|signature|bundle",
   "claimed_hash": "...", "supporting_data": {...}}

locally, or against a provenanced instance with --server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req verify.Request
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}

			var (
				res *verify.Result
				err error
			)
			if server != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				var api *client.Client
				if api, err = client.New(server); err != nil {
					return err
				}
				res, err = api.Verify(ctx, req)
			} else {
				var keys *signer.Keyring
				if req.Type == verify.TypeSignature || req.Type == verify.TypeBundle {
					if keys, err = c.keyring(trusted); err != nil {
						return err
					}
				}
				res, err = verify.New(keys, nil).Verify(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&trusted, "trusted", nil, "trusted public key PEM files for signature checks")
	cmd.Flags().StringVar(&server, "server", "", "provenanced base URL, e.g. http://localhost:8080")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout for --server")
	return cmd
}

// ── pull ─────────────────────────────────────────────────────────────────────

func (c *cli) pullCmd() *cobra.Command {
	var (
		server  string
		trusted []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pull <snapshot-id|latest>",
		Short: "Download a published bundle and verify it locally",
		Long: `Fetches a snapshot bundle from a provenanced instance, verifies it against
the locally trusted keys and prints it. The server's own verdict is not
consulted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := c.keyring(trusted)
			if err != nil {
				return err
			}
			api, err := client.New(server)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			b, err := api.Snapshot(ctx, args[0])
			if err != nil {
				return err
			}
			if rep := b.Verify(keys); !rep.Valid {
				_ = writeJSON(cmd.ErrOrStderr(), rep)
				return errInvalid
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "snapshot %s verified: %d firms, commitment %s\n",
				b.Commitment.SnapshotID, b.Commitment.FirmCount, b.Commitment.CommitmentHash)
			return writeJSON(cmd.OutOrStdout(), b)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "provenanced base URL")
	cmd.Flags().StringSliceVar(&trusted, "trusted", nil, "trusted public key PEM files (default GTIXT_ECDSA_PUBLIC_KEY)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
