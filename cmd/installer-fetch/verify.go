package main

import (
	"github.com/spf13/cobra"

	"github.com/vertextoedge/installer-fetch/internal/chunklist"
)

func newVerifyCmd() *cobra.Command {
	var hashAlgo string

	cmd := &cobra.Command{
		Use:   "verify FILE CHUNKLIST",
		Short: "Verify a file against its chunklist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, manifest := args[0], args[1]

			header, chunks, err := chunklist.ReadAll(manifest)
			if err != nil {
				state.metrics.ObserveVerification(err)
				state.renderer.Failure("%s: %v", manifest, err)
				return err
			}
			state.renderer.Detail("%d chunks, signature method %d", len(chunks), header.SignatureMethod)

			err = chunklist.Verify(file, manifest)
			state.metrics.ObserveVerification(err)
			if err != nil {
				state.renderer.Failure("%s: %v", file, err)
				return err
			}
			state.renderer.Success("%s verified", file)

			if hashAlgo != "" {
				sum, err := chunklist.FileDigest(file, hashAlgo)
				if err != nil {
					return err
				}
				state.renderer.Info("%s %s", hashAlgo, sum)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&hashAlgo, "hash", "", "Also print the file digest (sha256, sha1, md5)")
	return cmd
}
