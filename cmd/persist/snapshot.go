package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KevoDB/persist/pkg/client"
	"github.com/KevoDB/persist/pkg/snapshot"
)

func addRemoteFlags(flags *pflag.FlagSet) {
	flags.String("endpoint", "", "snapshot through a persist server instead of --file")
	flags.Bool("tls", false, "enable TLS for --endpoint")
	flags.String("cert", "", "client certificate file")
	flags.String("key", "", "client private key file")
	flags.String("ca", "", "CA certificate file")
}

// target opens either a client to --endpoint or a session on --file. The
// returned func releases it.
func (a *app) target(ctx context.Context, cmd *cobra.Command) (snapshot.Target, func() error, error) {
	if endpoint := a.v.GetString("endpoint"); endpoint != "" {
		opts := client.DefaultClientOptions()
		opts.Endpoint = endpoint
		opts.TLSEnabled = a.v.GetBool("tls")
		opts.CertFile = a.v.GetString("cert")
		opts.KeyFile = a.v.GetString("key")
		opts.CAFile = a.v.GetString("ca")
		c, err := client.NewClient(opts)
		if err != nil {
			return nil, nil, err
		}
		if err := c.Connect(ctx); err != nil {
			c.Close()
			return nil, nil, err
		}
		return c, c.Close, nil
	}

	sess, err := a.openSession(ctx, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return sess.svc, sess.Close, nil
}

func (a *app) exportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every live entry to a snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			out := a.v.GetString("out")
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			codec, err := snapshot.ParseCodec(a.v.GetString("codec"))
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			src, release, err := a.target(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := release(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create snapshot file: %w", err)
			}
			header, count, err := snapshot.Export(ctx, src, f, codec)
			if err != nil {
				f.Close()
				os.Remove(out)
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to close snapshot file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s (snapshot %s, %s)\n",
				count, out, header.ID, header.Codec)
			return nil
		},
	}
	cmd.Flags().String("out", "", "snapshot file to write")
	cmd.Flags().String("codec", snapshot.CodecZstd.String(), "compression: none, zstd or snappy")
	addRemoteFlags(cmd.Flags())
	return cmd
}

func (a *app) importCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a snapshot file into an empty LUN",
		Long: `import writes every entry of a snapshot into a LUN that holds no entries.
Entries get new IDs; the old to new mapping is printed with --verbose.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			in := a.v.GetString("in")
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("failed to open snapshot file: %w", err)
			}
			defer f.Close()

			ctx := commandContext(cmd)
			dst, release, err := a.target(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := release(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			ids, err := snapshot.Import(ctx, dst, f)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Imported %d entries from %s\n", len(ids), in)
			if a.v.GetBool("verbose") {
				for old, id := range ids {
					fmt.Fprintf(w, "  %s -> %s\n", old, id)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("in", "", "snapshot file to read")
	cmd.Flags().BoolP("verbose", "v", false, "print the entry ID mapping")
	addRemoteFlags(cmd.Flags())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
