package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittovfs/pkg/files"
)

func newStatCmd(opts *globalOptions) *cobra.Command {
	var (
		depth  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "stat <uri>",
		Short: "Show metadata of a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				st, err := s.svc.ResolveFile(ctx, us[0], &files.ResolveOptions{Depth: depth})
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				printStat(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 0, "Folder levels to resolve (-1 for unbounded)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the stat as JSON")
	return cmd
}

func printStat(w io.Writer, st *files.FileStat) {
	fmt.Fprintf(w, "Resource: %s\n", st.Resource)
	fmt.Fprintf(w, "Type:     %s\n", st.Type)
	fmt.Fprintf(w, "Size:     %d\n", st.Size)
	fmt.Fprintf(w, "Modified: %s\n", st.MTime.Format(time.RFC3339))
	if !st.CTime.IsZero() {
		fmt.Fprintf(w, "Created:  %s\n", st.CTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "ETag:     %s\n", st.ETag)
	fmt.Fprintf(w, "Readonly: %t\n", st.Readonly)
	if st.Children != nil {
		fmt.Fprintf(w, "Children: %d\n", len(st.Children))
	}
}

func newLsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <uri>",
		Short: "List the children of a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				st, err := s.svc.ResolveFile(ctx, us[0], &files.ResolveOptions{Depth: 1})
				if err != nil {
					return err
				}
				if !st.IsFolder() {
					printEntries(cmd.OutOrStdout(), []*files.FileStat{st})
					return nil
				}
				printEntries(cmd.OutOrStdout(), st.Children)
				return nil
			})
		},
	}
}

func printEntries(w io.Writer, entries []*files.FileStat) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		if e.IsFolder() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Type, e.Size, e.MTime.Format(time.RFC3339), name)
	}
	_ = tw.Flush()
}

func newCatCmd(opts *globalOptions) *cobra.Command {
	var limit int64

	cmd := &cobra.Command{
		Use:   "cat <uri>",
		Short: "Stream the content of a file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				stream, err := s.svc.ResolveStreamContent(ctx, us[0], &files.ReadOptions{Limit: limit})
				if err != nil {
					return err
				}
				defer func() { _ = stream.Close() }()

				_, err = io.Copy(cmd.OutOrStdout(), stream)
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&limit, "limit", 0, "Fail when the file is larger than this many bytes (0 = no limit)")
	return cmd
}

func newPutCmd(opts *globalOptions) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "put <uri> [local-file]",
		Short: "Create a file from a local file or stdin",
		Long: `Create a file at <uri> with the content of [local-file].

Reads stdin when [local-file] is omitted or "-". Missing parent folders are
created. Fails if the file exists unless --overwrite is set.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args[0])
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 1 || args[1] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				st, err := s.svc.CreateFile(ctx, us[0], data, &files.CreateOptions{Overwrite: overwrite})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", st.Resource, st.Size)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func newMkdirCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <uri>",
		Short: "Create a folder and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				st, err := s.svc.CreateFolder(ctx, us[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), st.Resource)
				return nil
			})
		},
	}
}

func newRmCmd(opts *globalOptions) *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm <uri>",
		Short: "Delete a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				return s.svc.Delete(ctx, us[0], &files.DeleteOptions{Recursive: recursive})
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete non-empty folders")
	return cmd
}

func newMvCmd(opts *globalOptions) *cobra.Command {
	return newTransferCmd(opts, "mv", "Move a file or folder, possibly across providers", true)
}

func newCpCmd(opts *globalOptions) *cobra.Command {
	return newTransferCmd(opts, "cp", "Copy a file or folder, possibly across providers", false)
}

func newTransferCmd(opts *globalOptions, name, short string, move bool) *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   name + " <source-uri> <target-uri>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				transfer := s.svc.CopyFile
				if move {
					transfer = s.svc.MoveFile
				}
				st, err := transfer(ctx, us[0], us[1], overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", us[0], st.Resource)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing target")
	return cmd
}

func newExistsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exists <uri>",
		Short: "Print whether a resource exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				ok, err := s.svc.ExistsFile(ctx, us[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
}

func newProvidersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the configured providers and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				types := make(map[string]string, len(s.cfg.Providers))
				for _, pc := range s.cfg.Providers {
					types[pc.Scheme] = pc.Type
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SCHEME\tTYPE\tCAPABILITIES")
				for _, info := range s.svc.Providers() {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Scheme, types[info.Scheme], info.Capabilities)
				}
				return tw.Flush()
			})
		},
	}
}
