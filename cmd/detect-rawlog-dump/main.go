package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"detect-stream-go/internal/output"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:          "detect-rawlog-dump",
		Short:        "Print the records of a detection log as JSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" && len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("path is required")
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrap(err, "open rawlog")
			}
			defer f.Close()
			return dump(f, cmd.OutOrStdout(), cmd.ErrOrStderr(), limit)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to a detection log .bin file")
	cmd.Flags().IntVar(&limit, "limit", 1, "Number of records to dump (0 for all)")
	return cmd
}

func dump(r io.Reader, out io.Writer, diag io.Writer, limit int) error {
	reader, err := output.NewRawLogReader(r)
	if err != nil {
		return err
	}
	for count := 0; limit <= 0 || count < limit; count++ {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read record")
		}
		if len(entry.Payload) == 0 {
			fmt.Fprintf(diag, "record %d: empty payload\n", count)
			continue
		}

		var decoded any
		if err := cbor.Unmarshal(entry.Payload, &decoded); err != nil {
			fmt.Fprintf(diag, "record %d: CBOR decode error: %v\n", count, err)
			continue
		}
		pretty, err := json.MarshalIndent(output.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			fmt.Fprintf(diag, "record %d: JSON encode error: %v\n", count, err)
			continue
		}
		fmt.Fprintf(diag, "record %d timestamp=%s size=%d\n", count, entry.Written.Format(time.RFC3339Nano), len(entry.Payload))
		fmt.Fprintln(out, string(pretty))
	}
	return nil
}
