package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"poseidon-go/internal/output"
)

var (
	dumpPath  string
	dumpLimit int
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print rawlog records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(cmd.OutOrStdout(), dumpPath, dumpLimit)
	},
}

func init() {
	dumpCmd.Flags().StringVar(&dumpPath, "path", "", "Path to rawlog .bin file")
	dumpCmd.Flags().IntVar(&dumpLimit, "limit", 1, "Number of records to dump (0 for all)")
	_ = dumpCmd.MarkFlagRequired("path")
	rootCmd.AddCommand(dumpCmd)
}

func runDump(w io.Writer, path string, limit int) error {
	r, err := output.OpenRawLog(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for count := 0; limit <= 0 || count < limit; count++ {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			logger.Warn("dump: CBOR decode error", "record", rec.Index, "err", err)
			continue
		}
		pretty, err := json.MarshalIndent(map[string]any{
			"record":    rec.Index,
			"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
			"size":      len(rec.Payload),
			"payload":   output.NormalizeJSONValue(decoded),
		}, "", "  ")
		if err != nil {
			logger.Warn("dump: JSON encode error", "record", rec.Index, "err", err)
			continue
		}
		fmt.Fprintln(w, string(pretty))
	}
	return nil
}
