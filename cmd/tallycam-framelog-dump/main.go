// Command tallycam-framelog-dump prints the records of a frame log and can
// extract the recorded images.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"tallycam/internal/framelog"
	"tallycam/internal/types"
)

func main() {
	var (
		path    string
		limit   int
		extract string
	)
	cmd := &cobra.Command{
		Use:          "tallycam-framelog-dump --path FILE",
		Short:        "Dump a frame log",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dump(cmd.OutOrStdout(), path, limit, extract)
		},
	}
	f := cmd.Flags()
	f.StringVar(&path, "path", "", "frame log file")
	f.IntVar(&limit, "limit", 1, "number of records to dump (0 = all)")
	f.StringVar(&extract, "extract", "", "also write each frame's image into this directory")
	_ = cmd.MarkFlagRequired("path")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func dump(out io.Writer, path string, limit int, extract string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := framelog.NewReader(f)
	if err != nil {
		return err
	}
	if extract != "" {
		if err := os.MkdirAll(extract, 0o755); err != nil {
			return err
		}
	}

	for n := 0; limit <= 0 || n < limit; n++ {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", n, err)
		}
		fmt.Fprintf(out, "record %d at=%s size=%d\n", n, rec.At.Format(time.RFC3339Nano), len(rec.Payload))

		var decoded any
		if err := cbor.Unmarshal(rec.Payload, &decoded); err != nil {
			fmt.Fprintf(out, "  CBOR decode error: %v\n", err)
			continue
		}
		pretty, err := json.MarshalIndent(framelog.NormalizeJSONValue(decoded), "", "  ")
		if err != nil {
			fmt.Fprintf(out, "  JSON encode error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, string(pretty))

		if extract != "" {
			if err := extractImage(extract, rec.Payload); err != nil {
				fmt.Fprintf(out, "  extract: %v\n", err)
			}
		}
	}
	return nil
}

func extractImage(dir string, payload []byte) error {
	var msg types.FrameMessage
	if err := cbor.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if msg.Type != types.MessageFrame || len(msg.Data) == 0 {
		return fmt.Errorf("not a frame message")
	}
	format := msg.Format
	if format == "" {
		format = "bin"
	}
	name := filepath.Join(dir, fmt.Sprintf("%08d.%s", msg.Seq, format))
	return os.WriteFile(name, msg.Data, 0o644)
}
