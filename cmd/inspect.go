package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/sideband/pkg/sideband"
)

// CreateInspectCmd creates the inspect command.
func CreateInspectCmd() *cobra.Command {
	var (
		socket string
		output string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Validate and print a sideband descriptor",
		Long: `Reads a marshaled native handle from a file (or stdin with "-"), or fetches one from a descriptor ` +
			`socket with --socket, then validates it and prints its fields. With --output the handle is also ` +
			`written in its binary form, e.g. to capture a fixture from a running producer.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var (
				h   *sideband.NativeHandle
				err error
			)
			switch {
			case socket != "":
				ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
				h, err = fetchDescriptor(ctx, socket)
				cancel()
				if err == nil {
					defer func() { _ = closeDescriptorFds(h) }()
				}
			case len(args) == 1:
				h, err = readDescriptor(c.InOrStdin(), args[0])
			default:
				return errors.New("pass a descriptor file or --socket")
			}
			if err != nil {
				return err
			}

			if output != "" {
				if err := writeDescriptor(output, h); err != nil {
					return err
				}
			}

			report := inspect(h)
			if asJSON {
				enc := json.NewEncoder(c.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(c.OutOrStdout(), report)
			}
			if !report.Valid {
				return fmt.Errorf("invalid descriptor: %s", report.Error)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Fetch the descriptor from this Unix socket")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write the handle to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

// descriptorReport is the result of inspecting one handle.
type descriptorReport struct {
	Valid       bool    `json:"valid"`
	Error       string  `json:"error,omitempty"`
	Status      string  `json:"status,omitempty"`
	Version     int32   `json:"version"`
	NumFds      int32   `json:"num_fds"`
	NumInts     int32   `json:"num_ints"`
	HandleID    int32   `json:"handle_id"`
	PID         int32   `json:"pid,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	ColorFormat string  `json:"color_format,omitempty"`
	Compressed  bool    `json:"compressed,omitempty"`
	BufferCount int     `json:"buffer_count,omitempty"`
	QueueDepth  int     `json:"queue_depth,omitempty"`
	BufferSize  int     `json:"buffer_size,omitempty"`
	Fds         []int32 `json:"fds,omitempty"`
}

func readDescriptor(stdin io.Reader, path string) (*sideband.NativeHandle, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	h := &sideband.NativeHandle{}
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

func writeDescriptor(path string, h *sideband.NativeHandle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := h.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func inspect(h *sideband.NativeHandle) descriptorReport {
	r := descriptorReport{Version: h.Version, NumFds: h.NumFds, NumInts: h.NumInts}
	d, err := sideband.DecodeDescriptor(h)
	if err != nil {
		r.Error = err.Error()
		r.Status = sideband.StatusOf(err).String()
		return r
	}
	r.Valid = true
	r.HandleID = d.ID
	r.PID = d.PID
	r.Width, r.Height = d.Width, d.Height
	r.ColorFormat = d.ColorFormat.String()
	r.Compressed = d.CompressedUsage != 0
	r.BufferCount = d.BufferCount
	r.QueueDepth = d.QueueDepth
	r.BufferSize = d.BufferSize()
	r.Fds = append([]int32(nil), h.Fds()...)
	return r
}

func printReport(w io.Writer, r descriptorReport) {
	if !r.Valid {
		fmt.Fprintf(w, "invalid: %s (%s)\n", r.Error, r.Status)
		fmt.Fprintf(w, "header:  version=%d fds=%d ints=%d\n", r.Version, r.NumFds, r.NumInts)
		return
	}
	fmt.Fprintf(w, "handle:  id=%d pid=%d\n", r.HandleID, r.PID)
	fmt.Fprintf(w, "header:  version=%d fds=%d ints=%d\n", r.Version, r.NumFds, r.NumInts)
	fmt.Fprintf(w, "buffers: %dx%d %s compressed=%t count=%d depth=%d size=%d\n",
		r.Width, r.Height, r.ColorFormat, r.Compressed, r.BufferCount, r.QueueDepth, r.BufferSize)
	fmt.Fprintf(w, "fds:     %v\n", r.Fds)
}
