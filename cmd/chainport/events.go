package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chainport/chainport-go/pkg/log"
)

type eventsOptions struct {
	connID    string
	scheme    string
	layer     string
	direction string
	format    string
}

func eventsCmd() *cobra.Command {
	var opts eventsOptions

	cmd := &cobra.Command{
		Use:   "events FILE",
		Short: "Print a protocol log file",
		Long: `Print the events of a CBOR protocol log written with --protocol-log.

Examples:
  chainport events session.clog
  chainport events --layer websocket --direction in session.clog
  chainport events --conn-id 3f2a9c1e --format jsonl session.clog`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			return runEvents(args[0], filter, opts.format, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.connID, "conn-id", "", "Only events of this connection ID")
	cmd.Flags().StringVar(&opts.scheme, "scheme", "", "Only events of this registry scheme")
	cmd.Flags().StringVar(&opts.layer, "layer", "", "Only events of this layer (tcp, tls, proxy, websocket)")
	cmd.Flags().StringVar(&opts.direction, "direction", "", "Only events in this direction (in, out)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format (text, jsonl)")

	return cmd
}

func (o eventsOptions) filter() (log.Filter, error) {
	f := log.Filter{ConnectionID: o.connID, Scheme: o.scheme}
	if o.layer != "" {
		l, ok := log.ParseLayer(strings.ToUpper(o.layer))
		if !ok {
			return f, fmt.Errorf("invalid layer %q (valid: tcp, tls, proxy, websocket)", o.layer)
		}
		f.Layer = &l
	}
	if o.direction != "" {
		var d log.Direction
		switch strings.ToLower(o.direction) {
		case "in":
			d = log.DirectionIn
		case "out":
			d = log.DirectionOut
		default:
			return f, fmt.Errorf("invalid direction %q (valid: in, out)", o.direction)
		}
		f.Direction = &d
	}
	return f, nil
}

func runEvents(path string, filter log.Filter, format string, w io.Writer) error {
	var write func(log.Event) error
	switch format {
	case "text":
		write = func(e log.Event) error {
			formatEvent(w, e)
			return nil
		}
	case "jsonl":
		enc := json.NewEncoder(w)
		write = func(e log.Event) error { return enc.Encode(e) }
	default:
		return fmt.Errorf("unsupported format %q (valid: text, jsonl)", format)
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := write(event); err != nil {
			return err
		}
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
	case event.StateChange != nil:
		typeLabel = "State"
	case event.ControlMsg != nil:
		typeLabel = event.ControlMsg.Type.String()
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, shortenConnID(event.ConnectionID),
		event.Direction.String(), event.Layer.String(), typeLabel)
	if event.Scheme != "" {
		fmt.Fprintf(w, " (%s)", event.Scheme)
	}
	fmt.Fprintln(w)

	switch {
	case event.Frame != nil:
		f := event.Frame
		fmt.Fprintf(w, "  Opcode: %#x  Fin: %t  Masked: %t  Length: %d\n", f.Opcode, f.Fin, f.Masked, f.PayloadLen)
		if len(f.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(f.Data))
			if f.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case event.StateChange != nil:
		sc := event.StateChange
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case event.ControlMsg != nil:
		if event.ControlMsg.CloseCode != nil {
			fmt.Fprintf(w, "  Code: %d\n", *event.ControlMsg.CloseCode)
		}
	case event.Error != nil:
		e := event.Error
		fmt.Fprintf(w, "  Message: %s\n", e.Message)
		if e.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Context)
		}
		if e.Code != nil {
			fmt.Fprintf(w, "  Code: %d\n", *e.Code)
		}
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}

	fmt.Fprintln(w)
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
