package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/mailroom/pkg/client"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const callTimeout = 10 * time.Second

func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mailroom: %w", err)
	}
	return c, nil
}

func registrationArg(args []string) (types.RegistrationID, error) {
	id, err := types.ParseRegistrationID(args[0])
	if err != nil {
		return id, fmt.Errorf("invalid registration id %q: %w", args[0], err)
	}
	return id, nil
}

// withClient runs fn against a connected client with a per-call timeout
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			l, err := c.Register(ctx, duration)
			if err != nil {
				return err
			}
			fmt.Println(l.RegistrationID)
			fmt.Fprintf(os.Stderr, "Lease expires at %s\n", l.Expiration.Format(time.RFC3339))
			return nil
		})
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew ID",
	Short: "Extend a registration lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		extension, _ := cmd.Flags().GetDuration("extension")
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			granted, err := c.Renew(ctx, id, extension)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Lease renewed for %s\n", granted)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Remove a registration and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			if err := c.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Println("✓ Registration canceled")
			return nil
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable ID --url URL",
	Short: "Push events of a registration to a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		url, _ := cmd.Flags().GetString("url")
		headers, _ := cmd.Flags().GetStringToString("header")

		spec := types.TargetSpec{URL: url, Headers: headers}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			if err := c.EnableDelivery(ctx, id, spec); err != nil {
				return err
			}
			fmt.Printf("✓ Push delivery enabled to %s\n", url)
			return nil
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Stop delivering events of a registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			if err := c.DisableDelivery(ctx, id); err != nil {
				return err
			}
			fmt.Println("✓ Delivery disabled")
			return nil
		})
	},
}

// eventFile is the YAML form of events accepted by notify -f
type eventFile struct {
	Events []struct {
		Source     string            `yaml:"source"`
		SeqID      uint64            `yaml:"seq_id"`
		Type       string            `yaml:"type"`
		Payload    string            `yaml:"payload"`
		Attributes map[string]string `yaml:"attributes"`
	} `yaml:"events"`
}

func readEventFile(path string) ([]*types.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var f eventFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	out := make([]*types.Event, 0, len(f.Events))
	for _, e := range f.Events {
		out = append(out, &types.Event{
			Source:     e.Source,
			SeqID:      e.SeqID,
			Type:       e.Type,
			Timestamp:  time.Now(),
			Payload:    []byte(e.Payload),
			Attributes: e.Attributes,
		})
	}
	return out, nil
}

var notifyCmd = &cobra.Command{
	Use:   "notify ID",
	Short: "Store events for a registration",
	Long: `Store one event given by flags, or every event listed in a YAML file:

  events:
    - source: orders
      seq_id: 42
      type: created
      payload: '{"order": 42}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}

		var evs []*types.Event
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			if evs, err = readEventFile(file); err != nil {
				return err
			}
		} else {
			source, _ := cmd.Flags().GetString("source")
			seq, _ := cmd.Flags().GetUint64("seq")
			typ, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			if source == "" {
				return fmt.Errorf("--source or --file is required")
			}
			evs = append(evs, &types.Event{
				Source:    source,
				SeqID:     seq,
				Type:      typ,
				Timestamp: time.Now(),
				Payload:   []byte(payload),
			})
		}

		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			for _, ev := range evs {
				if err := c.Notify(ctx, id, ev); err != nil {
					return fmt.Errorf("event %s: %w", ev.ID(), err)
				}
			}
			fmt.Printf("✓ %d event(s) stored\n", len(evs))
			return nil
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull ID",
	Short: "Pull events of a registration as JSON lines",
	Long: `Switch a registration to pull delivery and print its events as JSON
lines. Printed events are acknowledged when the next batch is fetched, and
before exiting. With --follow, keep waiting for new events until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		batch, _ := cmd.Flags().GetInt("max")
		wait, _ := cmd.Flags().GetDuration("wait")
		follow, _ := cmd.Flags().GetBool("follow")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		it, err := c.Pull(ctx, id, batch)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for {
			evs, err := it.Next(ctx, wait)
			if err != nil {
				if ctx.Err() == nil {
					return err
				}
				// Interrupted; acknowledge what was printed before leaving
				ackCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
				defer cancel()
				return it.Ack(ackCtx)
			}
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			if len(evs) == 0 && !follow {
				break
			}
		}
		return it.Ack(ctx)
	},
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			info, err := c.GetRegistration(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("ID:           %s\n", info.ID)
			fmt.Printf("Expiration:   %s\n", info.Expiration.Format(time.RFC3339))
			fmt.Printf("Mode:         %s\n", info.Mode)
			if !info.Target.IsZero() {
				fmt.Printf("Target:       %s\n", info.Target.URL)
			}
			fmt.Printf("Pending:      %d\n", info.Pending)
			fmt.Printf("Blacklisted:  %d\n", info.Blacklisted)
			fmt.Printf("Scheduled:    %v\n", info.Scheduled)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			infos, err := c.ListRegistrations(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tPENDING\tEXPIRES\tTARGET")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					info.ID, info.Mode, info.Pending,
					time.Until(info.Expiration).Round(time.Second), info.Target.URL)
			}
			return w.Flush()
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters ID",
	Short: "List dead-lettered events of a registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := registrationArg(args)
		if err != nil {
			return err
		}
		return withClient(cmd, callTimeout, func(ctx context.Context, c *client.Client) error {
			dls, err := c.ListDeadLetters(ctx, id)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tABANDONED\tCREATED\tREASON")
			for _, dl := range dls {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					dl.Event.ID(), dl.Abandoned, dl.CreatedAt.Format(time.RFC3339),
					strings.ReplaceAll(dl.Reason, "\t", " "))
			}
			return w.Flush()
		})
	},
}

func init() {
	registerCmd.Flags().Duration("duration", 0, "Requested lease (0 for the daemon default)")
	renewCmd.Flags().Duration("extension", 10*time.Minute, "Requested extension")

	enableCmd.Flags().String("url", "", "Target URL (http or https)")
	enableCmd.Flags().StringToString("header", nil, "Header sent with every delivery (key=value)")
	_ = enableCmd.MarkFlagRequired("url")

	notifyCmd.Flags().StringP("file", "f", "", "YAML file of events")
	notifyCmd.Flags().String("source", "", "Event source")
	notifyCmd.Flags().Uint64("seq", 0, "Event sequence number")
	notifyCmd.Flags().String("type", "", "Event type")
	notifyCmd.Flags().String("payload", "", "Event payload")

	pullCmd.Flags().Int("max", 100, "Maximum events per batch")
	pullCmd.Flags().Duration("wait", 5*time.Second, "How long each batch waits for new events")
	pullCmd.Flags().Bool("follow", false, "Keep pulling until interrupted")

	rootCmd.AddCommand(registerCmd, renewCmd, cancelCmd, enableCmd, disableCmd,
		notifyCmd, pullCmd, getCmd, listCmd, deadLettersCmd)
}
