package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/deemkeen/federate/delivery"
	"github.com/deemkeen/federate/util"
	"github.com/spf13/cobra"
)

var (
	accentColor = lipgloss.Color("#7ee787")
	warnColor   = lipgloss.Color("#f0b72f")
	dangerColor = lipgloss.Color("#ff7b72")
	mutedColor  = lipgloss.Color("#8b949e")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	rowStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

// adminClient talks to the admin API of a running server
type adminClient struct {
	base   string
	client *http.Client
}

func newAdminClient(addr string) (*adminClient, error) {
	if addr == "" {
		conf, err := util.ReadConf()
		if err != nil {
			return nil, err
		}
		addr = conf.Conf.AdminAddr
	}
	return &adminClient{
		base:   "http://" + addr + "/admin/federation",
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *adminClient) queue(ctx context.Context) ([]delivery.QueueReport, error) {
	var reports []delivery.QueueReport
	err := c.do(ctx, http.MethodGet, "/queue", &reports)
	return reports, err
}

func destinationPath(dest string) string {
	return "/queue/" + url.PathEscape(dest)
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the delivery queue of every destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(addr)
			if err != nil {
				return err
			}
			reports, err := client.queue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQueue(reports, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default from config)")
	return cmd
}

func skipCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "skip <destination>",
		Short: "Give up on the activity blocking a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(addr)
			if err != nil {
				return err
			}
			var res struct {
				Skipped int64 `json:"skipped"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, destinationPath(args[0])+"/skip", &res); err != nil {
				return err
			}
			if res.Skipped == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing pending\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped sequence %d\n", args[0], res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default from config)")
	return cmd
}

func reactivateCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "reactivate <destination>",
		Short: "Resume delivery to an inactive destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(addr)
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), http.MethodPost, destinationPath(args[0])+"/reactivate", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reactivated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default from config)")
	return cmd
}

func removeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "remove <destination>",
		Short: "Drop the queue and pending deliveries of a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(addr)
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), http.MethodDelete, destinationPath(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default from config)")
	return cmd
}

func renderQueue(reports []delivery.QueueReport, now time.Time) string {
	if len(reports) == 0 {
		return mutedStyle.Render("no destinations")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(mutedColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
	t.Headers("DESTINATION", "STATUS", "LAST SEQ", "FAILS", "IN FLIGHT", "NEXT RETRY")

	for _, r := range reports {
		inFlight := "-"
		if r.InFlightSequenceID != nil {
			inFlight = strconv.FormatInt(*r.InFlightSequenceID, 10)
		}
		next := "-"
		if r.NextRetry != nil {
			next = "in " + r.NextRetry.Sub(now).Round(time.Second).String()
			if !r.NextRetry.After(now) {
				next = "due"
			}
		}
		t.Row(
			r.Destination,
			queueStatus(r),
			strconv.FormatInt(r.LastSuccessfulSequenceID, 10),
			strconv.Itoa(r.FailCount),
			inFlight,
			next,
		)
	}
	return t.Render()
}

func queueStatus(r delivery.QueueReport) string {
	switch {
	case r.Inactive:
		return lipgloss.NewStyle().Foreground(dangerColor).Render("INACTIVE " + r.InactiveReason)
	case r.FailCount > 0:
		return lipgloss.NewStyle().Foreground(warnColor).Render("BACKING OFF")
	default:
		return lipgloss.NewStyle().Foreground(accentColor).Render("OK")
	}
}
