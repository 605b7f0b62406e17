package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report stream health from the running gateway, or from the store with --local",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if local {
				return runLocalHealth(cmd)
			}
			return runGatewayHealth(cmd)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "read health directly from the database")
	return cmd
}

func runLocalHealth(cmd *cobra.Command) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		h, err := a.consumer.Health(ctx)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), h)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pending: %d\ndead letters: %d\n", h.PendingDepth, h.DeadLetterDepth)
		for _, p := range h.Partitions {
			fmt.Fprintf(out, "  %s: %d pending, lag %dms\n", p.Key, p.Pending, p.LagMs)
		}
		return nil
	})
}

func runGatewayHealth(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := healthURL(cfg.Gateway.BindAddr)

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	out := cmd.OutOrStdout()
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = io.WriteString(out, "\n")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: gateway returned %s", resp.Status)
	}
	return nil
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
