package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/api"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/gateway"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the local stand-in backend (development)",
	Long: `Serve a local stand-in for the conversational backend, for development
and tests only. It keeps documents in memory and answers with keyword matches.

It is not part of the normal path: upload, docs and chat always talk to
backend.base_url and never start this server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}
		return serveBackend(cmd.Context(), fmt.Sprintf("127.0.0.1:%d", port))
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve chats and documents over MCP (stdio transport)",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Chat:     a.chat,
			Docs:     a.docs,
			Uploader: a.uploader,
			Remote:   a.gw,
		})
		slog.Info("MCP server started (stdio transport)", "backend", a.gw.BaseURL())

		stdioSrv := server.NewStdioServer(mcpSrv)
		if err := stdioSrv.Listen(cmd.Context(), os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend reachability and local state",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		showStatus(cmd.Context(), a)
		return nil
	}),
}

func init() {
	backendCmd.Flags().Int("port", 0, "listen port (default: server.port)")
}

func serveBackend(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewBackend().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		printStep("Stand-in backend listening on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(errOut, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

const statusProbeTimeout = 2 * time.Second

func showStatus(ctx context.Context, a *app) {
	probeCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	infos, err := a.gw.ListDocuments(probeCtx, gateway.ListOptions{End: 100})
	var re *gateway.RequestError
	switch {
	case err == nil:
		printStatus("Backend", "reachable at %s", a.gw.BaseURL())
		printStatus("Remote docs", "%s", countLabel(len(infos), 100))
	case errors.As(err, &re):
		printStatus("Backend", "error at %s (%v)", a.gw.BaseURL(), re)
	default:
		printStatus("Backend", "not reachable at %s", a.gw.BaseURL())
	}

	s, _ := a.chat.Active()
	printStatus("Mode", "%s", a.chat.Mode())
	printStatus("Chats", "%d (active: %s)", len(a.chat.Sessions()), s.Title)
	printStatus("Documents", "%d uploaded, %d active", len(a.docs.History()), len(a.docs.ActiveIDs()))
	if versions, err := a.store.AppliedMigrations(); err == nil {
		printStatus("Schema", "v%d", lastVersion(versions))
	}
	if keys, err := a.store.Keys(); err == nil {
		printStatus("Stored keys", "%d", len(keys))
	}
	printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
}

func lastVersion(versions []int) int {
	if len(versions) == 0 {
		return 0
	}
	return versions[len(versions)-1]
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
