package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentline/internal/engine"
	"agentline/internal/logging"
	"agentline/internal/mcpserver"
	"agentline/internal/otelhelper"
	"agentline/internal/server"
)

func serveCmd() *cobra.Command {
	var devAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Serves the versioned API for every organization in the workspace database.
Callers authenticate with a bearer token ('al token') or an API key ('al apikey create').`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := currentSettings()
			if s.JWTSecret == "" && !devAuth {
				return fmt.Errorf("AGENTLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			shutdownTracing, err := otelhelper.Setup(ctx, "agentline", s.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(flushCtx)
			}()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				logger := logging.WithModule("server")
				handler, err := server.New(server.Config{
					Engine:         e,
					BasePath:       s.BasePath,
					Auth:           server.AuthConfig{JWTSecret: s.JWTSecret, AllowUserHeader: devAuth},
					AllowedOrigins: s.AllowedOrigins,
					Logger:         logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e)
				srv := &http.Server{
					Addr:              s.Addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
					BaseContext:       func(net.Listener) context.Context { return ctx },
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving", "addr", s.Addr, "base_path", s.BasePath, "dev_auth", devAuth)
				fmt.Printf("Serving Agentline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", s.Addr, s.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP endpoint for traces")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "trust X-User-Id headers and enable /auth/dev/login (local development only)")
	bindSettings(cmd, "addr", "base-path", "jwt-secret", "allowed-origins", "otlp-endpoint")
	return cmd
}

func mcpCmd() *cobra.Command {
	var transport, addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve preview and execute tools over the Model Context Protocol",
		Long:  "Tools act as --user in the resolved organization. stdio suits local agents; sse serves HTTP clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withOrg(ctx, func(ctx context.Context, e engine.Engine, sc scope) error {
				s := mcpserver.New(e, sc.OrgID, sc.UserID)
				switch transport {
				case "stdio":
					return s.ServeStdio()
				case "sse":
					sse := s.NewSSEServer("http://" + addr)
					go func() {
						<-ctx.Done()
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = sse.Shutdown(shutdownCtx)
					}()
					logging.WithModule("mcp").Info("serving sse", "addr", addr, "organization_id", sc.OrgID)
					if err := sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				default:
					return fmt.Errorf("unknown transport %q (stdio or sse)", transport)
				}
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "stdio or sse")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address for sse")
	return cmd
}
