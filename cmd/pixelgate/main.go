package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/pixelgate/pkg/api"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/ledger"
	"github.com/zen-systems/pixelgate/pkg/pipeline"
	"github.com/zen-systems/pixelgate/pkg/pricing"
)

var (
	configFile string
	userFlag   string
	catalog    *config.ModelCatalog
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelgate",
		Short: "Token-metered AI image generation",
		Long: `PixelGate prices image generation requests, debits the requester's token
	balance, drives the configured image provider and either stores the result
	or refunds the tokens. Every attempt is recorded in an audit trail.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (yaml or toml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(priceCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(creditCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(imagesCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			if a.cfg.Server.AdminToken == "" {
				a.log.Warn("PIXELGATE_ADMIN_TOKEN is not set, token top-ups are disabled")
			}

			srv := &http.Server{
				Addr: listen,
				Handler: api.NewServer(api.Deps{
					Coordinator: a.coordinator,
					Ledger:      a.ledger,
					Trail:       a.trail,
					Persister:   a.persister,
					Archive:     a.archive,
					Metrics:     a.metrics,
					DB:          a.db,
					AdminToken:  a.cfg.Server.AdminToken,
					Log:         a.log,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.WithField("listen", listen).Info("pixelgate listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

// requestFlags binds the generation request flags shared by generate and price.
func requestFlags(cmd *cobra.Command, req *pipeline.Request, mode *string) {
	cmd.Flags().StringVar(mode, "mode", string(pricing.ModeGenerate), "generation mode (generate, transform, variation)")
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "text prompt")
	cmd.Flags().StringVar(&req.Caption, "caption", "", "caption stored with the image")
	cmd.Flags().StringVar(&req.Style, "style", "", "style tag")
	cmd.Flags().StringVar(&req.Platform, "platform", "", "target platform tag")
	cmd.Flags().StringVar(&req.Size, "size", "", "image size, e.g. 1024x1024")
	cmd.Flags().StringVar(&req.SourceImage, "source", "", "source image reference for transform and variation")
	cmd.Flags().IntVar(&req.Count, "count", 0, "number of variations")
	cmd.Flags().StringVar(&req.TemplateID, "template-id", "", "template identifier")
	cmd.Flags().Int64Var(&req.TemplateCost, "template-cost", 0, "template cost override")
	cmd.Flags().StringVar(&req.SuggestionID, "suggestion-id", "", "suggestion identifier")
}

func generateCmd() *cobra.Command {
	var req pipeline.Request
	var mode string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation request through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userFlag == "" {
				return fmt.Errorf("--user is required")
			}
			ctx := context.Background()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			req.UserID = userFlag
			req.Mode = pricing.Mode(mode)
			res, err := a.coordinator.Generate(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.Flags().StringVar(&userFlag, "user", "", "requesting user id (required)")
	requestFlags(cmd, &req, &mode)
	return cmd
}

func priceCmd() *cobra.Command {
	var req pipeline.Request
	var mode string

	cmd := &cobra.Command{
		Use:   "price",
		Short: "Show the token cost of a request without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			m := pricing.Mode(strings.ToLower(mode))
			if !m.Valid() {
				return fmt.Errorf("unknown mode %q", mode)
			}
			size := req.Size
			if size == "" {
				size = cfg.Limits.DefaultSize
			}
			count := req.Count
			if m == pricing.ModeVariation && count == 0 {
				count = cfg.Limits.DefaultVariations
			}
			cost := pricing.NewEngine(cfg.Pricing).Price(pricing.Request{
				Mode:         m,
				Style:        req.Style,
				Platform:     req.Platform,
				Size:         size,
				Count:        count,
				TemplateCost: req.TemplateCost,
			})
			fmt.Println(cost)
			return nil
		},
	}

	requestFlags(cmd, &req, &mode)
	return cmd
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's token balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(context.Background(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			balance, err := a.ledger.BalanceOf(context.Background(), userFlag)
			if err != nil {
				return err
			}
			fmt.Println(balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (required)")
	return cmd
}

func creditCmd() *cobra.Command {
	var amount int64
	var kind string
	var description string

	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Add tokens to a user's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(context.Background(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			receipt, err := a.ledger.Credit(context.Background(), userFlag, amount, description, ledger.Kind(strings.ToUpper(kind)))
			if err != nil {
				return err
			}
			return printJSON(receipt)
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (required)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "tokens to add")
	cmd.Flags().StringVar(&kind, "kind", string(ledger.KindPurchased), "transaction kind (PURCHASED or EARNED)")
	cmd.Flags().StringVar(&description, "description", "token top-up", "transaction description")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a user's token transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(context.Background(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			txns, err := a.ledger.History(context.Background(), userFlag, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tDESCRIPTION")
			for _, tx := range txns {
				fmt.Fprintf(w, "%s\t%s\t%+d\t%s\n", tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Amount, tx.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of transactions")
	return cmd
}

func imagesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "images",
		Short: "List a user's generated images",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(context.Background(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			images, err := a.persister.List(context.Background(), userFlag, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tSOURCE\tFAV\tDOWNLOADS\tASSET")
			for _, img := range images {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
					img.ID, img.CreatedAt.Format(time.RFC3339), img.GenerationSource, img.Favorite, img.Downloads, img.AssetURL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id (required)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of images")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit [request-id]",
		Short: "Show the audit trail of a request, or a user's recent events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && userFlag == "" {
				return fmt.Errorf("a request id or --user is required")
			}
			a, err := newApp(context.Background(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			if len(args) == 1 {
				events, err := a.trail.ForRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(events)
			}
			events, err := a.trail.ForUser(ctx, userFlag, limit)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
	cmd.Flags().StringVar(&userFlag, "user", "", "user id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	return cmd
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List providers, models, and aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if resolveFlag {
				fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")
				names := make([]string, 0, len(catalog.Aliases))
				for name := range catalog.Aliases {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					model := catalog.Aliases[name]
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, model, catalog.ProviderOf(model))
				}
				return w.Flush()
			}

			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			for _, provider := range catalog.ProviderNames() {
				status := "no key"
				if cfg.HasAdapter(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, strings.Join(catalog.Providers[provider].All(), ", "), status)
			}
			fmt.Fprintf(w, "mock\tmock-1\tready\n")
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			errs := catalog.ResolveProviders(&cfg.Providers)

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			os.Stdout.Write(out)

			if len(errs) > 0 {
				fmt.Fprintf(os.Stderr, "Found %d provider errors:\n", len(errs))
				for _, err := range errs {
					fmt.Fprintf(os.Stderr, "  - %s\n", err)
				}
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	catalog, err = config.LoadCatalogFrom(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load model catalog: %w", err)
	}
	return cfg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
