package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketline/internal/app"
	"marketline/internal/auth"
	"marketline/internal/book"
	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/engine"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/logging"
	"marketline/internal/repo"
	"marketline/internal/server"
	"marketline/internal/wallet"
	booksdk "marketline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Marketline CLI",
	Long: `Marketline creates, signs and trades compute marketplace orders.
- Orders: apporder, datasetorder and workerpoolorder sell resources; requestorder buys executions.
- Templates: 'ml order init' writes editable drafts into the workspace database.
- Signing: orders are hashed with EIP-712 for the chain's hub and signed with your wallet.
- Book: signed orders are published to an off-chain order book, keyed by hash.
- Fill: one order of each kind is matched on-chain into a deal.
- Serve: 'ml serve' runs a local order book for development.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MARKETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("chain", "", "chain name or id (defaults to the config default)")
	flags.String("log-format", logging.FormatPlain, "log format: plain or json")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("keystore", "", "encrypted wallet file")
	flags.String("password", "", "wallet password")
	flags.String("key", "", "raw private key (prefer MARKETLINE_KEY)")
	flags.Bool("simulate", false, "settle against an in-memory ledger instead of the chain")
	for _, name := range []string{"workspace", "json", "chain", "log-format", "log-level", "keystore", "password", "key", "simulate"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() (zerolog.Logger, error) {
	return logging.New(viper.GetString("log-format"), viper.GetString("log-level"), os.Stderr)
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default marketline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// loadSigner returns nil when no wallet is configured.
func loadSigner() (*wallet.KeySigner, error) {
	if key := viper.GetString("key"); key != "" {
		return wallet.FromHex(key)
	}
	if path := viper.GetString("keystore"); path != "" {
		return wallet.LoadKeystore(path, viper.GetString("password"))
	}
	return nil, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	actx, err := app.Resolve(workspace, viper.GetString("chain"))
	if err != nil {
		return err
	}
	dom, err := actx.Domain()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	conn, err := app.OpenDB(workspace, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	signer, err := loadSigner()
	if err != nil {
		return err
	}
	e := engine.Engine{
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Context: actx,
		Domain:  dom,
		Log:     log,
	}
	if signer != nil {
		e.Signer = signer
	}
	e.Book = booksdk.New(actx.Chain.Book)
	e.Book.Log = log

	if viper.GetBool("simulate") {
		mem := ledger.NewMemory(dom)
		for _, kind := range []domain.Kind{domain.KindApp, domain.KindDataset, domain.KindWorkerpool} {
			if addr, ok := actx.Deployed(kind); ok {
				mem.Deploy(kind, addr)
			}
		}
		e.Ledger = mem
		log.Info().Msg("using the in-memory ledger")
	} else {
		cfg := ledger.EthConfig{Endpoint: actx.Chain.Host, ChainID: dom.ChainID, Hub: dom.VerifyingContract, Log: log}
		if signer != nil {
			cfg.Signer = signer
		}
		eth, err := ledger.DialEth(ctx, cfg)
		if err != nil {
			return err
		}
		defer eth.Close()
		e.Ledger = eth
	}
	return fn(ctx, e)
}

func serveCmd() *cobra.Command {
	var addr string
	var dev bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local order book",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			actx, err := app.Resolve(workspace, viper.GetString("chain"))
			if err != nil {
				return err
			}
			dom, err := actx.Domain()
			if err != nil {
				return err
			}
			log, err := newLogger()
			if err != nil {
				return err
			}
			conn, err := app.OpenDB(workspace, "book.db")
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			handler, err := server.New(server.Config{
				Book: book.Service{Repo: r, Events: events.Writer{DB: conn}, Domain: dom},
				Auth: auth.Service{Repo: r, TTL: ttl},
				Log:  log,
				Dev:  dev,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving the %s order book on http://%s (OpenAPI at /openapi.json, docs at /docs, metrics at /metrics)\n", actx.Chain.Name, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3000", "listen address")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable development routes (POST /dev/deals)")
	cmd.Flags().DurationVar(&ttl, "challenge-ttl", auth.DefaultTTL, "lifetime of authentication challenges")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the order journal"}
	var n int
	var hash string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			actx, err := app.Resolve(workspace, viper.GetString("chain"))
			if err != nil {
				return err
			}
			conn, err := app.OpenDB(workspace, "")
			if err != nil {
				return err
			}
			defer conn.Close()
			items, err := events.Writer{DB: conn}.List(cmd.Context(), actx.Chain.ID, hash, n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Type", "Kind", "Order", "Actor"})
			for _, evt := range items {
				tw.AppendRow(table.Row{evt.TS, evt.Type, evt.Kind, evt.OrderHash, evt.Actor})
			}
			tw.Render()
			return nil
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&hash, "hash", "", "only events of this order hash")
	lg.AddCommand(tail)
	return lg
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
