package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"trailguard/internal/bus"
	"trailguard/internal/config"
	"trailguard/internal/domain"
	"trailguard/internal/store"
	"trailguard/internal/util"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: trailguard-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  kill-switch          Close all positions and cancel open orders\n")
	fmt.Fprintf(os.Stderr, "  trailing-stop-buy    Submit a trailing stop buy\n")
	fmt.Fprintf(os.Stderr, "  trailing-stop-sell   Submit a trailing stop sell\n")
	fmt.Fprintf(os.Stderr, "  positions            List cached positions\n")
	fmt.Fprintf(os.Stderr, "  orders               List recent orders\n")
	fmt.Fprintf(os.Stderr, "  fills                List recent fills, or one archived day with -day\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfgPath := "config/trailguard.yaml"
	if p := os.Getenv("TRAILGUARD_CONFIG"); p != "" {
		cfgPath = p
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("trailguard-cli %s\n", version)
		return
	}

	cfg, err := config.LoadClient(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "kill-switch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		reason := fs.String("reason", "manual", "reason recorded with the command")
		fs.Parse(args)
		publish(ctx, cfg, logger, domain.NewCommand(domain.CommandKillSwitch, cfg.ProfileID,
			map[string]any{"reason": *reason}))

	case "trailing-stop-buy", "trailing-stop-sell":
		typ := domain.CommandTrailingStopBuy
		if cmd == "trailing-stop-sell" {
			typ = domain.CommandTrailingStopSell
		}
		payload, err := trailingPayload(cmd, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			os.Exit(2)
		}
		publish(ctx, cfg, logger, domain.NewCommand(typ, cfg.ProfileID, payload))

	case "positions", "orders", "fills":
		if err := show(ctx, cfg, cmd, args); err != nil {
			log.Fatalf("%s: %v", cmd, err)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func trailingPayload(cmd string, args []string) (map[string]any, error) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	symbol := fs.String("symbol", "", "ticker symbol")
	qty := fs.String("qty", "", "quantity (sell defaults to the held position)")
	trail := fs.String("trail", "", "trail percent (defaults to config)")
	clientID := fs.String("client-order-id", "", "client order id")
	extended := fs.Bool("extended-hours", false, "allow extended hours execution")
	fs.Parse(args)

	if strings.TrimSpace(*symbol) == "" {
		return nil, fmt.Errorf("-symbol is required")
	}
	payload := map[string]any{
		"symbol":         strings.ToUpper(strings.TrimSpace(*symbol)),
		"extended_hours": *extended,
	}
	for key, raw := range map[string]string{"qty": *qty, "trail_percent": *trail} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || !d.IsPositive() {
			return nil, fmt.Errorf("invalid %s %q", key, raw)
		}
		payload[key] = d.String()
	}
	if *clientID != "" {
		payload["client_order_id"] = *clientID
	}
	return payload, nil
}

func publish(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd domain.Command) {
	var (
		cb  bus.CommandBus
		err error
	)
	switch cfg.Bus.Kind {
	case config.BusGRPC:
		cb, err = bus.NewGRPCClient(cfg.Bus.GRPCAddr, logger)
	case config.BusMemory:
		log.Fatalf("bus kind %q is in-process only; use sqlite or grpc", cfg.Bus.Kind)
	default:
		cb, err = bus.NewSQLiteBus(cfg.BusSQLitePath(), "", cfg.Bus.PollInterval(), logger)
	}
	if err != nil {
		log.Fatalf("opening command bus: %v", err)
	}
	defer cb.Close()

	if err := cb.Publish(ctx, cmd); err != nil {
		log.Fatalf("publishing %s: %v", cmd.Type, err)
	}
	fmt.Printf("published %s command_id=%s profile=%s\n", cmd.Type, cmd.ID, cmd.ProfileID)
}

func show(ctx context.Context, cfg *config.Config, what string, args []string) error {
	fs := flag.NewFlagSet(what, flag.ExitOnError)
	limit := fs.Int("limit", store.DefaultListLimit, "maximum rows")
	day := fs.String("day", "", "archived day (YYYY-MM-DD), fills only")
	fs.Parse(args)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if what == "fills" && *day != "" {
		if cfg.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is not set")
		}
		d, err := time.Parse("2006-01-02", *day)
		if err != nil {
			return fmt.Errorf("parsing -day: %w", err)
		}
		fills, err := store.NewFillArchive(cfg.Storage.DataDir).Read(cfg.ProfileID, d)
		if err != nil {
			return err
		}
		printFills(w, fills)
		return nil
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch what {
	case "positions":
		positions, err := st.ListPositions(ctx, cfg.ProfileID)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "SYMBOL\tSIDE\tQTY\tAVG ENTRY\tMARKET VALUE")
		for _, p := range positions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Symbol, p.Side, p.Qty, p.AvgEntryPrice, p.MarketValue)
		}
	case "orders":
		orders, err := st.ListOrders(ctx, cfg.ProfileID, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tTYPE\tSTATUS\tQTY\tCLIENT ID")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				o.ID, o.Symbol, o.Side, o.Type, o.Status, decString(o.Qty), o.ClientOrderID)
		}
	case "fills":
		fills, err := st.ListFills(ctx, cfg.ProfileID, *limit)
		if err != nil {
			return err
		}
		printFills(w, fills)
	}
	return nil
}

func printFills(w *tabwriter.Writer, fills []domain.Fill) {
	fmt.Fprintln(w, "ORDER ID\tSYMBOL\tSIDE\tQTY\tPRICE\tFILLED AT")
	for _, f := range fills {
		at := "-"
		if f.FilledAt != nil {
			at = f.FilledAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", f.OrderID, f.Symbol, f.Side, f.Qty, decString(f.Price), at)
	}
}

func decString(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
