package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	allocationapp "github.com/erp/stockalloc/internal/application/allocation"
	"github.com/erp/stockalloc/internal/bootstrap"
	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"github.com/erp/stockalloc/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		configPath string
		logLevel   string
		policy     string
		asOf       string
	)

	flag.StringVar(&configPath, "config", "", "Path to config.toml (default: search . and /etc/stockalloc)")
	flag.StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flag.StringVar(&policy, "policy", "", "Allocation policy for plan and check (default: configured policy)")
	flag.StringVar(&asOf, "as-of", "", "Exclude lots expired by this date, YYYY-MM-DD (default: today)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     "stderr",
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start allocation engine", zap.Error(err))
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			log.Error("Error closing allocation engine", zap.Error(err))
		}
	}()

	asOfTime := time.Now().UTC()
	if asOf != "" {
		if asOfTime, err = time.Parse(dateLayout, asOf); err != nil {
			log.Fatal("Invalid -as-of date", zap.String("value", asOf))
		}
	}

	if err := run(ctx, engine, args, allocation.PolicyType(policy), asOfTime); err != nil {
		log.Error("Command failed",
			zap.String("command", args[0]),
			zap.String("code", shared.ErrorCode(err)),
			zap.Error(err),
		)
		os.Exit(1)
	}
}

func run(ctx context.Context, engine *bootstrap.Engine, args []string, policy allocation.PolicyType, asOf time.Time) error {
	switch args[0] {
	case "plan", "check":
		if len(args) < 4 {
			return fmt.Errorf("usage: %s <item> <location> <quantity>", args[0])
		}
		qty, err := decimal.NewFromString(args[3])
		if err != nil {
			return fmt.Errorf("invalid quantity %q: %w", args[3], err)
		}
		req := allocation.AllocationRequest{
			ItemID:         args[1],
			LocationID:     args[2],
			QuantityNeeded: qty,
			Policy:         policy,
			AsOf:           asOf,
		}
		if args[0] == "check" {
			if err := engine.Allocation.CheckAvailability(ctx, req); err != nil {
				return err
			}
			fmt.Println("available")
			return nil
		}
		plan, err := engine.Allocation.Plan(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(plan)

	case "expiring":
		if len(args) < 4 {
			return fmt.Errorf("usage: expiring <item> <location> <days>")
		}
		days, err := strconv.Atoi(args[3])
		if err != nil || days <= 0 {
			return fmt.Errorf("invalid day count %q", args[3])
		}
		lots, err := engine.Allocation.ExpiringLots(ctx, args[1], args[2], asOf, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		return printJSON(lots)

	case "commit":
		return runCommit(ctx, engine, args[1:], policy, asOf)

	case "records":
		if len(args) < 2 {
			return fmt.Errorf("usage: records <transaction-id>")
		}
		txID, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid transaction id %q: %w", args[1], err)
		}
		records, err := engine.Commits.FindByTransaction(ctx, txID)
		if err != nil {
			return err
		}
		return printJSON(records)

	case "tax-rate":
		return runTaxRate(ctx, engine, args[1:])

	case "lot-add":
		return runLotAdd(ctx, engine, args[1:])

	case "policies":
		type policyInfo struct {
			Type        string `json:"type"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Default     bool   `json:"default"`
		}
		var out []policyInfo
		for _, t := range engine.Policies.List() {
			p, err := engine.Policies.Get(t)
			if err != nil {
				return err
			}
			out = append(out, policyInfo{
				Type:        t.String(),
				Name:        p.Name(),
				Description: p.Description(),
				Default:     t == engine.Policies.Default(),
			})
		}
		return printJSON(out)

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runTaxRate(ctx context.Context, engine *bootstrap.Engine, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: tax-rate get|set|delete <item> [percent]")
	}
	item := args[1]

	switch args[0] {
	case "get":
		rate, found, err := engine.TaxRates.GetRate(ctx, item)
		if err != nil {
			return err
		}
		if !found {
			return &shared.MissingTaxRateError{ItemID: item}
		}
		fmt.Println(rate.String())
		return nil
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: tax-rate set <item> <percent>")
		}
		rate, err := decimal.NewFromString(args[2])
		if err != nil {
			return fmt.Errorf("invalid rate %q: %w", args[2], err)
		}
		return engine.SetTaxRate(ctx, item, rate)
	case "delete":
		return engine.DeleteTaxRate(ctx, item)
	default:
		return fmt.Errorf("unknown tax-rate command %q", args[0])
	}
}

// runCommit plans and commits one or more lines under a single transaction:
// <type> <item>:<location>:<qty>... [partial]
func runCommit(ctx context.Context, engine *bootstrap.Engine, args []string, policy allocation.PolicyType, asOf time.Time) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: commit <type> <item>:<location>:<qty>... [partial]")
	}
	cmd := allocationapp.CommitCommand{TransactionType: allocation.TransactionType(strings.ToUpper(args[0]))}
	for _, arg := range args[1:] {
		if arg == "partial" {
			cmd.AllowPartial = true
			continue
		}
		parts := strings.Split(arg, ":")
		if len(parts) != 3 {
			return fmt.Errorf("invalid line %q, want item:location:qty", arg)
		}
		qty, err := decimal.NewFromString(parts[2])
		if err != nil {
			return fmt.Errorf("invalid quantity in %q: %w", arg, err)
		}
		cmd.Requests = append(cmd.Requests, allocation.AllocationRequest{
			ItemID:         parts[0],
			LocationID:     parts[1],
			QuantityNeeded: qty,
			Policy:         policy,
			AsOf:           asOf,
		})
	}

	outcome, err := engine.Allocation.Commit(ctx, cmd)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

// runLotAdd registers a lot: <id> <item> <location> <lot-number> <quantity> <unit-cost> <intake-seq> [expiry]
func runLotAdd(ctx context.Context, engine *bootstrap.Engine, args []string) error {
	if len(args) < 7 {
		return fmt.Errorf("usage: lot-add <id> <item> <location> <lot-number> <quantity> <unit-cost> <intake-seq> [expiry YYYY-MM-DD]")
	}
	qty, err := decimal.NewFromString(args[4])
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", args[4], err)
	}
	cost, err := decimal.NewFromString(args[5])
	if err != nil {
		return fmt.Errorf("invalid unit cost %q: %w", args[5], err)
	}
	seq, err := strconv.ParseInt(args[6], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid intake sequence %q: %w", args[6], err)
	}

	lot := allocation.Lot{
		ID:                args[0],
		ItemID:            args[1],
		LocationID:        args[2],
		LotNumber:         args[3],
		QuantityRemaining: qty,
		UnitCost:          cost,
		IntakeSequence:    seq,
	}
	if len(args) > 7 {
		expiry, err := time.Parse(dateLayout, args[7])
		if err != nil {
			return fmt.Errorf("invalid expiry %q: %w", args[7], err)
		}
		lot.Expiry = &expiry
	}
	return engine.Lots.Create(ctx, lot)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	fmt.Println(`Stock allocation operator tool

Usage:
  stockalloc [flags] <command> [arguments]

Commands:
  plan <item> <location> <qty>        Build an allocation plan without committing it
  check <item> <location> <qty>       Fail with the deficit if stock cannot cover qty
  expiring <item> <location> <days>   List lots expiring within days
  tax-rate get|set|delete <item> [%]  Maintain item tax rates
  lot-add <id> <item> <location> <lot-number> <qty> <unit-cost> <intake-seq> [expiry]
                                      Register a lot
  policies                            List registered lot ordering policies
  commit <type> <item>:<loc>:<qty>... [partial]
                                      Plan and commit lines as one transaction
  records <transaction-id>            Show the lot records committed by a transaction

Flags:
  -config string      Path to config.toml
  -log-level string   Log level override
  -policy string      FEFO, FIFO or MANUAL (default: allocation.default_policy)
  -as-of string       Reference date for expiry, YYYY-MM-DD (default: today)

Examples:
  stockalloc plan oil wh-1 60
  stockalloc -policy FIFO check salt wh-2 12.5
  stockalloc tax-rate set bread 0`)
}
