package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stockline/internal/bus"
	"stockline/internal/checks"
	"stockline/internal/config"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/handling"
	"stockline/internal/ledger"
	"stockline/internal/lock"
	"stockline/internal/migrate"
	"stockline/internal/pick"
	"stockline/internal/projection"
	"stockline/internal/rebuild"
	"stockline/internal/reservation"
	"stockline/internal/saga"
	"stockline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "stockline",
	Short: "Stockline CLI",
	Long: `Stockline is an event-sourced warehouse inventory ledger.
Every physical movement is an immutable event on a per-location stream;
balances, availability, and hard locks are read views folded from those
streams. Reservations move PENDING -> ALLOCATED -> PICKING -> CONSUMED,
upgrading a soft claim to an exclusive hard lock along the way.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("operator-id", "local-operator", "operator identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("operator-id", rootCmd.PersistentFlags().Lookup("operator-id"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(balancesCmd())
	rootCmd.AddCommand(reserveCmd())
	rootCmd.AddCommand(pickCmd())
	rootCmd.AddCommand(huCmd())
	rootCmd.AddCommand(projectionCmd())
	rootCmd.AddCommand(sagaCmd())
	rootCmd.AddCommand(checksCmd())
	rootCmd.AddCommand(serveCmd())
}

// app is the wired object graph behind every command.
type app struct {
	cfg          *config.Config
	db           *sql.DB
	log          zerolog.Logger
	store        *eventstore.Store
	locks        *lock.Coordinator
	lockSvc      lock.Service
	ledger       *ledger.Handler
	reservations *reservation.Service
	handling     *handling.Service
	bus          bus.Publisher
	memBus       *bus.MemoryPublisher
	pick         *pick.Orchestrator
	saga         *saga.Runner
	processor    *projection.Processor
	rebuilds     *rebuild.Service
	checker      *checks.Checker
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg := config.Default()
	if path := viper.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cfg)

	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}

	store := eventstore.New(conn)
	ledger.RegisterUpcasters(store.Upcasters())

	var lockSvc lock.Service
	if cfg.Locks.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Locks.Redis.Addr,
			Password: cfg.Locks.Redis.Password,
			DB:       cfg.Locks.Redis.DB,
		})
		defer client.Close()
		lockSvc = lock.NewRedisService(client)
	} else {
		lockSvc = lock.NewSQLiteService(conn)
	}
	coord := lock.NewCoordinator(lockSvc, cfg.Locks.TTL.Std())

	handler := ledger.NewHandler(conn, store, coord, log)
	handler.MaxAttempts = cfg.Ledger.MaxAttempts
	handler.Backoff = cfg.Ledger.RetryBackoff.Std()

	inline := projection.NewHardLocks()
	reservations := reservation.NewService(conn, store, inline, log)

	a := &app{
		cfg:          cfg,
		db:           conn,
		log:          log,
		store:        store,
		locks:        coord,
		lockSvc:      lockSvc,
		ledger:       handler,
		reservations: reservations,
		handling:     handling.NewService(conn, store, log),
		processor:    newProcessor(conn, store, log, cfg),
		rebuilds:     rebuild.NewService(conn, store, lockSvc, log),
		checker:      checks.NewChecker(conn, cfg.Checks.StuckReservationAfter.Std(), log),
	}

	if cfg.Bus.Backend == "kafka" {
		kp := bus.NewKafkaPublisher(cfg.Bus.Brokers, cfg.Bus.Topic)
		defer kp.Close()
		a.bus = kp
	} else {
		a.memBus = bus.NewMemoryPublisher()
		a.bus = a.memBus
	}

	a.saga = saga.NewRunner(conn, reservations, a.bus, log)
	a.saga.MaxRetries = cfg.Saga.MaxRetries
	a.saga.BaseDelay = cfg.Saga.BaseDelay.Std()
	a.saga.GrowthFactor = cfg.Saga.GrowthFactor
	a.saga.PollInterval = cfg.Saga.PollInterval.Std()
	a.pick = pick.NewOrchestrator(reservations, handler, coord, projection.HardLockQueries{DB: conn}, a.saga, a.bus, log)

	return fn(ctx, a)
}

func newProcessor(conn *sql.DB, store *eventstore.Store, log zerolog.Logger, cfg *config.Config) *projection.Processor {
	p := projection.NewProcessor(conn, store, log)
	p.BatchSize = cfg.Projections.BatchSize
	p.PollInterval = cfg.Projections.PollInterval.Std()
	return p
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Log.Env == "development" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// asyncProjections is the catch-up set. The hard-lock view is excluded:
// it is applied inline with reservation commits and replaying it from the
// feed would double-apply.
func asyncProjections() []projection.Projection {
	return []projection.Projection{
		projection.NewLocationBalances(),
		projection.NewAvailableStock(),
		projection.NewHandlingUnits(),
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				fmt.Println("schema up to date")
				return nil
			})
		},
	}
}

func recordCmd() *cobra.Command {
	var req ledger.MovementRequest
	var typ string
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a stock movement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				req.Type = domain.MovementType(strings.ToUpper(typ))
				req.OperatorID = viper.GetString("operator-id")
				m, err := a.ledger.RecordMovement(ctx, req)
				if err != nil {
					return err
				}
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				return printJSONOrTable(m, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Movement", "Type", "SKU", "Qty", "From", "To"})
					tw.AppendRow(table.Row{m.MovementID, m.Type, m.SKU, m.Quantity, m.FromLocation, m.ToLocation})
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.MovementID, "movement-id", "", "movement id (generated if empty)")
	cmd.Flags().StringVar(&req.WarehouseID, "warehouse", "", "warehouse id")
	cmd.Flags().StringVar(&req.SKU, "sku", "", "sku")
	cmd.Flags().Int64Var(&req.Quantity, "qty", 0, "quantity")
	cmd.Flags().StringVar(&req.FromLocation, "from", "", "source location")
	cmd.Flags().StringVar(&req.ToLocation, "to", "", "destination location")
	cmd.Flags().StringVar(&typ, "type", "", "RECEIPT, DISPATCH, TRANSFER, ADJUSTMENT_IN, ADJUSTMENT_OUT or PICK")
	cmd.Flags().StringVar(&req.HandlingUnitID, "hu", "", "handling unit id")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "free-form reason")
	_ = cmd.MarkFlagRequired("warehouse")
	_ = cmd.MarkFlagRequired("sku")
	_ = cmd.MarkFlagRequired("qty")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func stockCmd() *cobra.Command {
	var warehouse, location, sku string
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Show available stock for one location and sku",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				s, err := projection.AvailableQueries{DB: a.db}.Get(ctx, warehouse, location, sku)
				if err != nil {
					return err
				}
				return printJSONOrTable(s, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Warehouse", "Location", "SKU", "On hand", "Hard locked", "Available"})
					tw.AppendRow(table.Row{s.WarehouseID, s.Location, s.SKU, s.OnHandQty, s.HardLockedQty, s.AvailableQty})
				})
			})
		},
	}
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "warehouse id")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&sku, "sku", "", "sku")
	_ = cmd.MarkFlagRequired("warehouse")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("sku")
	return cmd
}

func balancesCmd() *cobra.Command {
	var warehouse string
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "List location balances in a warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				items, err := projection.BalanceQueries{DB: a.db}.List(ctx, warehouse)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Location", "SKU", "Balance"})
					for _, b := range items {
						tw.AppendRow(table.Row{b.Location, b.SKU, b.Balance})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&warehouse, "warehouse", "", "warehouse id")
	_ = cmd.MarkFlagRequired("warehouse")
	return cmd
}

func reserveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reserve", Short: "Manage reservations"}
	cmd.AddCommand(reserveCreateCmd())
	cmd.AddCommand(reserveAllocateCmd())
	cmd.AddCommand(reserveCancelCmd())
	cmd.AddCommand(reserveBumpCmd())
	cmd.AddCommand(reserveShowCmd())
	cmd.AddCommand(reserveListCmd())
	return cmd
}

// parseLine decodes warehouse:location:sku:qty.
func parseLine(s string) (domain.ReservationLine, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return domain.ReservationLine{}, fmt.Errorf("line %q: want warehouse:location:sku:qty", s)
	}
	qty, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return domain.ReservationLine{}, fmt.Errorf("line %q: bad quantity: %w", s, err)
	}
	return domain.ReservationLine{
		WarehouseID:  parts[0],
		Location:     parts[1],
		SKU:          parts[2],
		RequestedQty: qty,
	}, nil
}

func reserveCreateCmd() *cobra.Command {
	var id string
	var priority int
	var rawLines []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a reservation (PENDING, soft claim)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				lines := make([]domain.ReservationLine, 0, len(rawLines))
				for _, raw := range rawLines {
					l, err := parseLine(raw)
					if err != nil {
						return err
					}
					lines = append(lines, l)
				}
				res, err := a.reservations.Create(ctx, id, priority, lines)
				if err != nil {
					return err
				}
				return printReservation(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "reservation id (generated if empty)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, higher bumps lower")
	cmd.Flags().StringArrayVar(&rawLines, "line", nil, "line as warehouse:location:sku:qty (repeatable)")
	_ = cmd.MarkFlagRequired("line")
	return cmd
}

func reserveAllocateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate <reservation-id>",
		Short: "Allocate a PENDING reservation (soft lock)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.reservations.Allocate(ctx, args[0])
				if err != nil {
					return err
				}
				return printReservation(res)
			})
		},
	}
}

func reserveCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <reservation-id>",
		Short: "Cancel a PICKING reservation, releasing its hard lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.reservations.Cancel(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func reserveBumpCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "bump <reservation-id>",
		Short: "Displace a non-terminal reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.reservations.Bump(ctx, args[0], by)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "id of the displacing reservation")
	return cmd
}

func reserveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <reservation-id>",
		Short: "Show one reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.reservations.Repo.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printReservation(res)
			})
		},
	}
}

func reserveListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reservations by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.reservations.Repo.ListByStatus(ctx, domain.ReservationStatus(strings.ToUpper(status)))
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Status", "Lock", "Priority", "Lines"})
					for _, r := range items {
						tw.AppendRow(table.Row{r.ID, r.Status, r.LockType, r.Priority, len(r.Lines)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "PICKING", "reservation status")
	return cmd
}

func pickCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pick", Short: "Pick orchestration"}
	cmd.AddCommand(pickStartCmd())
	cmd.AddCommand(pickStockCmd())
	return cmd
}

func pickStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <reservation-id>",
		Short: "Upgrade an allocated reservation to a hard lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.pick.StartPicking(ctx, args[0])
				if err != nil {
					return err
				}
				return printReservation(res)
			})
		},
	}
}

func pickStockCmd() *cobra.Command {
	var sku, hu string
	var qty int64
	cmd := &cobra.Command{
		Use:   "stock <reservation-id>",
		Short: "Pick stock and consume the reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				result, err := a.pick.PickStock(ctx, args[0], sku, qty, viper.GetString("operator-id"), hu)
				if err != nil {
					return err
				}
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				return printJSONOrTable(result, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Status", "Movement", "Code", "Reason"})
					tw.AppendRow(table.Row{result.Status, result.MovementID, result.Code, result.Reason})
				})
			})
		},
	}
	cmd.Flags().StringVar(&sku, "sku", "", "sku to pick")
	cmd.Flags().Int64Var(&qty, "qty", 0, "quantity (defaults to the full line)")
	cmd.Flags().StringVar(&hu, "hu", "", "handling unit id")
	_ = cmd.MarkFlagRequired("sku")
	return cmd
}

func huCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "hu", Short: "Manage handling units"}
	cmd.AddCommand(huCreateCmd())
	cmd.AddCommand(huSealCmd())
	cmd.AddCommand(huSplitCmd())
	cmd.AddCommand(huMergeCmd())
	cmd.AddCommand(huShowCmd())
	cmd.AddCommand(huListCmd())
	return cmd
}

func parseHULines(raw []string) ([]domain.HandlingUnitLine, error) {
	lines := make([]domain.HandlingUnitLine, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %q: want sku:qty", s)
		}
		qty, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %q: bad quantity: %w", s, err)
		}
		lines = append(lines, domain.HandlingUnitLine{SKU: parts[0], Qty: qty})
	}
	return lines, nil
}

func huCreateCmd() *cobra.Command {
	var id, lpn, huType, location string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a handling unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				huID, err := a.handling.Create(ctx, id, lpn, huType, location)
				if err != nil {
					return err
				}
				fmt.Println(huID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "handling unit id (generated if empty)")
	cmd.Flags().StringVar(&lpn, "lpn", "", "license plate number")
	cmd.Flags().StringVar(&huType, "type", "", "unit type, e.g. PALLET")
	cmd.Flags().StringVar(&location, "location", "", "initial location")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func huSealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <hu-id>",
		Short: "Seal a handling unit, freezing its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.handling.Seal(ctx, args[0])
			})
		},
	}
}

func huSplitCmd() *cobra.Command {
	var location string
	var rawLines []string
	cmd := &cobra.Command{
		Use:   "split <hu-id>",
		Short: "Split lines off onto a new handling unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				lines, err := parseHULines(rawLines)
				if err != nil {
					return err
				}
				newID, err := a.handling.Split(ctx, args[0], location, lines)
				if err != nil {
					return err
				}
				fmt.Println(newID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location of the new unit")
	cmd.Flags().StringArrayVar(&rawLines, "line", nil, "line as sku:qty (repeatable)")
	_ = cmd.MarkFlagRequired("line")
	return cmd
}

func huMergeCmd() *cobra.Command {
	var from string
	var rawLines []string
	cmd := &cobra.Command{
		Use:   "merge <hu-id>",
		Short: "Merge another unit's lines into this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				lines, err := parseHULines(rawLines)
				if err != nil {
					return err
				}
				return a.handling.Merge(ctx, args[0], from, lines)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source handling unit id")
	cmd.Flags().StringArrayVar(&rawLines, "line", nil, "line as sku:qty (repeatable)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func huShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <hu-id>",
		Short: "Show one handling unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				hu, err := projection.HandlingUnitQueries{DB: a.db}.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(hu, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"HU", "LPN", "Status", "Location", "Lines"})
					tw.AppendRow(table.Row{hu.HUID, hu.LPN, hu.Status, hu.CurrentLocation, formatHULines(hu.Lines)})
				})
			})
		},
	}
}

func huListCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List handling units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.processor.Drain(ctx, asyncProjections()...); err != nil {
					return err
				}
				items, err := projection.HandlingUnitQueries{DB: a.db}.List(ctx, location)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"HU", "LPN", "Status", "Location", "Lines"})
					for _, hu := range items {
						tw.AppendRow(table.Row{hu.HUID, hu.LPN, hu.Status, hu.CurrentLocation, formatHULines(hu.Lines)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "filter by location")
	return cmd
}

func formatHULines(lines []domain.HandlingUnitLine) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		parts = append(parts, fmt.Sprintf("%s:%d", l.SKU, l.Qty))
	}
	return strings.Join(parts, " ")
}

func projectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "projection", Short: "Manage read-model projections"}
	cmd.AddCommand(projectionRunCmd())
	cmd.AddCommand(projectionCatchupCmd())
	cmd.AddCommand(projectionRebuildCmd())
	cmd.AddCommand(projectionVerifyCmd())
	return cmd
}

func projectionRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the asynchronous catch-up workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return projection.RunAll(ctx, a.processor, asyncProjections()...)
			})
		},
	}
}

func projectionCatchupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catchup",
		Short: "Apply all pending events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.processor.Drain(ctx, asyncProjections()...)
			})
		},
	}
}

func projectionRebuildCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "rebuild <name>",
		Short: "Replay history into a shadow table; swap only on a verified match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.rebuilds.Rebuild(ctx, args[0], verify)
				if err != nil {
					return err
				}
				return printRebuildReport(report)
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "swap the shadow in when checksums match")
	return cmd
}

func projectionVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <name>",
		Short: "Compare a projection against a full replay without swapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				report, err := a.rebuilds.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				return printRebuildReport(report)
			})
		},
	}
}

func printRebuildReport(r rebuild.Report) error {
	return printJSONOrTable(r, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Projection", "Events", "Live rows", "Shadow rows", "Match", "Swapped"})
		tw.AppendRow(table.Row{r.Projection, r.EventsProcessed, r.LiveRows, r.ShadowRows, r.Match, r.Swapped})
		for _, id := range r.OnlyLive {
			tw.AppendRow(table.Row{"only live", id})
		}
		for _, id := range r.OnlyShadow {
			tw.AppendRow(table.Row{"only shadow", id})
		}
		for _, id := range r.Differing {
			tw.AppendRow(table.Row{"differs", id})
		}
	})
}

func sagaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "saga", Short: "Deferred-consumption saga"}
	cmd.AddCommand(sagaRunCmd())
	cmd.AddCommand(sagaListCmd())
	return cmd
}

func sagaRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the retry worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.saga.Run(ctx)
			})
		},
	}
}

func sagaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saga states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.saga.List(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Reservation", "Movement", "State", "Retries", "Next attempt", "Last error"})
					for _, s := range items {
						tw.AppendRow(table.Row{s.ReservationID, s.MovementID, s.State, s.RetryCount, s.ScheduledAt.Format(time.RFC3339), s.LastError})
					}
				})
			})
		},
	}
}

func checksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checks",
		Short: "Run the consistency checks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				anomalies, err := a.checker.Run(ctx)
				if err != nil {
					return err
				}
				if len(anomalies) == 0 {
					fmt.Println("no anomalies")
					return nil
				}
				return printJSONOrTable(anomalies, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Code", "Reservation", "Location", "SKU", "Detail"})
					for _, an := range anomalies {
						tw.AppendRow(table.Row{an.Code, an.ReservationID, an.Location, an.SKU, an.Detail})
					}
				})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops listener, projection workers, saga, and checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				errCh := make(chan error, 4)
				go func() { errCh <- projection.RunAll(ctx, a.processor, asyncProjections()...) }()
				go func() { errCh <- a.saga.Run(ctx) }()
				go func() { errCh <- a.checker.RunPeriodic(ctx, a.cfg.Checks.Interval.Std()) }()
				if a.memBus != nil {
					go a.saga.Consume(ctx, a.memBus.Subscribe())
				}

				handler := server.New(server.Config{
					Available: projection.AvailableQueries{DB: a.db},
					Balances:  projection.BalanceQueries{DB: a.db},
					Units:     projection.HandlingUnitQueries{DB: a.db},
					Rebuilds:  a.rebuilds,
					Checker:   a.checker,
					Log:       a.log,
				})
				go func() { errCh <- server.Serve(ctx, addr, handler, a.log) }()
				return <-errCh
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	return cmd
}

func printReservation(r domain.Reservation) error {
	return printJSONOrTable(r, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Status", "Lock", "Priority", "Lines"})
		lines := make([]string, 0, len(r.Lines))
		for _, l := range r.Lines {
			lines = append(lines, fmt.Sprintf("%s@%s x%d", l.SKU, l.Location, l.RequestedQty))
		}
		tw.AppendRow(table.Row{r.ID, r.Status, r.LockType, r.Priority, strings.Join(lines, " ")})
	})
}

func printJSONOrTable(v any, build func(table.Writer)) error {
	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	build(tw)
	tw.Render()
	return nil
}
