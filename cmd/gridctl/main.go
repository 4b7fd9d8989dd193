// Command gridctl inspects and controls grid engine instances through their
// status artifact, flag files, redis channel and trade journal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gridbot/config"
	"gridbot/internal/api"
	"gridbot/internal/control"
	"gridbot/internal/database"
	"gridbot/internal/status"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const usage = `usage: gridctl [-config path] [-instance id] <command> [flags]

commands:
  status   [-redis] [-json]   show the instance status
  start|stop|restart [-redis] set a control flag or publish the command
  fills    [-n 20]            list recent journaled fills
  token    [-subject s] [-ttl 1h]  issue an API bearer token
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "gridctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	global := flag.NewFlagSet("gridctl", flag.ContinueOnError)
	configPath := global.String("config", "config.json", "process config file")
	instance := global.String("instance", "", "instance id (defaults to the config's)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *instance != "" {
		cfg.InstanceConfig.ID = *instance
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "status":
		return cmdStatus(ctx, cfg, rest, out)
	case "fills":
		return cmdFills(ctx, cfg, rest, out)
	case "token":
		return cmdToken(cfg, rest, out)
	default:
		c, err := control.ParseCommand(cmd)
		if err != nil {
			global.Usage()
			return err
		}
		return cmdControl(ctx, cfg, c, rest, out)
	}
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
}

func cmdStatus(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fromRedis := fs.Bool("redis", false, "read the status published to redis")
	asJSON := fs.Bool("json", false, "print the raw payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		p   status.Payload
		err error
	)
	if *fromRedis {
		rdb := redisClient(cfg)
		defer rdb.Close()
		p, err = status.Fetch(ctx, rdb, cfg.InstanceConfig.ID)
	} else {
		w, werr := status.NewWriter(cfg.InstanceConfig.StatusDir, cfg.InstanceConfig.ID)
		if werr != nil {
			return werr
		}
		p, err = status.Read(w.Path())
	}
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}
	printStatus(out, p)
	return nil
}

func printStatus(out io.Writer, p status.Payload) {
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	rows := [][2]string{
		{"instance", p.InstanceID},
		{"run", p.RunID},
		{"updated", p.Timestamp.Format(time.RFC3339)},
		{"symbol", p.Symbol},
		{"direction", p.Direction},
		{"state", p.Health.State},
		{"stream ready", fmt.Sprintf("%t", p.Health.StreamReady)},
		{"circuit", p.Health.CircuitState},
		{"config version", fmt.Sprintf("%d (%s)", p.Config.Version, p.Config.Digest)},
		{"position", fmt.Sprintf("%.6f @ %.4f", p.Position.Amount, p.Position.EntryPrice)},
		{"stage", fmt.Sprintf("%d/%d", p.Risk.Stage, p.Risk.StageCount)},
		{"stop price", fmt.Sprintf("%.4f", p.Risk.StopPrice)},
		{"hard stop", fmt.Sprintf("%.4f", p.Risk.HardStopPrice)},
		{"equity", fmt.Sprintf("%.4f", p.Accounting.Equity)},
		{"pnl", fmt.Sprintf("%.4f", p.Accounting.PNL)},
		{"max drawdown", fmt.Sprintf("%.2f%%", p.Accounting.MaxDrawdownRatio*100)},
		{"fees", fmt.Sprintf("%.4f", p.Accounting.Fees)},
		{"bid/ask", fmt.Sprintf("%.4f / %.4f", p.Market.Bid, p.Market.Ask)},
	}
	if p.Health.LastError != "" {
		rows = append(rows, [2]string{"last error", p.Health.LastError})
	}
	if p.Exit != nil {
		rows = append(rows, [2]string{"exit", fmt.Sprintf("%s (code %d)", p.Exit.Reason, p.Exit.Code)})
	}
	for _, r := range rows {
		table.Append(r[0], r[1])
	}
	table.Render()
}

func cmdControl(ctx context.Context, cfg *config.Config, c control.Command, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(string(c), flag.ContinueOnError)
	viaRedis := fs.Bool("redis", false, "publish on the redis control channel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *viaRedis {
		rdb := redisClient(cfg)
		defer rdb.Close()
		host, _ := os.Hostname()
		if err := control.Publish(ctx, rdb, cfg.InstanceConfig.ID, c, "gridctl@"+host); err != nil {
			return fmt.Errorf("publish %s: %w", c, err)
		}
		fmt.Fprintf(out, "published %s to %s\n", c, cfg.InstanceConfig.ID)
		return nil
	}

	flags := control.NewFlags(cfg.InstanceConfig.StatusDir, cfg.InstanceConfig.ID)
	if err := flags.Set(c); err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s\n", flags.Path(c))
	return nil
}

func cmdFills(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fills", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of fills")
	if err := fs.Parse(args); err != nil {
		return err
	}

	j, err := database.Open(ctx, database.Config{
		Driver:   cfg.DatabaseConfig.Driver,
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		Path:     cfg.DatabaseConfig.Path,
	}, zerolog.Nop())
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("no journal configured")
	}
	defer j.Close()

	fills, err := j.RecentFills(ctx, cfg.InstanceConfig.ID, *n)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Time", "Side", "Order", "Price", "Qty", "Realized", "Fee", "Trade")
	for _, f := range fills {
		table.Append(
			f.Time.Format("01-02 15:04:05"),
			f.Side,
			f.OrderSide,
			fmt.Sprintf("%.4f", f.Price),
			fmt.Sprintf("%.6f", f.Quantity),
			fmt.Sprintf("%.4f", f.RealizedPNL),
			fmt.Sprintf("%.6f %s", f.Fee, f.FeeAsset),
			fmt.Sprintf("%d", f.TradeID),
		)
	}
	table.Render()
	return nil
}

func cmdToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "gridctl", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.APIConfig.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is not set")
	}
	token, err := api.IssueToken([]byte(cfg.APIConfig.JWTSecret), *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
