package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"limitboard/internal/domain"
	"limitboard/pkg/limitboard"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: limitboard-cli [-server URL] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                   Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  pool <kind> [date]        Show a pool (limit-up, limit-down, strong)\n")
		fmt.Fprintf(os.Stderr, "  sentiment [date]          Show the day's limit-move sentiment\n")
		fmt.Fprintf(os.Stderr, "  company <code>            Show the stored record for a ticker\n")
		fmt.Fprintf(os.Stderr, "  profile <code>            Fetch a company profile on the server\n")
		fmt.Fprintf(os.Stderr, "  export [file]             Write the record snapshot (default stdout)\n")
		fmt.Fprintf(os.Stderr, "  license <key>             Store the upstream API license\n")
		fmt.Fprintf(os.Stderr, "\n")
		flag.PrintDefaults()
	}

	defaultServer := "http://localhost:8082"
	if v := os.Getenv("LIMITBOARD_SERVER"); v != "" {
		defaultServer = v
	}
	server := flag.String("server", defaultServer, "limitboard server base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := limitboard.NewClient(*server, limitboard.Options{})

	if err := run(ctx, c, args); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, c *limitboard.Client, args []string) error {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch args[0] {
	case "version":
		fmt.Printf("limitboard-cli %s\n", version)
		return nil

	case "pool":
		kind, err := domain.ParsePoolKind(arg(1))
		if err != nil {
			return err
		}
		resp, err := c.Pool(ctx, kind, arg(2), false)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %d stocks\n", resp.Kind, resp.Date, resp.Count)
		for _, e := range resp.Entries {
			fmt.Printf("  %s  %-8s  %8.2f  %6.2f%%  streak=%d\n", e.Code, e.Name, e.Price, e.ChangePct, e.Streak)
		}
		return nil

	case "sentiment":
		s, err := c.Sentiment(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("%s: up=%d down=%d score=%d trend=%s max_streak=%d\n",
			s.Date, s.LimitUpCount, s.LimitDownCount, s.Score, s.Trend, s.MaxStreak)
		return nil

	case "company":
		if arg(1) == "" {
			return errUsage
		}
		rec, err := c.Company(ctx, arg(1))
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "profile":
		if arg(1) == "" {
			return errUsage
		}
		rec, err := c.FetchProfile(ctx, arg(1), false)
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "export":
		data, err := c.Export(ctx)
		if err != nil {
			return err
		}
		if path := arg(1); path != "" {
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", path)
			return nil
		}
		_, err = os.Stdout.Write(data)
		return err

	case "license":
		if arg(1) == "" {
			return errUsage
		}
		return c.SetLicense(ctx, arg(1))

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		return errUsage
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
