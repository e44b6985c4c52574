// Command reviewer is a terminal client for the approval authority. It
// lists held payment requests, records decisions and can watch the live
// event feed, prompting for a verdict on each new request.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/acmacalister/paygate"
)

const usage = `usage: reviewer [flags] <command> [id]

commands:
  list          show pending payment requests
  approve <id>  approve a request
  deny <id>     deny a request
  watch         stream events; with -i, prompt for each new request
`

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file")
		authority   = flag.String("authority", "", "authority URL (overrides authority.url)")
		apiKey      = flag.String("api-key", "", "API key (overrides authority.api_key)")
		interactive = flag.Bool("i", false, "prompt for a decision on each new request while watching")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := paygate.LoadConfig(*configPath)
	if err != nil {
		color.Red("load config: %v", err)
		os.Exit(1)
	}
	if *authority != "" {
		cfg.Authority.URL = *authority
	}
	if *apiKey != "" {
		cfg.Authority.APIKey = *apiKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := paygate.NewApprovalClient(cfg.ClientConfig())

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		err = list(ctx, client)
	case "approve", "deny":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = decide(ctx, client, args[1], paygate.Decision(args[0]))
	case "watch":
		err = watch(ctx, client, cfg.ClientConfig(), *interactive)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func list(ctx context.Context, client *paygate.ApprovalClient) error {
	items, err := client.Pending(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		color.Green("no pending payment requests")
		return nil
	}
	for _, it := range items {
		printRequest(it.Details)
	}
	return nil
}

func decide(ctx context.Context, client *paygate.ApprovalClient, id string, d paygate.Decision) error {
	if err := client.Decide(ctx, id, d); err != nil {
		return fmt.Errorf("%s %s: %w", d, id, err)
	}
	if d == paygate.Approve {
		color.Green("✓ approved %s", id)
	} else {
		color.Red("✗ denied %s", id)
	}
	return nil
}

func printRequest(d *paygate.Descriptor) {
	if d == nil {
		return
	}
	color.Cyan("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  id:     %s\n", color.WhiteString(d.ID))
	fmt.Printf("  time:   %s\n", d.Timestamp.Local().Format(time.DateTime))
	fmt.Printf("  method: %s\n", color.YellowString(d.Method))
	fmt.Printf("  url:    %s\n", color.WhiteString(d.URL))
	if body := d.BodyText(); body != "" {
		if len(body) > 400 {
			body = body[:400] + "..."
		}
		fmt.Printf("  body:   %s\n", body)
	}
}

func eventsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse authority url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String(), nil
}

func watch(ctx context.Context, client *paygate.ApprovalClient, cc paygate.ClientConfig, interactive bool) error {
	target, err := eventsURL(cc.BaseURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	if cc.APIKey != "" {
		header.Set(paygate.APIKeyHeader, cc.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	color.Cyan("watching %s (ctrl-c to stop)", cc.BaseURL)
	stdin := bufio.NewReader(os.Stdin)

	for {
		var ev paygate.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}

		switch ev.Type {
		case paygate.EventIntake:
			color.Yellow("\n[%s] payment request held", ev.Time.Local().Format(time.TimeOnly))
			printRequest(ev.Descriptor)
			if interactive {
				if err := prompt(ctx, client, stdin, ev.ID); err != nil {
					color.Red("  %v", err)
				}
			}
		case paygate.EventDecided:
			if ev.Decision != nil && *ev.Decision == paygate.Approve {
				color.Green("[%s] %s approved", ev.Time.Local().Format(time.TimeOnly), ev.ID)
			} else {
				color.Red("[%s] %s denied", ev.Time.Local().Format(time.TimeOnly), ev.ID)
			}
		default:
			color.White("[%s] %s %s", ev.Time.Local().Format(time.TimeOnly), ev.ID, ev.Type)
		}
	}
}

func prompt(ctx context.Context, client *paygate.ApprovalClient, stdin *bufio.Reader, id string) error {
	for {
		fmt.Print("  approve? [y/n/s(kip)] ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return decide(ctx, client, id, paygate.Approve)
		case "n", "no":
			return decide(ctx, client, id, paygate.Deny)
		case "s", "skip", "":
			return nil
		}
	}
}
