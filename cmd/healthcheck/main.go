package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"genproxy/internal/bootstrap"
	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

func main() {
	var (
		userFlag    string
		tokenFlag   string
		serversFlag string
		timeoutFlag time.Duration
	)
	flag.StringVar(&userFlag, "user", "", "user ID whose token and captcha key are used (UUID)")
	flag.StringVar(&tokenFlag, "token", "", "explicit backend token, overrides the stored one")
	flag.StringVar(&serversFlag, "servers", "", "comma separated servers to probe (defaults to SERVER_POOL)")
	flag.DurationVar(&timeoutFlag, "timeout", 3*time.Minute, "overall sweep timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	if err := cfg.Validate(); err != nil {
		exitWithError(err)
	}
	userID := strings.TrimSpace(userFlag)
	if userID == "" && strings.TrimSpace(tokenFlag) == "" {
		exitWithError(fmt.Errorf("either -user or -token must be provided"))
	}

	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "healthcheck").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		exitWithError(err)
	}
	defer pool.Close()

	services, err := bootstrap.New(ctx, cfg, &logger, infra.NewSQLRunner(pool, logger), nil)
	if err != nil {
		exitWithError(err)
	}
	defer services.Close()

	caller := domain.Caller{ID: userID, Username: "healthcheck", Role: domain.UserRoleAdmin, Local: cfg.LocalMode}
	servers := services.Selector.Pool()
	if serversFlag != "" {
		servers = servers[:0]
		for _, raw := range strings.Split(serversFlag, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				servers = append(servers, services.Selector.Endpoint(raw))
			}
		}
	}
	if len(servers) == 0 {
		exitWithError(fmt.Errorf("no servers to probe"))
	}

	results := services.Health.Sweep(ctx, caller, servers, strings.TrimSpace(tokenFlag))

	failed := 0
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTATUS\tTIER\tLATENCY\tDETAIL")
	for _, res := range results {
		status, detail := "ok", ""
		if !res.OK {
			failed++
			status = string(res.Kind)
			if res.Err != nil {
				detail = res.Err.Error()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Server, status, res.Tier, res.Latency.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d servers failed\n", failed, len(results))
		os.Exit(1)
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
