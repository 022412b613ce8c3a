package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/ai"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/app"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/registry"
)

var exampleQuestions = []string{
	"Which wallets bought the most SOL worth of tokens in the last 24 hours?",
	"What are the top 10 tokens by number of buy trades today?",
	"How much SOL did wallets in group 1 receive from sells this week?",
	"Show the last 5 trades with a USD amount above 1000",
}

// session holds the REPL scope. A wallet scope is prepended to every question
// so the generated SQL filters on the wallet column.
type session struct {
	agent  *ai.Agent
	wallet string
	out    io.Writer
}

func main() {
	queryFlag := flag.String("q", "", "ask one question about wallet trades and exit")
	modelFlag := flag.String("model", "", "OpenRouter model name (defaults to AI_MODEL)")
	walletFlag := flag.String("wallet", "", "limit questions to one tracked wallet")
	flag.Parse()

	logger := app.NewLogger("warn")
	cfg, err := app.LoadConfig(logger)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	if cfg.OpenRouterAPIKey == "" {
		logger.Fatal("OPENROUTER_API_KEY is required for the trade query agent")
	}
	if *walletFlag != "" {
		if err := registry.ValidateAddress(*walletFlag); err != nil {
			logger.WithError(err).Fatal("invalid -wallet")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := cfg.AIModel
	if *modelFlag != "" {
		model = *modelFlag
	}

	agent, err := ai.NewAgent(ctx, ai.AgentConfig{
		ClickHouseAddr:     cfg.ClickHouseAddr,
		ClickHouseDatabase: cfg.ClickHouseDatabase,
		ClickHouseUsername: cfg.ClickHouseUsername,
		ClickHousePassword: cfg.ClickHousePassword,
		OpenRouterAPIKey:   cfg.OpenRouterAPIKey,
		Model:              model,
		Logger:             logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to the trade archive")
	}
	defer agent.Close()

	s := &session{agent: agent, wallet: *walletFlag, out: os.Stdout}
	if *queryFlag != "" {
		if err := s.ask(ctx, *queryFlag); err != nil {
			logger.WithError(err).Fatal("query failed")
		}
		return
	}
	s.repl(ctx, os.Stdin)
}

func (s *session) ask(ctx context.Context, q string) error {
	if s.wallet != "" {
		q = fmt.Sprintf("Only consider trades of wallet %s. %s", s.wallet, q)
	}
	res, err := s.agent.Ask(ctx, q)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "\nSQL:\n%s\n\nAnswer:\n%s\n\n", res.SQL, res.Answer)
	return nil
}

func (s *session) repl(ctx context.Context, in io.Reader) {
	fmt.Fprintln(s.out, "Wallet trade archive, ask in plain English (SQL runs against wallet_trades).")
	fmt.Fprintln(s.out, "Commands: :wallet <address> | :wallet (clear) | :examples | empty line to exit")
	if s.wallet != "" {
		fmt.Fprintln(s.out, "scoped to wallet", s.wallet)
	}
	fmt.Fprintln(s.out)

	lines := bufio.NewScanner(in)
	for ctx.Err() == nil {
		fmt.Fprint(s.out, "trades> ")
		if !lines.Scan() {
			return
		}
		q := strings.TrimSpace(lines.Text())
		switch {
		case q == "":
			fmt.Fprintln(s.out, "bye")
			return
		case q == ":examples":
			for _, e := range exampleQuestions {
				fmt.Fprintln(s.out, " ", e)
			}
			continue
		case strings.HasPrefix(q, ":wallet"):
			s.setWallet(strings.TrimSpace(strings.TrimPrefix(q, ":wallet")))
			continue
		}

		err := s.ask(ctx, q)
		switch {
		case errors.Is(err, ai.ErrUnsafeQuery):
			fmt.Fprintln(s.out, "refused:", err)
		case err != nil:
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *session) setWallet(addr string) {
	if addr == "" {
		s.wallet = ""
		fmt.Fprintln(s.out, "wallet scope cleared")
		return
	}
	if err := registry.ValidateAddress(addr); err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	s.wallet = addr
	fmt.Fprintln(s.out, "scoped to wallet", addr)
}
