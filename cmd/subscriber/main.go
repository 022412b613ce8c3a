package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/app"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/models"
	"github.com/aman-zulfiqar/solana-pnl-tracker/internal/retry"
)

// Example consumer of the live transaction feed. Reconnects with backoff when
// the API goes away.
func main() {
	apiURL := flag.String("api", "http://localhost:8090", "API base URL")
	groupID := flag.Int64("group", 0, "only follow one wallet group")
	flag.Parse()

	logger := app.NewLogger("info")
	app.LoadEnv(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := strings.TrimRight(*apiURL, "/") + "/v1/transactions/stream"
	if *groupID > 0 {
		url = fmt.Sprintf("%s?groupId=%d", url, *groupID)
	}

	policy := retry.Policy{
		MaxAttempts: 1 << 20,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		OnRetry: func(err error, wait time.Duration) {
			logger.WithError(err).WithField("wait", wait).Warn("stream dropped, reconnecting")
		},
	}

	logger.WithField("url", url).Info("subscriber running, press Ctrl+C to stop")
	err := policy.Do(ctx, func(ctx context.Context) error {
		return follow(ctx, url, os.Getenv("API_KEY"), logger)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("subscriber failed")
	}
	logger.Info("subscriber stopped")
}

func follow(ctx context.Context, url, apiKey string, logger *logrus.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return retry.Permanent(errors.New("unauthorized, check API_KEY"))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	logger.WithField("subscriber", resp.Header.Get("X-Subscriber-Id")).Info("connected")

	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 64*1024), 1024*1024)
	for lines.Scan() {
		var tx models.Transaction
		if err := json.Unmarshal(lines.Bytes(), &tx); err != nil {
			logger.WithError(err).Warn("skipping malformed line")
			continue
		}
		printTx(logger, &tx)
	}
	if err := lines.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

func printTx(logger *logrus.Logger, tx *models.Transaction) {
	symbols := make([]string, 0, len(tx.Operations))
	for _, op := range tx.Operations {
		s := op.Mint
		if op.Token != nil && !op.Token.IsUnknown() {
			s = op.Token.Symbol
		}
		symbols = append(symbols, fmt.Sprintf("%s %s", op.Amount.String(), s))
	}
	fields := logrus.Fields{
		"wallet":    tx.WalletAddress,
		"signature": tx.Signature,
		"sol":       tx.SolAmount.String(),
		"tokens":    strings.Join(symbols, ", "),
	}
	if tx.USDAmount != nil {
		fields["usd"] = tx.USDAmount.StringFixed(2)
	}
	logger.WithFields(fields).Info(string(tx.Type))
}
