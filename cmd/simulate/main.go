package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"storefront-payments/internal/domain"
	"storefront-payments/internal/infrastructure/ledger"
	"storefront-payments/internal/infrastructure/notify"
	"storefront-payments/internal/repo"
	"storefront-payments/internal/service"
	"storefront-payments/internal/worker"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Each checkout is paid in one of these ways.
const (
	payExact     = "exact"
	payOver      = "over"
	payUnder     = "under"
	payLate      = "late"
	payMissing   = "missing"
	payDuplicate = "duplicate"
)

var scenarios = []string{payExact, payOver, payUnder, payLate, payMissing, payDuplicate}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func main() {
	orders := flag.Int("orders", 20, "number of checkouts to simulate")
	stock := flag.Int("stock", 15, "units of the single product on sale")
	verbose := flag.Bool("v", false, "log every notification")
	flag.Parse()

	ctx := context.Background()

	logger := zap.NewNop()
	if *verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			log.Fatal(err)
		}
		logger = dev
	}
	defer logger.Sync()

	clk := &clock{now: time.Now().UTC()}
	store := repo.NewMemoryStore()
	if err := store.Stock.SetStock(ctx, 1, "Sticker pack", *stock); err != nil {
		log.Fatal(err)
	}

	recorder := &notify.Recorder{}
	notifier := notify.Multi{notify.NewLogNotifier(logger), recorder}
	chain := ledger.NewFake("TON")

	registry := service.NewRegistryService(store, service.RegistryOptions{
		ReceivingAddress: "EQ-simulated-wallet",
		Currency:         "TON",
		ConversionRate:   decimal.RequireFromString("0.5"),
		MinAmount:        decimal.RequireFromString("0.01"),
		MaxAmount:        decimal.NewFromInt(1000),
		DefaultTTL:       30 * time.Minute,
		Now:              clk.Now,
	}, logger)
	finalizer := service.NewFinalizerService(store, notifier, logger, clk.Now)
	reconciler := worker.NewReconciliationWorker(store, registry, finalizer, chain, notifier, nil, logger, worker.Options{
		Interval: time.Second,
		Now:      clk.Now,
	})

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS, %d IN STOCK) ---\n", *orders, *stock)

	type placed struct {
		intent   *domain.PaymentIntent
		scenario string
	}
	var all []placed
	var late []placed

	for i := 0; i < *orders; i++ {
		scenario := scenarios[i%len(scenarios)]
		cart := domain.CartSnapshot{
			Items:    []domain.LineItem{{ProductID: 1, Name: "Sticker pack", Quantity: 1, UnitPrice: decimal.NewFromInt(4)}},
			Subtotal: decimal.NewFromInt(4),
			Total:    decimal.NewFromInt(4),
		}
		userID := int64(100 + i)
		intent, target, err := registry.CreateIntent(ctx, userID, cart, registry.Quote(cart.Total), "", 0)
		if err != nil {
			fmt.Printf("[%d] checkout rejected: %v\n", i+1, err)
			continue
		}
		fmt.Printf("[%d] %-9s %s\n", i+1, scenario, target.Display)
		all = append(all, placed{intent, scenario})

		switch scenario {
		case payExact:
			chain.Send(intent.ExpectedAmount, intent.Memo)
		case payOver:
			chain.Send(intent.ExpectedAmount.Mul(decimal.NewFromInt(2)), intent.Memo)
		case payUnder:
			chain.Send(intent.ExpectedAmount.Div(decimal.NewFromInt(2)), intent.Memo)
		case payDuplicate:
			hash := chain.Send(intent.ExpectedAmount, intent.Memo)
			chain.SendTransfer(domain.Transfer{TxHash: hash, Amount: intent.ExpectedAmount, Memo: intent.Memo})
		case payLate:
			late = append(late, placed{intent, scenario})
		}
	}

	chain.Mine(1)
	runCycle(ctx, reconciler, "first pass")

	clk.Advance(time.Hour)
	runCycle(ctx, reconciler, "after deadline")

	for _, p := range late {
		chain.Send(p.intent.ExpectedAmount, p.intent.Memo)
	}
	chain.Mine(1)
	runCycle(ctx, reconciler, "late payments")

	fmt.Println("---------------------------------------------------")
	for i, p := range all {
		fresh, err := registry.Get(ctx, p.intent.ID)
		if err != nil {
			log.Printf("lookup %s: %v", p.intent.ID, err)
			continue
		}
		detail := string(fresh.FailureReason)
		if fresh.Flagged() {
			detail += " review=" + string(fresh.ReviewReason)
		}
		fmt.Printf("[%d] %-9s -> %-8s %s\n", i+1, p.scenario, fresh.Status, detail)
	}

	orphans, err := store.Orphans.ListOrphans(ctx, 1000)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("---------------------------------------------------")
	fmt.Printf("orphaned transfers: %d\n", len(orphans))
	for _, o := range orphans {
		fmt.Printf("    %s %s %s memo=%s\n", o.Reason, o.Amount, o.Currency, o.Memo)
	}

	left, err := store.Stock.GetStock(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("notifications: settled=%d expired=%d failed=%d, stock left=%d\n",
		recorder.Count(notify.KindSettled), recorder.Count(notify.KindExpired), recorder.Count(notify.KindFailed), left)
}

func runCycle(ctx context.Context, w *worker.ReconciliationWorker, label string) {
	report, err := w.RunOnce(ctx)
	if err != nil {
		log.Printf("%s: %v", label, err)
		return
	}
	fmt.Printf("--- %s: expired=%d observed=%d settled=%d failed=%d flagged=%d orphaned=%d\n",
		label, report.Expired, report.Observed, report.Settled, report.Failed, report.Flagged, report.Orphaned)
}
