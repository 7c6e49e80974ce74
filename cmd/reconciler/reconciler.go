package reconciler

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
	"statereconciler/src/database"
	"statereconciler/src/locks"
	"statereconciler/src/reconciler"
	"statereconciler/src/repository"
	"statereconciler/src/scheduler"
	"statereconciler/src/security"
	"statereconciler/src/server"
)

type Reconciler struct{}

func (t *Reconciler) Start() error {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	apiKey, err := security.DecryptString(config.APIKeyEnc)
	if err != nil {
		if errors.Is(err, security.ErrNoKey) {
			logrus.WithField("bot_id", config.BotID).
				Warn("Exchange credentials key missing, skipping bot")
			return nil
		}
		logrus.WithError(err).Error("Failed to decrypt API key")
		return err
	}

	apiSecret, err := security.DecryptString(config.APISecretEnc)
	if err != nil {
		logrus.WithError(err).Error("Failed to decrypt API secret")
		return err
	}

	logrus.WithFields(map[string]interface{}{
		"bot_id":  config.BotID,
		"symbols": config.Symbols,
		"market":  config.Market,
	}).Info("Starting state reconciler")

	exchange := connectors.NewClient(apiKey, apiSecret, config.BaseURL)
	orderRepo := repository.NewOrderRepository()
	lockRepo := repository.NewTradingLockRepository()
	lockManager := locks.NewManager(lockRepo)

	bot := reconciler.NewBotContext(config.BotID, config.Symbols, connectors.MarketType(config.Market))
	bot.StopLossPct = config.StopLossPct

	engine := reconciler.NewEngine(bot, orderRepo, lockManager, lockRepo, exchange)

	if config.WSURL != "" {
		go runFillStream(ctx, config, apiKey, apiSecret, bot)
	}

	if config.ServePort != "" {
		go server.StartServer(server.Options{
			Port:   config.ServePort,
			Orders: orderRepo,
			Locks:  lockRepo,
			Engine: engine,
		})
	}

	sched := scheduler.New(nil)
	if config.StopLossPct > 0 {
		sched.Add(scheduler.StopLossDuty(func(ctx context.Context) error {
			_, err := engine.MaintainProtectiveStops(ctx)
			return err
		}))
	}
	sched.Add(scheduler.PendingOrderDuty(func(ctx context.Context) error {
		_, err := engine.ResolveGhostOrders(ctx)
		return err
	}))
	sched.Add(scheduler.OrphanSweepDuty(func(ctx context.Context) error {
		_, _, err := engine.CloseFilledPositions(ctx)
		return err
	}))
	sched.Add(scheduler.ReconciliationDuty(func(ctx context.Context) error {
		_, err := engine.RunFullReconciliation(ctx)
		return err
	}))

	sched.Start(ctx)
	sched.Wait()

	logrus.Info("State reconciler stopped")
	return nil
}

// runFillStream keeps the private execution stream alive, reconnecting
// with a flat delay until the context is cancelled.
func runFillStream(ctx context.Context, config *Config, apiKey, apiSecret string, bot *reconciler.BotContext) {
	for ctx.Err() == nil {
		stream := connectors.NewFillStream(config.WSURL, apiKey, apiSecret, bot.OfferFill)
		if err := stream.Connect(); err != nil {
			logrus.WithError(err).Warn("Fill stream connect failed, retrying")
		} else if err := stream.Listen(ctx); err != nil {
			logrus.WithError(err).Warn("Fill stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
