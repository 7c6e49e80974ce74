package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"statereconciler/src/database"
	"statereconciler/src/repository"
)

type Config struct {
	Retention time.Duration `envconfig:"LOCK_RETENTION" default:"24h"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

type Pruner struct{}

// Start removes released lock rows older than the retention window and
// exits. Meant to run as a periodic job.
func (t *Pruner) Start() error {
	config := GetConfig()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	repo := repository.NewTradingLockRepository()
	pruned, err := repo.PruneReleased(context.Background(), time.Now().Add(-config.Retention))
	if err != nil {
		logrus.WithError(err).Error("Failed to prune released locks")
		return err
	}

	logrus.WithField("pruned", pruned).Info("Released locks pruned")
	return nil
}
