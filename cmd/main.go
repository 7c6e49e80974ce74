package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"statereconciler/cmd/locks"
	"statereconciler/cmd/reconciler"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "State Reconciler CMD"
	app.Usage = "The state reconciler command line interface"

	app.Commands = []cli.Command{
		reconcilerCMD,
		lockPruneCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	reconcilerCMD = cli.Command{
		Name:        "reconciler",
		Usage:       "run Reconciler",
		Action:      reconcilerAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run Reconciler CMD`,
	}
	lockPruneCMD = cli.Command{
		Name:        "lockprune",
		Usage:       "prune released trading locks",
		Action:      lockPruneAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run lock prune CMD`,
	}
)

func reconcilerAction(_ *cli.Context) error {

	logrus.Info("Starting reconciler CMD")
	logrus.WithField("cmd", "reconciler")

	rec := &reconciler.Reconciler{}
	err := rec.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func lockPruneAction(_ *cli.Context) error {

	logrus.Info("Starting lock prune CMD")
	logrus.WithField("cmd", "lockprune")

	pruner := &locks.Pruner{}
	err := pruner.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
