package main

import (
	"fmt"
	"os"

	"optionpulse/internal/market"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "optionpulse",
		Usage: "option-chain snapshots, analytics and prediction backtests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to config.yaml"},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "create the database if needed and migrate every table",
				Flags:  []cli.Flag{&cli.BoolFlag{Name: "create-db", Usage: "create the database before migrating"}},
				Action: migrateAction,
			},
			{
				Name:   "snapshot",
				Usage:  "take a live option-chain snapshot of the target underlyings",
				Flags:  []cli.Flag{underlyingFlag()},
				Action: snapshotAction,
			},
			{
				Name:  "backfill",
				Usage: "rebuild a day's open and close snapshots from historical candles",
				Flags: []cli.Flag{
					underlyingFlag(),
					&cli.StringFlag{Name: "date", Usage: "market date YYYY-MM-DD", Required: true},
				},
				Action: backfillAction,
			},
			stageCommand(market.StagePredict, "stage A: predict the next-day direction"),
			stageCommand(market.StageBacktest, "stage B: grade predictions against the next open"),
			stageCommand(market.StageSelect, "stage C: select an option for each directional prediction"),
			stageCommand(market.StageTrade, "stage D: backtest the selected option trades"),
			{
				Name:   "pipeline",
				Usage:  "run every prediction stage in order",
				Flags:  []cli.Flag{underlyingFlag(), dryRunFlag()},
				Action: pipelineAction(),
			},
			{
				Name:  "chain",
				Usage: "print the latest option chain of an underlying",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "underlying", Aliases: []string{"u"}, Required: true},
				},
				Action: chainAction,
			},
			{
				Name:  "trend",
				Usage: "print an option's snapshots over the last N days",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "instrument", Usage: "option instrument id", Required: true},
					&cli.IntFlag{Name: "days", Value: 5},
				},
				Action: trendAction,
			},
			{
				Name:  "records",
				Usage: "print the accumulated prediction records of an underlying",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "underlying", Aliases: []string{"u"}, Required: true},
				},
				Action: recordsAction,
			},
			{
				Name:  "runs",
				Usage: "list recent run summaries",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Usage: "live, candles, pipeline or universe"},
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: runsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "optionpulse:", err)
		os.Exit(1)
	}
}

func underlyingFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "underlying",
		Aliases: []string{"u"},
		Usage:   "underlyings to process (default: target_underlyings)",
	}
}

func dryRunFlag() cli.Flag {
	return &cli.BoolFlag{Name: "dry-run", Usage: "run against an in-memory copy of the records"}
}

func stageCommand(stage market.Stage, usage string) *cli.Command {
	return &cli.Command{
		Name:   string(stage),
		Usage:  usage,
		Flags:  []cli.Flag{underlyingFlag(), dryRunFlag()},
		Action: pipelineAction(stage),
	}
}
