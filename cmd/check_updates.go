package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	probe "github.com/moonblokz/probe"
	"github.com/moonblokz/probe/pkg/firmware"
	"github.com/moonblokz/probe/pkg/serialport"
)

const connectWait = 10 * time.Second

func newCheckUpdatesCmd() *cobra.Command {
	var (
		flagNode bool
		flagSelf bool
	)
	cmd := &cobra.Command{
		Use:   "check-updates",
		Short: "Run one update check for the probe binary and/or the node firmware",
		Long: `Runs the self-update check first and then the node firmware check, the same order the daemon uses
at startup. Do not run this while the daemon is running: the node check needs exclusive use of the
serial port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagNode && !flagSelf {
				flagNode, flagSelf = true, true
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			agent, err := probe.NewAgent(cfg, probe.Options{})
			if err != nil {
				return err
			}
			defer agent.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if flagSelf {
				res, _ := agent.SelfUpdater().RunOnce(ctx)
				report(cmd, "probe", res)
			}
			if flagNode {
				res, err := runNodeCheck(ctx, agent)
				if err != nil {
					return err
				}
				report(cmd, "node", res)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagNode, "node", false, "Check the node firmware")
	cmd.Flags().BoolVar(&flagSelf, "self", false, "Check the probe binary")
	return cmd
}

// runNodeCheck keeps the serial arbiter running for the duration of the node
// update so the bootloader token can be sent.
func runNodeCheck(ctx context.Context, agent *probe.Agent) (firmware.Result, error) {
	arbiterCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := agent.Arbiter().Subscribe()
	if err != nil {
		return firmware.Result{}, err
	}
	connected := make(chan struct{})
	go func() {
		var once sync.Once
		for ev := range events {
			if ev.Kind == serialport.Connected {
				once.Do(func() { close(connected) })
			}
		}
	}()
	done := make(chan error, 1)
	go func() { done <- agent.Arbiter().Run(arbiterCtx) }()

	// The bootloader token is only sent over an open port.
	select {
	case <-connected:
	case <-time.After(connectWait):
		log.Warn().Dur("waited", connectWait).Msg("serial port not connected, node update will abort")
	case <-ctx.Done():
	}

	res, started := agent.NodeUpdater().RunOnce(ctx)
	cancel()
	if err := <-done; err != nil {
		log.Warn().Err(err).Msg("serial arbiter stopped with error")
	}
	if !started {
		return res, errors.New("node update already in progress")
	}
	return res, nil
}

func report(cmd *cobra.Command, kind string, res firmware.Result) {
	line := fmt.Sprintf("%s: %s (local %d, remote %d)", kind, res.Final, res.From, res.To)
	if res.Err != nil {
		line += ": " + res.Err.Error()
	}
	if res.Rebooted {
		line += " [reboot invoked]"
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}
