// Command pt100 calibrates a Pt100 against a CTS climate chamber by walking
// the chamber through a temperature plan while a Keithley 2700 reads the
// Pt100.  It runs a plan from the command line, or serves an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/hephy-dd/pt100ramp/ramp"
	"github.com/hephy-dd/pt100ramp/rampsrv"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "0.1.0"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pt100.yml"

	debug bool
)

func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pt100",
		Short: "pt100 ramps a climate chamber and logs a Pt100 against it",
		Long: `pt100 sets a CTS climate chamber to a sequence of temperatures and
records the chamber temperature, humidity and a Pt100 read by a Keithley 2700
at every step.  Readings go to a CSV file per run and, if configured, to a
SQLite database, MQTT and Prometheus.

Configuration comes from pt100.yml (see mkconf) and PT100_ environment
variables, e.g. PT100_CHAMBER_ADDR=192.168.0.10:1080 or PT100_MOCK=true.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "log every reading")
	root.AddCommand(runCmd(), rampCmd(), checkCmd(), mkconfCmd(), confCmd(), versionCmd())
	return root
}

func runCmd() *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr)
			a, err := build(c, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := rampsrv.Config{
				Controller: a.ctrl,
				History:    c.History,
				Metrics:    a.metrics.Handler(),
				Log:        log,
			}
			if a.store != nil {
				cfg.Store = a.store
			}
			srv := rampsrv.New(ctx, cfg)
			if planPath != "" {
				plan, err := ramp.LoadPlan(planPath)
				if err != nil {
					return err
				}
				srv.SetPlan(plan)
			}

			hs := &http.Server{Addr: c.Addr, Handler: srv.Handler()}
			errs := make(chan error, 1)
			go func() { errs <- hs.ListenAndServe() }()
			log.Info().Str("addr", c.Addr).Bool("mock", c.Mock).Msg("now listening for requests")

			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			a.ctrl.Cancel()
			a.ctrl.Wait()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file to load at startup")
	return cmd
}

func rampCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ramp PLAN",
		Short: "run a plan file and exit; Ctrl-C cancels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			plan, err := ramp.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if err := ramp.Validate(plan); err != nil {
				return err
			}
			log := newLogger(os.Stderr)
			a, err := build(c, log)
			if err != nil {
				return err
			}
			defer a.Close()

			spinner, err := yacspin.New(yacspin.Config{
				Frequency:         100 * time.Millisecond,
				CharSet:           yacspin.CharSets[14],
				Suffix:            " ",
				StopCharacter:     "✓",
				StopColors:        []string{"fgGreen"},
				StopFailCharacter: "✗",
				StopFailColors:    []string{"fgRed"},
			})
			if err != nil {
				return err
			}
			spinner.Message("starting")
			a.ctrl.Subscribe(ramp.ObserverFunc(func(e ramp.Event) {
				switch e.Kind {
				case ramp.EventProgress:
					spinner.Message(fmt.Sprintf("[%d/%d] %s", e.Step, e.Steps, e.Message))
				case ramp.EventMeasured:
					spinner.Suffix(fmt.Sprintf(" chamber %.1f C  pt100 %.3f C ", e.Reading.ChamberTemp, e.Reading.ReferenceTemp))
				}
			}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := spinner.Start(); err != nil {
				return err
			}
			err = a.ctrl.Run(ctx, plan)
			switch a.ctrl.State() {
			case ramp.Finished:
				spinner.StopMessage("finished, log at " + a.csv.Path())
				spinner.Stop()
			case ramp.Cancelled:
				spinner.StopFailMessage("cancelled, log at " + a.csv.Path())
				spinner.StopFail()
			default:
				spinner.StopFailMessage("failed")
				spinner.StopFail()
			}
			return err
		},
	}
}

// maxListed is the number of setpoints check prints per step
const maxListed = 20

func checkCmd() *cobra.Command {
	var from float64
	cmd := &cobra.Command{
		Use:   "check PLAN",
		Short: "validate a plan file and print the setpoints it produces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := ramp.LoadPlan(args[0])
			if err != nil {
				return err
			}
			if err := ramp.Validate(plan); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			start := from
			var total time.Duration
			for i, st := range plan {
				if err := rampsrv.CheckStep(st); err != nil {
					fmt.Fprintf(out, "warning: step %d: %v\n", i+1, err)
				}
				var strs []string
				n := 0
				for sp := range ramp.Walk(start, st) {
					if n == maxListed {
						strs = append(strs, "...")
						break
					}
					strs = append(strs, fmt.Sprintf("%g", sp))
					n++
				}
				fmt.Fprintf(out, "step %d: %g -> %g by %g, dwell %v: %s\n",
					i+1, start, st.End, st.Size, st.Dwell, strings.Join(strs, ", "))
				start = st.End
				total += st.Dwell
			}
			fmt.Fprintf(out, "%d steps, %v of dwell\n", len(plan), total)
			return nil
		},
	}
	cmd.Flags().Float64Var(&from, "from", 20, "chamber temperature at the start, C")
	return cmd
}

func mkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "write the current configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			return WriteConfig(c, ConfigFileName)
		},
	}
}

func confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := LoadConfig(ConfigFileName)
			if err != nil {
				return err
			}
			return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pt100 version %v\n", Version)
		},
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		var pe *ramp.PlanError
		if errors.As(err, &pe) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
