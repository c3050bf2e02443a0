// Command pigro is the reference console shell for the programmer core: it
// translates one of the CLI actions into an orchestrator.Run call and
// prints the event stream to stdout/stderr. It is deliberately thin, and
// exists mainly to exercise the Orchestrator end to end — a GUI or other
// shell is a separate concern built the same way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zolotov-av/pigro/device"
	"github.com/zolotov-av/pigro/orchestrator"
)

var (
	flagProject string
	flagPort    string
	flagOut     string
	flagVerbose bool
	flagQuiet   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pigro",
		Short:         "host-side AVR/STM32 programmer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagProject, "project", "p", "pigro.ini", "project INI file")
	root.PersistentFlags().StringVarP(&flagPort, "port", "P", "/dev/ttyUSB0", "serial port the bridge is attached to")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "print progress and message events")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "print only the final result/exception")

	for _, action := range []orchestrator.Action{
		orchestrator.ActionInfo,
		orchestrator.ActionStat,
		orchestrator.ActionCheck,
		orchestrator.ActionWrite,
		orchestrator.ActionErase,
		orchestrator.ActionReadFuse,
		orchestrator.ActionWriteFuse,
		orchestrator.ActionRead,
		orchestrator.ActionTest,
	} {
		root.AddCommand(newActionCmd(action))
	}
	return root
}

func newActionCmd(action orchestrator.Action) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action),
		Short: actionShort(action),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(action)
		},
	}
	if action == orchestrator.ActionRead {
		cmd.Flags().StringVarP(&flagOut, "hex", "o", "readback.hex", "path to write the read-back firmware")
	}
	return cmd
}

func actionShort(action orchestrator.Action) string {
	switch action {
	case orchestrator.ActionInfo:
		return "print chip signature/IDCODE"
	case orchestrator.ActionStat:
		return "report firmware page layout without touching the device"
	case orchestrator.ActionCheck:
		return "compare firmware against the device without writing"
	case orchestrator.ActionWrite:
		return "erase and flash firmware"
	case orchestrator.ActionErase:
		return "erase the chip"
	case orchestrator.ActionReadFuse:
		return "read and report AVR fuses"
	case orchestrator.ActionWriteFuse:
		return "write AVR fuses from the project INI"
	case orchestrator.ActionRead:
		return "read the chip's flash back to a HEX file"
	case orchestrator.ActionTest:
		return "test action (not implemented by either driver; always fails)"
	default:
		return ""
	}
}

// runAction drives one Orchestrator.Run to completion, printing its event
// stream per -v/-q, and exits non-zero iff the action ended in
// ReportException.
func runAction(action orchestrator.Action) error {
	o := orchestrator.New(device.NewDatabase())

	done := make(chan struct{})
	failed := false
	go func() {
		defer close(done)
		for ev := range o.Events() {
			printEvent(ev, &failed)
		}
	}()

	o.Run(flagPort, flagProject, action, flagOut)
	<-done

	if failed {
		return fmt.Errorf("pigro: %s failed", action)
	}
	return nil
}

func printEvent(ev orchestrator.Event, failed *bool) {
	switch ev.Kind {
	case orchestrator.SessionStarted:
		if !flagQuiet {
			fmt.Fprintf(os.Stdout, "bridge protocol v%d.%d\n", ev.Major, ev.Minor)
		}
	case orchestrator.ChipInfo:
		fmt.Fprintln(os.Stdout, ev.Message)
	case orchestrator.ReportMessage:
		if flagVerbose {
			fmt.Fprintln(os.Stdout, ev.Message)
		}
	case orchestrator.ReportProgress:
		if flagVerbose {
			fmt.Fprintf(os.Stdout, "\r0x%06X", ev.Value)
		}
	case orchestrator.ReportResult:
		fmt.Fprintln(os.Stdout, ev.Message)
	case orchestrator.ReportException:
		*failed = true
		fmt.Fprintln(os.Stderr, "error:", ev.Message)
	case orchestrator.DataReady:
		if !flagQuiet {
			fmt.Fprintln(os.Stdout, "wrote", ev.HexPath)
		}
	}
}
