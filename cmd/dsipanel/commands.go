package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dsipanel/internal/config"
	"dsipanel/internal/dsi"
	appLog "dsipanel/internal/log"
	"dsipanel/internal/model"
	"dsipanel/internal/panel"
	"dsipanel/internal/resource"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover both links, bring the panel up and hold it on until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = a.guard.Run(ctx, a.cfg.ProbeRetry.Initial, a.cfg.ProbeRetry.Max)
			}()
			if a.cfg.Watch {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := a.watcher.Run(ctx); err != nil {
						appLog.Error("endpoint watcher stopped", err)
					}
				}()
			}
			defer wg.Wait()
			defer cancel()

			a.discover()

			p, err := a.waitPanel(ctx)
			if err != nil {
				appLog.Info("no panel registered before shutdown", "deferred", a.guard.Deferred())
				return nil
			}
			if err := bringUp(p); err != nil {
				return err
			}

			if !once {
				<-ctx.Done()
			}
			tearDown(p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Bring the panel up and straight back down, then exit")
	return cmd
}

func newModesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "Print the display modes the panel reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Mode reporting never needs hardware.
			res, err := resource.New(cfg, resource.DryRun())
			if err != nil {
				return err
			}
			defer res.ReleaseAll()

			p, err := panel.New(dsi.NewLogLink("link1"), dsi.NewLogLink("link2"), res)
			if err != nil {
				return err
			}
			var modes panel.ModeList
			if _, err := p.DescribeModes(&modes); err != nil {
				return err
			}
			return printModes(cmd.OutOrStdout(), &modes)
		},
	}
}

func printModes(w io.Writer, l *panel.ModeList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCLOCK(kHz)\tH(disp/ss/se/tot)\tV(disp/ss/se/tot)\tREFRESH\tTYPE")
	for _, m := range l.Modes {
		fmt.Fprintf(tw, "%s\t%d\t%d/%d/%d/%d\t%d/%d/%d/%d\t%d\t%s\n",
			m.Name, m.Clock,
			m.HDisplay, m.HSyncStart, m.HSyncEnd, m.HTotal,
			m.VDisplay, m.VSyncStart, m.VSyncEnd, m.VTotal,
			m.VRefresh(), modeType(m.Type))
	}
	fmt.Fprintf(tw, "physical size: %dx%d mm\n", l.WidthMM, l.HeightMM)
	return tw.Flush()
}

func modeType(t model.ModeType) string {
	s := ""
	if t&model.ModeTypePreferred != 0 {
		s += "preferred "
	}
	if t&model.ModeTypeDriver != 0 {
		s += "driver"
	}
	if s == "" {
		return "-"
	}
	return s
}

func newProbeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Discover endpoints once and report how the link pair was bound",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			a.discover()

			out := cmd.OutOrStdout()
			for _, b := range a.guard.Bindings() {
				fmt.Fprintf(out, "registered: link1=%s link2=%s state=%s\n", b.Link1, b.Link2, b.Panel.State())
			}
			for _, id := range a.guard.Deferred() {
				fmt.Fprintf(out, "deferred: %s\n", id)
			}
			if len(a.guard.Bindings()) == 0 {
				return errors.New("no panel registered")
			}
			return nil
		},
	}
}
