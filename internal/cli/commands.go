package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/geo/r2"
	"github.com/spf13/cobra"

	"stereostitch/internal/artifact"
	"stereostitch/internal/config"
	"stereostitch/internal/correspond"
	"stereostitch/internal/geometry"
	"stereostitch/internal/pipeline"
)

// Version is set at build time.
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stereostitch",
		Short: "Align a right camera sequence onto its left partner",
		Long: `stereostitch estimates the homography between two cameras from calibration
frames or manually placed points, then warps every right frame into the
left camera's view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newPointsCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calibrate if needed and warp every input frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runBatch(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "tick", root.cfg.Processing.TickInterval.Duration, "delay between frames (0 runs flat out)")
	return cmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Compute or load the distortion models and homography",
		Long: `Resolve the calibration artifacts without processing any frames. Existing
artifacts are loaded as-is unless --force removes them first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.calibrate(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete existing artifacts and recompute")
	return cmd
}

func newPointsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Inspect and manage manual correspondences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the saved correspondences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := correspond.LoadSet(root.pointsPath())
			if err != nil {
				return err
			}
			root.printPoints(set)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a points file and install it as the manual correspondences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := correspond.LoadSet(args[0])
			if err != nil {
				return err
			}
			if err := set.Save(root.pointsPath()); err != nil {
				return err
			}
			root.printf("Imported %d correspondences into %s\n", set.Len(), root.pointsPath())
			return nil
		},
	})
	var exportOut string
	export := &cobra.Command{
		Use:   "export",
		Short: "Detect the board in every calibration pair and save the matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.exportPoints(cmd.Context(), exportOut)
		},
	}
	export.Flags().StringVarP(&exportOut, "output", "o", "", "destination file (defaults to the configured points file)")
	cmd.AddCommand(export)
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the saved correspondences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(root.pointsPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			root.printf("Cleared %s\n", root.pointsPath())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "solve",
		Short: "Estimate the homography from the saved correspondences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.solvePoints()
		},
	})
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recent runs, or the frames of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("run history is unavailable")
			}
			if len(args) == 1 {
				return root.printRun(args[0])
			}
			return root.printRuns(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline with the HTTP control surface for point editing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serve(cmd.Context(), addr, interval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().DurationVar(&interval, "tick", root.cfg.Processing.TickInterval.Duration, "delay between frames (0 runs flat out)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("Config file: %s\n", root.cfgPath)
			enc := json.NewEncoder(root.out)
			enc.SetIndent("", "  ")
			return enc.Encode(root.cfg)
		},
	})
	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Default().Save(root.cfgPath, overwrite)
			if err != nil {
				return err
			}
			root.printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show which engines are available for each concern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printTools()
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("stereostitch %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}

func (r *Root) pointsPath() string {
	return r.cfg.Resolve(r.cfg.Paths.PointsFile)
}

func (r *Root) exportPoints(ctx context.Context, out string) error {
	if out == "" {
		out = r.pointsPath()
	}
	p, err := r.newPipeline()
	if err != nil {
		return err
	}
	set, report, err := p.Collect(ctx)
	if err != nil {
		return err
	}
	if err := set.Save(out); err != nil {
		return err
	}
	r.printf("%s\n", renderTable(
		[]string{"Pairs", "Accepted", "Discarded", "Unreadable", "Points"},
		[][]string{{
			strconv.Itoa(report.Pairs), strconv.Itoa(report.Accepted), strconv.Itoa(report.Discarded),
			strconv.Itoa(report.Unreadable), strconv.Itoa(report.Points),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	r.printf("Saved %d correspondences to %s\n", set.Len(), out)
	return nil
}

func (r *Root) solvePoints() error {
	set, err := correspond.LoadSet(r.pointsPath())
	if err != nil {
		return err
	}
	_, engines, err := r.engines()
	if err != nil {
		return err
	}
	h, err := set.Estimate(engines.Solver)
	if err != nil {
		return err
	}
	src, dst := set.Corrected()
	rms, maxErr := geometry.ReprojectionError(h, src, dst)

	path := r.cfg.Resolve(r.cfg.Paths.Homography)
	if err := artifact.SaveHomography(path, h); err != nil {
		return err
	}
	r.printHomography(h)
	r.printf("Reprojection error: %.3f px RMS, %.3f px max over %d points\n", rms, maxErr, set.Len())
	r.printf("Saved %s\n", path)
	return nil
}

func (r *Root) printStatus(st pipeline.Status, elapsed time.Duration) {
	rows := [][]string{
		{"Run", st.RunID},
		{"Mode", st.Mode},
		{"Phase", st.Phase},
		{"State", st.State.String()},
		{"Frames", fmt.Sprintf("%s written, %s skipped of %s", humanize.Comma(int64(st.Written)), humanize.Comma(int64(st.Skipped)), humanize.Comma(int64(st.Total)))},
		{"Correspondences", strconv.Itoa(st.Points)},
	}
	if st.UseUndistort {
		rows = append(rows, []string{"Distortion", readiness(st.DistortionReady)})
	}
	rows = append(rows, []string{"Homography", readiness(st.HomographyReady)})
	if st.Message != "" {
		rows = append(rows, []string{"Message", st.Message})
	}
	if elapsed > 0 {
		rows = append(rows, []string{"Elapsed", elapsed.Round(time.Millisecond).String()})
	}
	r.printf("%s\n", renderTable([]string{"Field", "Value"}, rows, nil))
	if st.Homography != nil {
		r.printHomography(*st.Homography)
	}
}

func readiness(ok bool) string {
	if ok {
		return "ready"
	}
	return "missing"
}

func (r *Root) printHomography(h geometry.Homography) {
	rows := make([][]string, 3)
	for i := range rows {
		rows[i] = []string{
			strconv.FormatFloat(h[i][0], 'g', 8, 64),
			strconv.FormatFloat(h[i][1], 'g', 8, 64),
			strconv.FormatFloat(h[i][2], 'g', 8, 64),
		}
	}
	r.printf("%s\n", renderTable([]string{"h0", "h1", "h2"}, rows,
		[]columnAlignment{alignRight, alignRight, alignRight}))
}

func (r *Root) printPoints(set *correspond.Set) {
	rows := make([][]string, 0, set.Len())
	for i, p := range set.Pairs() {
		rows = append(rows, []string{
			strconv.Itoa(i),
			formatPoint(r2.Point{X: p.Left[0], Y: p.Left[1]}),
			formatPoint(r2.Point{X: p.Right[0], Y: p.Right[1]}),
		})
	}
	r.printf("%s\n", renderTable([]string{"#", "Left", "Right"}, rows,
		[]columnAlignment{alignRight, alignRight, alignRight}))
	r.printf("%d correspondences, shared frame offset %.0f px\n", set.Len(), set.Offset)
}

func formatPoint(p r2.Point) string {
	return fmt.Sprintf("%.2f, %.2f", p.X, p.Y)
}

func (r *Root) printRuns(limit int) error {
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		r.printf("No runs recorded\n")
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.Mode,
			run.Status,
			fmt.Sprintf("%d/%d", run.FramesWritten, run.FramesTotal),
			strconv.Itoa(run.FramesSkipped),
			humanize.Time(run.CreatedAt),
		})
	}
	r.printf("%s\n", renderTable(
		[]string{"Run", "Mode", "Status", "Written", "Skipped", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return nil
}

func (r *Root) printRun(id string) error {
	events, err := r.store.CalibrationEvents(id)
	if err != nil {
		return err
	}
	frames, err := r.store.RunFrames(id)
	if err != nil {
		return err
	}
	if len(events) == 0 && len(frames) == 0 {
		return fmt.Errorf("no records for run %s", id)
	}

	if len(events) > 0 {
		rows := make([][]string, 0, len(events))
		for _, ev := range events {
			rows = append(rows, []string{ev.Stage, ev.Decision, ev.Artifact, humanize.Time(ev.CreatedAt)})
		}
		r.printf("%s\n", renderTable([]string{"Stage", "Decision", "Artifact", "When"}, rows, nil))
	}
	if len(frames) > 0 {
		rows := make([][]string, 0, len(frames))
		for _, f := range frames {
			rows = append(rows, []string{
				strconv.Itoa(f.Index), f.Side, f.Status, f.Duration.Round(time.Millisecond).String(), f.OutputPath, f.Error,
			})
		}
		r.printf("%s\n", renderTable(
			[]string{"#", "Side", "Status", "Took", "Output", "Error"},
			rows,
			[]columnAlignment{alignRight},
		))
	}
	return nil
}

func (r *Root) printTools() {
	status := r.newToolManager().GetToolStatus()
	concerns := make([]string, 0, len(status))
	for c := range status {
		concerns = append(concerns, c)
	}
	sort.Strings(concerns)

	var rows [][]string
	for _, c := range concerns {
		engines := make([]string, 0, len(status[c]))
		for name := range status[c] {
			engines = append(engines, name)
		}
		sort.Strings(engines)
		for _, name := range engines {
			st := status[c][name]
			avail := "no"
			if st.Available {
				avail = "yes"
			}
			errText := ""
			if st.Error != nil {
				errText = st.Error.Error()
			}
			rows = append(rows, []string{c, name, avail, st.Version, errText})
		}
	}
	r.printf("%s\n", renderTable([]string{"Concern", "Engine", "Available", "Version", "Error"}, rows, nil))
}
