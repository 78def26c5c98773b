package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rustdrone/internal/classifier"
	"rustdrone/internal/frame"
	"rustdrone/internal/hud"
	"rustdrone/internal/logger"
	"rustdrone/internal/match"
	"rustdrone/internal/session"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Run the configured model on one image and print the ranked labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		lg, closer, err := logger.New(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("could not initialize logger: %w", err)
		}
		defer closer.Close()

		backend, err := classifier.New(cfg.ClassifierConfig(), lg)
		if err != nil {
			return err
		}
		clf := classifier.FailClosed(backend, cfg.Classifier.Backend, cfg.ResultCap, lg)
		ctx := cmd.Context()
		if err := clf.Load(ctx); err != nil {
			return err
		}
		defer clf.Close()

		src := frame.NewSceneSource(args, lg)
		if err := src.Acquire(ctx); err != nil {
			return err
		}
		defer src.Close()
		f, err := src.Capture()
		if err != nil {
			return err
		}

		img := f.Image
		if cfg.ClassifyFiltered {
			filter, err := newFilter(cfg)
			if err != nil {
				return err
			}
			img = filter.Apply(img)
		}
		preds, _ := clf.Classify(ctx, img)
		fmt.Fprintln(cmd.OutOrStdout(), formatPredictions(preds, cfg.Objectives, cfg.MatchThreshold))
		return nil
	},
}

var objectivesCmd = &cobra.Command{
	Use:   "objectives",
	Short: "List the salvage checklist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatChecklist(cfg.Objectives))
		return nil
	},
}

// formatPredictions renders classifier output with the objective each label
// would recover.
func formatPredictions(preds []classifier.Prediction, specs []session.ObjectiveSpec, threshold float64) string {
	if len(preds) == 0 {
		return "No objects detected."
	}
	objectives := make([]match.Objective, len(specs))
	for i, s := range specs {
		objectives[i] = match.Objective{ID: s.ID, MatchToken: s.MatchToken}
	}

	var sb strings.Builder
	sb.WriteString("LABELS:")
	for i, p := range preds {
		sb.WriteString(fmt.Sprintf("\n %d. %-28s %3d%%", i+1, match.DisplayLabel(p.Label), hud.Percent(p.Confidence)))
		if o, ok := match.Resolve(p, objectives, threshold); ok {
			sb.WriteString(fmt.Sprintf("  -> [%s]", strings.ToUpper(o.ID)))
		}
	}
	return sb.String()
}

func formatChecklist(specs []session.ObjectiveSpec) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("CHECKLIST (%d):", len(specs)))
	for _, s := range specs {
		sb.WriteString(fmt.Sprintf("\n [ ] %-12s matches %q", strings.ToUpper(s.ID), s.MatchToken))
	}
	return sb.String()
}
