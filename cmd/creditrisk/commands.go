package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/creditrisk/internal/adminauth"
	"github.com/jmerrifield20/creditrisk/internal/config"
	"github.com/jmerrifield20/creditrisk/internal/evaluation"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/pkg/client"
	"github.com/jmerrifield20/creditrisk/pkg/estimator"
	"github.com/spf13/cobra"
)

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run one model resolution pass and report which source won",
	Long: `Resolve tries the model registry (when configured) and then the local
artifact, exactly as the scoring service does at startup, and prints where
the model came from. It exits non-zero when no source yields a model.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := newLocalStack(newLogger())
		if err != nil {
			return err
		}
		m, err := stack.resolver.Resolve(cmd.Context())
		if err != nil {
			return err
		}

		if format == "json" {
			names := make([]string, len(m.Features))
			for i, f := range m.Features {
				names[i] = f.Name
			}
			return printJSON(map[string]any{
				"source":     m.Source,
				"identifier": m.Identifier,
				"version":    m.Version,
				"features":   names,
			})
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "SOURCE\t%s\n", m.Source)
		fmt.Fprintf(w, "IDENTIFIER\t%s\n", m.Identifier)
		fmt.Fprintf(w, "VERSION\t%s\n", m.Version)
		fmt.Fprintf(w, "FEATURES\t%d\n", len(m.Features))
		return w.Flush()
	},
}

// ── score ────────────────────────────────────────────────────────────────────

var scoreCmd = &cobra.Command{
	Use:   "score [record.json|-]",
	Short: "Score one JSON feature record",
	Long: `Score reads a JSON feature record from a file or stdin and scores it.

Without --server the model is resolved in-process from the local
configuration; with --server the record is sent to a running service:

  echo '{"income": 50000, "age": 34, "delinquencies": 0}' | creditrisk score
  creditrisk score --server http://localhost:8000 borrower.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	rec, err := readRecord(path)
	if err != nil {
		return err
	}

	var (
		probability        float64
		label, source, ver string
		highRisk           bool
		result             any
	)
	if serverURL != "" {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		res, err := c.Score(cmd.Context(), rec)
		if err != nil {
			return describeAPIError(err)
		}
		probability, label, highRisk, source, ver = res.Probability, res.RiskLabel, res.IsHighRisk, res.ModelSource, res.ModelVersion
		result = res
	} else {
		stack, err := newLocalStack(newLogger())
		if err != nil {
			return err
		}
		res, err := stack.service.Score(cmd.Context(), rec)
		if err != nil {
			return describeScoreError(err)
		}
		probability, label, highRisk, source, ver = res.Probability, string(res.RiskLabel), res.IsHighRisk, res.ModelSource, res.ModelVersion
		result = res
	}

	if format == "json" {
		return printJSON(result)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROBABILITY\t%.6f\n", probability)
	fmt.Fprintf(w, "RISK\t%s\n", label)
	fmt.Fprintf(w, "HIGH RISK\t%v\n", highRisk)
	fmt.Fprintf(w, "MODEL\t%s\n", source)
	if ver != "" {
		fmt.Fprintf(w, "VERSION\t%s\n", ver)
	}
	return w.Flush()
}

// describeScoreError expands validation failures into one line per field.
func describeScoreError(err error) error {
	var invalid *schema.InvalidFeatureError
	if !errors.As(err, &invalid) {
		return err
	}
	lines := make([]string, len(invalid.Fields))
	for i, f := range invalid.Fields {
		lines[i] = "  " + f.Field + ": " + f.Reason
	}
	return fmt.Errorf("invalid features:\n%s", strings.Join(lines, "\n"))
}

func describeAPIError(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Fields) == 0 {
		return err
	}
	lines := make([]string, len(apiErr.Fields))
	for i, f := range apiErr.Fields {
		lines[i] = "  " + f.Field + ": " + f.Reason
	}
	return fmt.Errorf("%s:\n%s", apiErr.Message, strings.Join(lines, "\n"))
}

// ── evaluate ─────────────────────────────────────────────────────────────────

var (
	evalLabel     string
	evalThreshold float64
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <dataset.csv>",
	Short: "Score a labelled CSV dataset and report classification metrics",
	Long: `Evaluate scores every row of a header-first CSV through the same schema
validation and model as the service, then reports accuracy, precision,
recall, F1 and ROC AUC. Rows that fail validation are skipped and listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := newLocalStack(newLogger())
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		rows, err := evaluation.ReadCSV(f, evalLabel, evaluation.ColumnTypesFor(stack.schema))
		if err != nil {
			return err
		}

		threshold := stack.cfg.Thresholds().High
		if cmd.Flags().Changed("threshold") {
			threshold = evalThreshold
		}
		if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
			return fmt.Errorf("threshold %v is outside [0, 1]", threshold)
		}

		report, err := evaluation.Run(cmd.Context(), stack.service, rows, threshold)
		if err != nil {
			return err
		}

		if format == "json" {
			return printJSON(report)
		}
		m := report.Metrics
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "SAMPLES\t%d\t(%d positive)\n", m.Samples, m.Positives)
		fmt.Fprintf(w, "THRESHOLD\t%.3f\n", m.Threshold)
		fmt.Fprintf(w, "ACCURACY\t%.4f\n", m.Accuracy)
		fmt.Fprintf(w, "PRECISION\t%.4f\n", m.Precision)
		fmt.Fprintf(w, "RECALL\t%.4f\n", m.Recall)
		fmt.Fprintf(w, "F1\t%.4f\n", m.F1)
		fmt.Fprintf(w, "ROC AUC\t%.4f\n", m.ROCAUC)
		if err := w.Flush(); err != nil {
			return err
		}
		for _, s := range report.Skipped {
			fmt.Fprintf(os.Stderr, "skipped line %d: %s: %s\n", s.Line, s.Fields[0].Field, s.Fields[0].Reason)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalLabel, "label", "default", "name of the 0/1 target column")
	evaluateCmd.Flags().Float64Var(&evalThreshold, "threshold", 0, "decision threshold (default scoring.threshold)")
}

// ── model-info ───────────────────────────────────────────────────────────────

var modelInfoCmd = &cobra.Command{
	Use:   "model-info",
	Short: "Show the model a running service is using",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remoteClient()
		if err != nil {
			return err
		}
		info, err := c.ModelInfo(cmd.Context())
		if err != nil {
			return err
		}
		return printModelInfo(info)
	},
}

func printModelInfo(info *client.ModelInfo) error {
	if format == "json" {
		return printJSON(info)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SOURCE\t%s\n", info.SourceKind)
	fmt.Fprintf(w, "IDENTIFIER\t%s\n", info.ModelSource)
	fmt.Fprintf(w, "VERSION\t%s\n", info.Version)
	fmt.Fprintf(w, "LOADED\t%s\n", info.LoadedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "FEATURES\t%s\n", strings.Join(info.Features, ", "))
	return w.Flush()
}

// ── reload ───────────────────────────────────────────────────────────────────

var reloadToken string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make a running service resolve its model again",
	Long: `Reload asks the service to re-run model resolution. On failure the
service keeps the model it already has. Requires an admin token with the
model:reload scope (see 'creditrisk token'); --token defaults to
$CREDITRISK_ADMIN_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token := reloadToken
		if token == "" {
			token = os.Getenv("CREDITRISK_ADMIN_TOKEN")
		}
		if token == "" {
			return fmt.Errorf("an admin token is required (--token or CREDITRISK_ADMIN_TOKEN)")
		}
		c, err := remoteClient(client.WithBearerToken(token))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		info, err := c.Reload(ctx)
		if err != nil {
			return err
		}
		return printModelInfo(info)
	},
}

func init() {
	reloadCmd.Flags().StringVar(&reloadToken, "token", "", "admin bearer token")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token signed with admin.jwt_secret",
	Long: `Token signs an admin JWT with the service's admin.jwt_secret (read from
the config file or ADMIN_JWT_SECRET) and prints it.

  export CREDITRISK_ADMIN_TOKEN=$(creditrisk token --subject ops@example.com)
  creditrisk reload --server http://localhost:8000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is not configured")
		}
		ttl := cfg.Admin.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		iss, err := adminauth.NewIssuer([]byte(cfg.Admin.JWTSecret), cfg.Admin.Issuer, ttl)
		if err != nil {
			return err
		}
		tok, err := iss.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "who the token is issued to (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{adminauth.ScopeReload}, "scopes to grant")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default admin.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("subject")
}

// ── artifact ─────────────────────────────────────────────────────────────────

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Inspect or create model artifacts",
}

var artifactInspectCmd = &cobra.Command{
	Use:   "inspect <artifact>",
	Short: "Validate an artifact and print its layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		a, err := estimator.Decode(f)
		if err != nil {
			return err
		}
		est, err := estimator.Build(a)
		if err != nil {
			return err
		}

		if format == "json" {
			return printJSON(a)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "KIND\t%s\n", est.Kind)
		fmt.Fprintf(w, "NAME\t%s\n", est.Name)
		fmt.Fprintf(w, "VERSION\t%s\n", est.Version)
		if !est.TrainedAt.IsZero() {
			fmt.Fprintf(w, "TRAINED\t%s\n", est.TrainedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(w, "\nFEATURE\tTYPE\tCATEGORIES")
		for _, feat := range est.Features() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", feat.Name, feat.Type, strings.Join(feat.Categories, ","))
		}
		return w.Flush()
	},
}

var (
	baselineProbability float64
	baselineVersion     string
	baselineOut         string
)

var artifactBaselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Write a constant-probability logistic artifact over the configured schema",
	Long: `Baseline writes a logistic artifact whose weights are all zero, so every
borrower scores --probability. It is a smoke-test model for wiring up a new
deployment before a trained model is available.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if baselineProbability <= 0 || baselineProbability >= 1 {
			return fmt.Errorf("--probability must be strictly between 0 and 1")
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		featureSchema := schema.Default()
		if cfg.Schema.File != "" {
			if featureSchema, err = schema.LoadFile(cfg.Schema.File); err != nil {
				return err
			}
		}

		a := baselineArtifact(featureSchema, baselineProbability, baselineVersion)
		if _, err := estimator.Build(a); err != nil {
			return err
		}

		out := os.Stdout
		if baselineOut != "" && baselineOut != "-" {
			f, err := os.Create(baselineOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return estimator.Encode(out, a)
	},
}

// baselineArtifact builds a logistic artifact predicting p for every input.
// Its layout holds the schema's required fields, so records that omit
// optional ones still score; with no required fields it takes them all.
func baselineArtifact(s *schema.Schema, p float64, version string) *estimator.Artifact {
	var fields []schema.Field
	for _, f := range s.Fields() {
		if f.Required {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		fields = s.Fields()
	}
	features := make([]estimator.Feature, len(fields))
	width := 0
	for i, f := range fields {
		features[i] = estimator.Feature{Name: f.Name, Type: f.Type, Categories: f.Categories}
		if f.Type == schema.TypeCategorical {
			width += len(f.Categories)
		} else {
			width++
		}
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &estimator.Artifact{
		FormatVersion: estimator.FormatVersion,
		Kind:          estimator.KindLogistic,
		Name:          resolver.DefaultModelName,
		Version:       version,
		TrainedAt:     &now,
		Features:      features,
		Intercept:     math.Log(p / (1 - p)),
		Weights:       make([]float64, width),
	}
}

func init() {
	artifactBaselineCmd.Flags().Float64Var(&baselineProbability, "probability", 0.1, "probability every borrower scores")
	artifactBaselineCmd.Flags().StringVar(&baselineVersion, "version", "baseline", "artifact version label")
	artifactBaselineCmd.Flags().StringVarP(&baselineOut, "out", "o", "", "output file (default stdout)")

	artifactCmd.AddCommand(artifactInspectCmd)
	artifactCmd.AddCommand(artifactBaselineCmd)
}
