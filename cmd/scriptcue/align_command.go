package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scriptcue/internal/align"
	"github.com/MrWong99/scriptcue/internal/config"
	"github.com/MrWong99/scriptcue/internal/cursor"
)

// replayStep is one transcript line replayed against the script.
type replayStep struct {
	Line       int     `json:"line"`
	Snapshot   string  `json:"snapshot"`
	Result     string  `json:"result"`
	Tier       string  `json:"tier,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	From       int     `json:"from"`
	To         int     `json:"to"`
}

// replayResult is the outcome of a whole replay.
type replayResult struct {
	Steps  []replayStep `json:"steps"`
	Cursor int          `json:"cursor"`
	Length int          `json:"length"`
}

func newAlignCommand(configPath *string) *cobra.Command {
	var (
		scriptPath string
		mode       string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "align [transcript]",
		Short: "Replay logged transcript snapshots against a script",
		Long: "Replays one transcript snapshot per line against a script and reports\n" +
			"how each snapshot moved the cursor. A blank line marks a recognizer\n" +
			"restart and lines starting with # are skipped. The transcript is read\n" +
			"from standard input when no file is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scriptPath == "" {
				return errors.New("--script is required")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			opts := cfg.Matcher.Options()
			if mode != "" {
				opts.Mode = align.Mode(mode)
			}

			script, err := config.LoadScript(scriptPath)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open transcript: %w", err)
				}
				defer f.Close()
				in = f
			}

			res, err := replay(script, in, opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, res)
			}
			printReplay(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "script text file")
	cmd.Flags().StringVar(&mode, "mode", "", "matcher mode override (tiered, single)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// replay feeds transcript lines through a matcher and cursor the way a live
// session applies snapshots while listening.
func replay(script string, transcript io.Reader, opts align.Options) (replayResult, error) {
	m, err := align.New(align.WithOptions(opts))
	if err != nil {
		return replayResult{}, err
	}
	c := cursor.New()
	c.SetScript(script)

	var (
		res  replayResult
		last string
		line int
	)
	sc := bufio.NewScanner(transcript)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.HasPrefix(text, "#") {
			continue
		}
		step := replayStep{Line: line, Snapshot: text, From: c.Cursor()}
		switch {
		case strings.TrimSpace(text) == "":
			last = ""
			step.Result = "restart"
		case text == last:
			step.Result = "duplicate"
		default:
			last = text
			cand, ok := m.Match(c.Script(), c.Cursor(), text)
			step.Result = "unmatched"
			if ok {
				step.Tier = cand.Tier.String()
				step.Score = cand.Score
				step.Similarity = cand.Similarity
				if c.Apply(cand) {
					step.Result = "moved"
				} else {
					step.Result = "held"
				}
			}
		}
		step.To = c.Cursor()
		res.Steps = append(res.Steps, step)
	}
	if err := sc.Err(); err != nil {
		return replayResult{}, fmt.Errorf("read transcript: %w", err)
	}
	res.Cursor = c.Cursor()
	res.Length = c.Len()
	return res, nil
}

func printReplay(w io.Writer, res replayResult) {
	rows := make([][]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		score := ""
		if s.Tier != "" {
			score = strconv.FormatFloat(s.Score, 'f', 3, 64)
		}
		rows = append(rows, []string{
			strconv.Itoa(s.Line),
			tail(s.Snapshot, 24),
			s.Result,
			s.Tier,
			score,
			strconv.Itoa(s.From),
			strconv.Itoa(s.To),
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Line", "Snapshot", "Result", "Tier", "Score", "From", "To"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	))
	pct := 0.0
	if res.Length > 0 {
		pct = 100 * float64(res.Cursor) / float64(res.Length)
	}
	fmt.Fprintf(w, "cursor %d/%d (%.1f%%)\n", res.Cursor, res.Length, pct)
}

// tail keeps the last n runes of s, which is where new speech lands.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n+1:])
}
