// Package report renders run results for humans and for export.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// RunSummary is the condensed result of a finished run.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline"`
	Status     types.RunStatus   `json:"status"`
	Error      string            `json:"error,omitempty"`
	Trigger    types.Trigger     `json:"trigger"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Duration   time.Duration     `json:"duration_ns,omitempty"`
	Stages     []StageSummary    `json:"stages"`
	Artifacts  []ArtifactSummary `json:"artifacts,omitempty"`
}

// StageSummary condenses one stage's outcome.
type StageSummary struct {
	Name     string            `json:"name"`
	Status   types.StageStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration_ns,omitempty"`
	Steps    []StepSummary     `json:"steps,omitempty"`
}

// StepSummary condenses one step's outcome.
type StepSummary struct {
	Name     string            `json:"name"`
	Status   types.StepStatus  `json:"status"`
	ExitCode int               `json:"exit_code"`
	Attempts int               `json:"attempts"`
	Failure  types.FailureClass `json:"failure,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ArtifactSummary describes one published artifact.
type ArtifactSummary struct {
	Key   string             `json:"key"`
	Kind  types.ArtifactKind `json:"kind"`
	Stage string             `json:"stage"`
	Value string             `json:"value"`
}

// Build condenses a finished run and its artifacts into a summary. Stages
// follow the run's execution order.
func Build(run *types.PipelineRun, artifacts []types.Artifact) *RunSummary {
	s := &RunSummary{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Status:     run.Status,
		Error:      run.Error,
		Trigger:    run.Trigger,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		s.Duration = run.FinishedAt.Sub(*run.StartedAt)
	}

	for _, name := range run.Order {
		st, ok := run.Stages[name]
		if !ok {
			continue
		}
		ss := StageSummary{
			Name:   st.Name,
			Status: st.Status,
			Reason: st.Reason,
			Error:  st.Error,
		}
		if st.StartedAt != nil && st.FinishedAt != nil {
			ss.Duration = st.FinishedAt.Sub(*st.StartedAt)
		}
		for _, step := range st.Steps {
			ss.Steps = append(ss.Steps, StepSummary{
				Name:     step.Name,
				Status:   step.Status,
				ExitCode: step.ExitCode,
				Attempts: step.Attempts,
				Failure:  step.Failure,
				Error:    step.Error,
			})
		}
		s.Stages = append(s.Stages, ss)
	}

	sorted := make([]types.Artifact, len(artifacts))
	copy(sorted, artifacts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	for _, art := range sorted {
		s.Artifacts = append(s.Artifacts, ArtifactSummary{
			Key:   art.Key,
			Kind:  art.Kind,
			Stage: art.Stage,
			Value: art.Value(),
		})
	}

	return s
}

// Text renders the summary as a terminal-friendly report.
func (s *RunSummary) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s  pipeline=%s  status=%s", s.RunID, s.Pipeline, s.Status)
	if s.Duration > 0 {
		fmt.Fprintf(&b, "  duration=%s", s.Duration.Round(time.Millisecond))
	}
	b.WriteByte('\n')
	if s.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", s.Error)
	}

	if len(s.Stages) > 0 {
		b.WriteString("\nStages:\n")
		width := 0
		for _, st := range s.Stages {
			if len(st.Name) > width {
				width = len(st.Name)
			}
		}
		for _, st := range s.Stages {
			fmt.Fprintf(&b, "  %s %-*s  %s", statusMark(st.Status), width, st.Name, st.Status)
			if st.Reason != "" {
				fmt.Fprintf(&b, " (%s)", st.Reason)
			}
			if st.Duration > 0 {
				fmt.Fprintf(&b, "  %s", st.Duration.Round(time.Millisecond))
			}
			b.WriteByte('\n')
			for _, step := range st.Steps {
				fmt.Fprintf(&b, "      %s %s", string(step.Status), step.Name)
				if step.Attempts > 1 {
					fmt.Fprintf(&b, "  attempts=%d", step.Attempts)
				}
				if step.Status == types.StepStatusFailed || step.Status == types.StepStatusInterrupted {
					fmt.Fprintf(&b, "  exit=%d", step.ExitCode)
					if step.Error != "" {
						fmt.Fprintf(&b, "  %s", step.Error)
					}
				}
				b.WriteByte('\n')
			}
		}
	}

	if len(s.Artifacts) > 0 {
		b.WriteString("\nArtifacts:\n")
		for _, art := range s.Artifacts {
			fmt.Fprintf(&b, "  %s (%s, from %s) = %s\n", art.Key, art.Kind, art.Stage, art.Value)
		}
	}

	return b.String()
}

func statusMark(st types.StageStatus) string {
	switch st {
	case types.StageStatusSucceeded:
		return "+"
	case types.StageStatusFailed, types.StageStatusInterrupted:
		return "x"
	case types.StageStatusSkipped:
		return "-"
	default:
		return "?"
	}
}
