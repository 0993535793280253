package spawner

import (
	"context"
	"fmt"
	"strings"

	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/registry"
)

// buildPrompt assembles the initial prompt for a spawn: a caller-supplied raw
// prompt, a resume kickoff, or the standardized task prompt.
func (s *Spawner) buildPrompt(ctx context.Context, agentType lifecycle.AgentType, taskID string, opts Options) (string, error) {
	if opts.Prompt != "" {
		return opts.Prompt, nil
	}
	if opts.KickoffMessage != "" {
		return opts.KickoffMessage, nil
	}
	if taskID == "" {
		return "", fmt.Errorf("no prompt available for %s without a task", agentType)
	}

	task, err := s.store.ShowTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch task %s for prompt: %w", taskID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", task.Description)
	}
	if task.Acceptance != "" {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n%s\n", task.Acceptance)
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(task.Labels, ", "))
	}

	// Issuers plan against history: render comments from the task and its
	// parent dependencies.
	if agentType == lifecycle.TypeIssuer {
		if ctxBlock := s.renderDependencyContext(ctx, task.ID, task.DependsOnIDs); ctxBlock != "" {
			b.WriteString("\n")
			b.WriteString(ctxBlock)
		}
	}

	if opts.Extra != "" {
		fmt.Fprintf(&b, "\nAdditional context:\n%s\n", opts.Extra)
	}
	return b.String(), nil
}

func (s *Spawner) renderDependencyContext(ctx context.Context, taskID string, deps []string) string {
	var b strings.Builder
	ids := append([]string{taskID}, deps...)
	for _, id := range ids {
		comments, err := s.store.ListComments(ctx, id)
		if err != nil || len(comments) == 0 {
			continue
		}
		if id == taskID {
			fmt.Fprintf(&b, "Comments on this task:\n")
		} else {
			fmt.Fprintf(&b, "Comments on dependency %s:\n", id)
		}
		for _, c := range comments {
			fmt.Fprintf(&b, "- [%s] %s\n", c.Author, c.Body)
		}
	}
	return b.String()
}

// SpawnIssuer launches an issuer for a task.
func (s *Spawner) SpawnIssuer(ctx context.Context, taskID, extra string) (*registry.Agent, error) {
	return s.SpawnAgent(ctx, lifecycle.TypeIssuer, taskID, Options{Extra: extra})
}

// SpawnFinisher launches a finisher with the worker's (or caller's) output as
// its kickoff payload.
func (s *Spawner) SpawnFinisher(ctx context.Context, taskID, payload string) (*registry.Agent, error) {
	return s.SpawnAgent(ctx, lifecycle.TypeFinisher, taskID, Options{Extra: payload})
}

// ResumeAgent relaunches an agent type against an existing LLM session.
func (s *Spawner) ResumeAgent(ctx context.Context, agentType lifecycle.AgentType, taskID, sessionID, kickoff string) (*registry.Agent, error) {
	return s.SpawnAgent(ctx, agentType, taskID, Options{
		ResumeSessionID: sessionID,
		KickoffMessage:  kickoff,
		AssertResumable: true,
	})
}

// SpawnMerger launches the merger against a replica directory. The caller
// enforces the one-merger-alive invariant.
func (s *Spawner) SpawnMerger(ctx context.Context, taskID, replicaDir string) (*registry.Agent, error) {
	prompt := fmt.Sprintf(
		"Merge the completed work for task %s from the replica at %s back into the project root. "+
			"Resolve what you safely can; report a conflict when you cannot.",
		taskID, replicaDir)
	return s.SpawnAgent(ctx, lifecycle.TypeMerger, taskID, Options{
		Prompt: prompt,
		Cwd:    s.replicas.AgentDir(replicaDir),
	})
}

// SpawnSteering launches a steering agent fed a worker transcript summary.
func (s *Spawner) SpawnSteering(ctx context.Context, taskID, summary string) (*registry.Agent, error) {
	prompt := fmt.Sprintf(
		"Review this worker's recent progress on task %s and decide whether to intervene.\n\n%s\n\n"+
			"Respond with JSON only: {\"action\":\"steer\",\"message\":\"...\"} or {\"action\":\"interrupt\"} or {\"action\":\"none\"}.",
		taskID, summary)
	return s.SpawnAgent(ctx, lifecycle.TypeSteering, taskID, Options{Prompt: prompt})
}

// SpawnBroadcastSteering launches a steering agent that routes one broadcast
// message across all workers.
func (s *Spawner) SpawnBroadcastSteering(ctx context.Context, message, workersSnapshot string) (*registry.Agent, error) {
	prompt := fmt.Sprintf(
		"An operator broadcast the following message to all workers:\n\n%s\n\n"+
			"Current workers:\n%s\n\n"+
			"Decide per worker. Respond with JSON only: "+
			"[{\"taskId\":\"...\",\"action\":\"steer\"|\"interrupt\"|\"none\",\"message\":\"...\",\"reason\":\"...\"}]",
		message, workersSnapshot)
	return s.SpawnAgent(ctx, lifecycle.TypeSteering, "", Options{Prompt: prompt})
}

// SpawnResolver launches a steering agent that adjudicates a file-conflict
// complaint between two agents.
func (s *Spawner) SpawnResolver(ctx context.Context, summary string) (*registry.Agent, error) {
	prompt := fmt.Sprintf(
		"Two agents may be working on overlapping files. Review the complaint and transcripts "+
			"and identify the conflicting agent.\n\n%s\n\n"+
			"Respond with JSON only: {\"conflictingAgentId\":\"...\"} or {\"conflictingAgentId\":null}.",
		summary)
	return s.SpawnAgent(ctx, lifecycle.TypeSteering, "", Options{Prompt: prompt})
}
