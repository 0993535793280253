package steering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oms/singularity/internal/registry"
)

// ComplaintStatus is the terminal state of a complaint.
type ComplaintStatus string

const (
	ComplaintPending       ComplaintStatus = "pending"
	ComplaintResolved      ComplaintStatus = "resolved"
	ComplaintUnidentified  ComplaintStatus = "unidentified"
	ComplaintCircularLoser ComplaintStatus = "circular_loser"
	ComplaintError         ComplaintStatus = "error"
)

// Complaint is one agent's claim that another agent is mutating its files.
type Complaint struct {
	ID                 string
	ComplainantAgentID string
	ComplainantTaskID  string
	Files              []string
	Reason             string
	FrozenAgents       []string
	ResolverAgentID    string
	TargetAgentID      string
	Status             ComplaintStatus
	FiledAt            time.Time
}

// Complain files a complaint on behalf of an agent, freezes it while a
// resolver adjudicates, and interrupts the identified conflicting agent.
// Blocks until resolution.
func (m *Manager) Complain(ctx context.Context, complainantAgentID string, files []string, reason string) (*Complaint, error) {
	complainant, ok := m.registry.Get(complainantAgentID)
	if !ok {
		return nil, fmt.Errorf("unknown complainant agent %s", complainantAgentID)
	}

	c := &Complaint{
		ID:                 uuid.New().String(),
		ComplainantAgentID: complainantAgentID,
		ComplainantTaskID:  complainant.TaskID,
		Files:              files,
		Reason:             reason,
		Status:             ComplaintPending,
		FiledAt:            time.Now().UTC(),
	}
	m.cmu.Lock()
	m.complaints[c.ID] = c
	m.cmu.Unlock()

	log := m.logger.WithFields(
		zap.String("complaint_id", c.ID),
		zap.String("complainant", complainantAgentID))
	log.Info("complaint filed", zap.Strings("files", files))

	m.freeze(ctx, c, complainant)
	defer m.unfreeze(ctx, c)

	targetID, err := m.resolve(ctx, c, complainant)
	if err != nil {
		c.Status = ComplaintError
		log.Warn("complaint resolution failed", zap.Error(err))
		return c, nil
	}
	if targetID == "" {
		c.Status = ComplaintUnidentified
		log.Info("resolver could not identify a conflicting agent")
		return c, nil
	}
	c.TargetAgentID = targetID

	// Circular complaints: if the identified agent has an open complaint of
	// its own against us, the younger filing loses.
	if loser := m.circularLoser(c, targetID); loser != nil {
		loser.Status = ComplaintCircularLoser
		log.Info("circular complaint detected",
			zap.String("loser", loser.ID),
			zap.String("target", targetID))
		if loser == c {
			return c, nil
		}
	}

	c.Status = ComplaintResolved
	if target, ok := m.registry.Get(targetID); ok && !registry.Terminal(target.Status) {
		msg := fmt.Sprintf(
			"Another agent reported you are modifying files it owns (%s): %s. "+
				"Stop touching those files and continue with the rest of your task.",
			strings.Join(files, ", "), reason)
		target.RPC.SuppressNextAgentEnd()
		if err := target.RPC.AbortAndPrompt(ctx, UrgentPrefix+msg); err != nil {
			log.Warn("failed to interrupt conflicting agent", zap.Error(err))
		}
	}
	log.Info("complaint resolved", zap.String("target", targetID))
	return c, nil
}

// RevokeComplaint withdraws every pending complaint filed by an agent.
// Returns the number withdrawn.
func (m *Manager) RevokeComplaint(ctx context.Context, complainantAgentID string) int {
	m.cmu.Lock()
	var revoked []*Complaint
	for _, c := range m.complaints {
		if c.ComplainantAgentID == complainantAgentID && c.Status == ComplaintPending {
			delete(m.complaints, c.ID)
			revoked = append(revoked, c)
		}
	}
	m.cmu.Unlock()
	for _, c := range revoked {
		m.unfreeze(ctx, c)
		m.logger.Info("complaint revoked", zap.String("complaint_id", c.ID))
	}
	return len(revoked)
}

// Complaints returns a snapshot of all complaints, newest first not
// guaranteed.
func (m *Manager) Complaints() []Complaint {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	out := make([]Complaint, 0, len(m.complaints))
	for _, c := range m.complaints {
		out = append(out, *c)
	}
	return out
}

func (m *Manager) freeze(ctx context.Context, c *Complaint, complainant *registry.Agent) {
	if registry.Terminal(complainant.Status) {
		return
	}
	msg := "A file-conflict complaint you filed is being resolved. " +
		"Hold off on further changes to the contested files until resolution."
	if err := complainant.RPC.Steer(ctx, msg); err != nil {
		m.logger.Debug("failed to freeze complainant", zap.Error(err))
		return
	}
	c.FrozenAgents = append(c.FrozenAgents, complainant.ID)
}

func (m *Manager) unfreeze(ctx context.Context, c *Complaint) {
	for _, id := range c.FrozenAgents {
		agent, ok := m.registry.Get(id)
		if !ok || registry.Terminal(agent.Status) {
			continue
		}
		if err := agent.RPC.Steer(ctx, "The file-conflict complaint is settled. Continue your task."); err != nil {
			m.logger.Debug("failed to unfreeze agent", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// resolve spawns a resolver agent over the complaint plus transcripts of the
// candidate agents and returns the conflicting agent id ("" = unidentified).
func (m *Manager) resolve(ctx context.Context, c *Complaint, complainant *registry.Agent) (string, error) {
	var summary strings.Builder
	fmt.Fprintf(&summary, "Complaint by %s (task %s): %s\nContested files: %s\n\n",
		c.ComplainantAgentID, c.ComplainantTaskID, c.Reason, strings.Join(c.Files, ", "))
	fmt.Fprintf(&summary, "Complainant's recent activity:\n%s\n\n",
		m.workerTranscript(ctx, complainant))

	for _, candidate := range m.activeWorkers() {
		if candidate.ID == c.ComplainantAgentID {
			continue
		}
		fmt.Fprintf(&summary, "Candidate %s (task %s):\n%s\n\n",
			candidate.ID, candidate.TaskID, m.workerTranscript(ctx, candidate))
	}

	agent, err := m.spawner.SpawnResolver(ctx, summary.String())
	if err != nil {
		return "", fmt.Errorf("failed to spawn resolver: %w", err)
	}
	c.ResolverAgentID = agent.ID

	waitErr := agent.RPC.WaitForAgentEnd(ctx, resolverWait)
	text, textErr := agent.RPC.GetLastAssistantText(ctx)
	agent.RPC.ForceKill()
	m.registry.SetStatus(agent.ID, registry.StatusDone)
	if waitErr != nil && textErr != nil {
		return "", fmt.Errorf("resolver produced no output: %w", waitErr)
	}
	return parseResolverVerdict(text)
}

// circularLoser returns the younger of two complaints that accuse each
// other, or nil when no counterpart complaint is still open.
func (m *Manager) circularLoser(c *Complaint, targetID string) *Complaint {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	for _, other := range m.complaints {
		if other.ID == c.ID || other.Status != ComplaintPending {
			continue
		}
		if other.ComplainantAgentID != targetID {
			continue
		}
		// The counterpart either already identified us or is aimed at our
		// task's worker class.
		if other.TargetAgentID == c.ComplainantAgentID || other.TargetAgentID == "" {
			if other.FiledAt.After(c.FiledAt) {
				return other
			}
			return c
		}
	}
	return nil
}
