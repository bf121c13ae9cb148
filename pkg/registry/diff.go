package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/simloom/simloom/pkg/llm"
	"github.com/simloom/simloom/pkg/models"
	"github.com/simloom/simloom/pkg/store"
)

// diffBudget is the token reservation for one interactive diff summary.
const diffBudget = 256

// SummarizeDiff compares two nodes of a cached tree and returns a short
// summary. When a chat client and quota headroom are available the
// deterministic diff is polished by the LLM and the reservation committed;
// a quota denial or LLM failure degrades to the deterministic text instead
// of failing the request.
func (g *Registry) SummarizeDiff(ctx context.Context, simulationID string, fromID, toID int, userID, providerID string) (string, error) {
	rec, err := g.GetOrCreate(ctx, simulationID)
	if err != nil {
		return "", err
	}
	diff, err := rec.Tree.DiffNodes(fromID, toID)
	if err != nil {
		return "", err
	}
	plain := diff.String()

	chat := g.clients.ChatOrDefault()
	if chat == nil {
		return plain, nil
	}

	// Interactive use shares the experiment quota row: reserve, call,
	// commit. Denial is not an error, it selects the deterministic summary.
	usage := g.store.Usage()
	switch err := usage.Reserve(ctx, userID, providerID, diffBudget); {
	case err == nil:
	case errors.Is(err, store.ErrQuotaExceeded):
		slog.Info("diff summary quota denied, using deterministic summary",
			"simulation", simulationID, "from", fromID, "to", toID)
		return plain, nil
	case errors.Is(err, store.ErrNotFound):
		// No quota configured for this pair; proceed without accounting.
		return g.polishDiff(ctx, chat, plain), nil
	default:
		return "", fmt.Errorf("reserve diff summary tokens: %w", err)
	}

	out := g.polishDiff(ctx, chat, plain)
	if out == plain {
		// The LLM did not contribute; hand the tokens back.
		if err := usage.Release(ctx, userID, providerID, diffBudget); err != nil {
			slog.Warn("releasing diff summary reservation failed", "error", err)
		}
		return plain, nil
	}
	if err := usage.Commit(ctx, userID, providerID, diffBudget); err != nil {
		slog.Warn("committing diff summary reservation failed", "error", err)
	}
	return out, nil
}

// polishDiff asks the chat client for a narrative rendering of the
// deterministic diff. Any failure falls back to the input.
func (g *Registry) polishDiff(ctx context.Context, chat llm.ChatClient, plain string) string {
	out, err := chat.Chat(ctx, []models.Message{
		{Role: models.RoleSystem, Content: "Summarize the following simulation branch diff in one short paragraph."},
		{Role: models.RoleUser, Content: plain},
	})
	if err != nil || out == "" {
		if err != nil {
			slog.Warn("diff summary LLM call failed, using deterministic summary", "error", err)
		}
		return plain
	}
	return out
}
