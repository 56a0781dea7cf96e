package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/carllm/internal/structured"
)

const replacementsSystemPrompt = "You extract replacement parts from user messages. " +
	"Only return replacements if the user explicitly says a part was replaced, installed, or swapped. " +
	"Do not guess."

// ReplacementStore is what the replacement extractor reads and writes.
type ReplacementStore interface {
	VehicleLookup
	SetReplacements(ctx context.Context, vehicleID string, items []string) error
}

// Replacements appends newly mentioned replaced parts to the vehicle.
type Replacements struct {
	base
	store ReplacementStore
}

func NewReplacements(store ReplacementStore, client Completer, model string, opts ...Option) *Replacements {
	return &Replacements{base: newBase("replacements", client, model, opts), store: store}
}

func (r *Replacements) Handle(ctx context.Context, ev Event) error {
	_, err := r.Extract(ctx, ev)
	return err
}

// Extract runs the replacement extraction for ev and reports what happened.
func (r *Replacements) Extract(ctx context.Context, ev Event) (Outcome, error) {
	v, err := r.resolve(ctx, r.store, ev)
	if err != nil {
		return OutcomeSkipped, err
	}
	if v == nil {
		r.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	obj, outcome := r.ask(ctx, replacementsSystemPrompt, replacementsPrompt(v.Replacements, UserText(ev.Content)),
		"vehicle_replacements_update", replacementsSchema())
	if outcome != OutcomeUpdated {
		r.observe(outcome)
		return outcome, nil
	}

	proposed, _ := obj["replacements"].([]any)
	merged, added := MergeReplacements(v.Replacements, proposed)
	if len(added) == 0 {
		r.logger.Info("no new replacements", "vehicle_id", v.ID)
		r.observe(OutcomeUnchanged)
		return OutcomeUnchanged, nil
	}

	if err := r.store.SetReplacements(ctx, v.ID, merged); err != nil {
		return OutcomeUpdated, fmt.Errorf("storing replacements: %w", err)
	}
	r.logger.Info("appended replacements", "vehicle_id", v.ID, "added", added)
	r.observe(OutcomeUpdated)
	return OutcomeUpdated, nil
}

// MergeReplacements appends the proposed items that are not already present,
// comparing trimmed values case-insensitively. Existing entries are kept
// verbatim and in order.
func MergeReplacements(existing []string, proposed []any) (merged, added []string) {
	seen := make(map[string]bool, len(existing)+len(proposed))
	for _, item := range existing {
		seen[strings.ToLower(strings.TrimSpace(item))] = true
	}
	for _, p := range proposed {
		item := normalize(p)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		added = append(added, item)
	}
	merged = make([]string, 0, len(existing)+len(added))
	merged = append(merged, existing...)
	merged = append(merged, added...)
	return merged, added
}

func replacementsPrompt(known []string, message string) string {
	list := "None"
	if len(known) > 0 {
		list = strings.Join(known, ", ")
	}
	return "Known replacements:\n" + list + "\n\nUser message:\n" + message
}

func replacementsSchema() structured.Schema {
	return structured.Object(map[string]structured.Schema{
		"has_update":   structured.Boolean(),
		"confidence":   structured.Number("Confidence between 0 and 1"),
		"replacements": structured.StringArray("Parts the user explicitly says were replaced"),
	}, "has_update", "confidence", "replacements")
}
