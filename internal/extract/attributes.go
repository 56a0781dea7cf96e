package extract

import (
	"context"
	"fmt"

	"github.com/kalambet/carllm/internal/storage"
	"github.com/kalambet/carllm/internal/structured"
)

const attributesSystemPrompt = "You extract vehicle identity metadata from user messages. " +
	"Only return updates if the user explicitly states the information. Do not guess. " +
	"Use the current known data to avoid duplicates."

// AttributeStore is what the attribute extractor reads and writes.
type AttributeStore interface {
	VehicleLookup
	UpdateVehicleAttributes(ctx context.Context, vehicleID string, attrs storage.VehicleAttributes) error
}

// Attributes fills in engine, transmission, drivetrain and fuel type.
type Attributes struct {
	base
	store AttributeStore
}

func NewAttributes(store AttributeStore, client Completer, model string, opts ...Option) *Attributes {
	return &Attributes{base: newBase("metadata", client, model, opts), store: store}
}

func (a *Attributes) Handle(ctx context.Context, ev Event) error {
	_, err := a.Extract(ctx, ev)
	return err
}

// Extract runs the attribute extraction for ev and reports what happened.
func (a *Attributes) Extract(ctx context.Context, ev Event) (Outcome, error) {
	v, err := a.resolve(ctx, a.store, ev)
	if err != nil {
		return OutcomeSkipped, err
	}
	if v == nil {
		a.observe(OutcomeSkipped)
		return OutcomeSkipped, nil
	}

	obj, outcome := a.ask(ctx, attributesSystemPrompt, attributesPrompt(*v, UserText(ev.Content)),
		"vehicle_metadata_update", attributesSchema())
	if outcome != OutcomeUpdated {
		a.observe(outcome)
		return outcome, nil
	}

	updates, _ := obj["updates"].(map[string]any)
	changes := AttributeChanges(*v, updates)
	if changes.Empty() {
		a.logger.Info("no changes to apply", "vehicle_id", v.ID)
		a.observe(OutcomeUnchanged)
		return OutcomeUnchanged, nil
	}

	if err := a.store.UpdateVehicleAttributes(ctx, v.ID, changes); err != nil {
		return OutcomeUpdated, fmt.Errorf("updating vehicle attributes: %w", err)
	}
	a.logger.Info("updated vehicle", "vehicle_id", v.ID)
	a.observe(OutcomeUpdated)
	return OutcomeUpdated, nil
}

// AttributeChanges keeps the proposed values that are non-empty and differ
// from what is already known.
func AttributeChanges(known storage.Vehicle, updates map[string]any) storage.VehicleAttributes {
	pick := func(key, current string) string {
		v := normalize(updates[key])
		if v == "" || v == normalize(current) {
			return ""
		}
		return v
	}
	return storage.VehicleAttributes{
		EngineType:       pick("engine_type", known.EngineType),
		TransmissionType: pick("transmission_type", known.TransmissionType),
		Drivetrain:       pick("drivetrain", known.Drivetrain),
		FuelType:         pick("fuel_type", known.FuelType),
	}
}

func attributesPrompt(v storage.Vehicle, message string) string {
	year := ""
	if v.Year > 0 {
		year = fmt.Sprint(v.Year)
	}
	return fmt.Sprintf("Known vehicle:\nYear: %s\nMake: %s\nModel: %s\n"+
		"Known engine_type: %s\nKnown transmission_type: %s\nKnown drivetrain: %s\nKnown fuel_type: %s\n\n"+
		"User message:\n%s",
		orUnknown(year), orUnknown(v.Make), orUnknown(v.Model),
		orUnknown(v.EngineType), orUnknown(v.TransmissionType), orUnknown(v.Drivetrain), orUnknown(v.FuelType),
		message)
}

func attributesSchema() structured.Schema {
	return structured.Object(map[string]structured.Schema{
		"has_update": structured.Boolean(),
		"confidence": structured.Number("Confidence between 0 and 1"),
		"updates": structured.Object(map[string]structured.Schema{
			"engine_type":       structured.String("Engine type, e.g. 2.0L turbo I4"),
			"transmission_type": structured.String("Transmission type, e.g. 6-speed automatic"),
			"drivetrain":        structured.String("Drivetrain, e.g. AWD"),
			"fuel_type":         structured.String("Fuel type, e.g. gasoline"),
		}),
	}, "has_update", "confidence", "updates")
}
