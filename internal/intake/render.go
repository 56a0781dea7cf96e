package intake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/carllm/internal/storage"
)

const unknown = "unknown"

// vehicleLines renders the fields every prompt shares.
func vehicleLines(v storage.Vehicle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Year: %s\n", intOrUnknown(v.Year))
	fmt.Fprintf(&b, "Make: %s\n", textOrUnknown(v.Make))
	fmt.Fprintf(&b, "Model: %s\n", textOrUnknown(v.Model))
	fmt.Fprintf(&b, "Mileage: %s\n", intOrUnknown(v.Mileage))
	return b.String()
}

func intOrUnknown(n int) string {
	if n <= 0 {
		return unknown
	}
	return strconv.Itoa(n)
}

func textOrUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return unknown
	}
	return s
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, "\n")
}

// Render produces the intake text shared by the sufficiency gate, the
// fan-out engines, and the judge.
func Render(v storage.Vehicle, c Context) string {
	var b strings.Builder
	b.WriteString("Vehicle context:\n")
	b.WriteString(vehicleLines(v))
	b.WriteString("\nInitial report:\n")
	b.WriteString(c.Initial)
	b.WriteString("\n\nFollow-up questions:\n")
	b.WriteString(listOrNone(c.Questions))
	b.WriteString("\n\nUser answers:\n")
	b.WriteString(listOrNone(c.Answers))
	return b.String()
}

// Snapshot captures the vehicle and intake context a fan-out is dispatched
// with.
func Snapshot(v storage.Vehicle, c Context) storage.RunSnapshot {
	return storage.RunSnapshot{
		Car: storage.SnapshotCar{
			Year:    v.Year,
			Make:    v.Make,
			Model:   v.Model,
			Mileage: v.Mileage,
		},
		Intake: c.Snapshot(),
	}
}
