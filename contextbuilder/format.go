package contextbuilder

import (
	"strings"
)

// FormatForPrompt renders the populated layers in the fixed order base, scenario, value map,
// objection bank. Absent layers and empty fields are left out; field order inside a layer
// never changes, so identical layers always render identically.
func FormatForPrompt(l Layers) string {
	var sb strings.Builder

	for _, layer := range layerOrder {
		switch layer {
		case LayerBase:
			if !l.Has(LayerBase) {
				continue
			}
			section(&sb, "Seller profile")
			field(&sb, "Sector", l.Base.Sector)
			field(&sb, "Product", l.Base.Product)
			field(&sb, "Target customer", l.Base.TargetCustomer)
			field(&sb, "Deal size", l.Base.DealSize)
		case LayerScenario:
			if !l.Has(LayerScenario) {
				continue
			}
			section(&sb, "Customer scenario")
			field(&sb, "Situation", l.Scenario.Situation)
			field(&sb, "Customer role", l.Scenario.CustomerRole)
			field(&sb, "Company", l.Scenario.Company)
			field(&sb, "Trigger", l.Scenario.Trigger)
		case LayerValueMap:
			if !l.Has(LayerValueMap) {
				continue
			}
			section(&sb, "Value map")
			list(&sb, "Benefits", l.ValueMap.Benefits)
			list(&sb, "Proof points", l.ValueMap.ProofPoints)
			list(&sb, "Differentiators", l.ValueMap.Differentiators)
		case LayerObjectionBank:
			if !l.Has(LayerObjectionBank) {
				continue
			}
			section(&sb, "Objection bank")
			list(&sb, "Objections", l.ObjectionBank.Objections)
			list(&sb, "Concerns", l.ObjectionBank.Concerns)
		}
	}

	return strings.TrimSpace(sb.String())
}

func section(sb *strings.Builder, title string) {
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("## ")
	sb.WriteString(title)
	sb.WriteString("\n")
}

func field(sb *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	sb.WriteString(label)
	sb.WriteString(": ")
	sb.WriteString(value)
	sb.WriteString("\n")
}

func list(sb *strings.Builder, label string, items []string) {
	if !nonBlank(items) {
		return
	}
	sb.WriteString(label)
	sb.WriteString(":\n")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(item)
		sb.WriteString("\n")
	}
}
