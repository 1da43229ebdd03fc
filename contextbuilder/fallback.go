package contextbuilder

import (
	"fmt"
	"strings"
)

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func fallbackScenario(base BaseContext) Scenario {
	sector := orDefault(base.Sector, "their industry")
	product := orDefault(base.Product, "a new solution")
	return Scenario{
		Situation: fmt.Sprintf(
			"A mid-sized company in %s is reviewing its current setup and has agreed to a first meeting about %s. "+
				"They are busy, cautious about change and want to understand what is in it for them.",
			sector, product),
		CustomerRole: orDefault(base.TargetCustomer, "Operations manager"),
		Company:      fmt.Sprintf("Established company in %s with about 150 employees", sector),
		Trigger:      "Their current contract ends within six months and costs have risen.",
		Fallback:     true,
	}
}

func fallbackValueMap(base BaseContext) ValueMap {
	product := orDefault(base.Product, "the solution")
	return ValueMap{
		Benefits: []string{
			fmt.Sprintf("%s saves the team time on daily routine work", product),
			"Fewer errors and less rework in the current process",
			"Clear insight into costs and results",
		},
		ProofPoints: []string{
			"Comparable customers report measurable savings within the first year",
		},
		Differentiators: []string{
			"Local support and a fixed point of contact",
		},
		Fallback: true,
	}
}

func fallbackObjectionBank(BaseContext) ObjectionBank {
	return ObjectionBank{
		Objections: []string{
			"This is more expensive than what we have now.",
			"We don't have time to switch right now.",
			"I need to discuss this with my team first.",
		},
		Concerns: []string{
			"Effort and risk of the implementation",
			"Whether the investment pays for itself",
		},
		Fallback: true,
	}
}
