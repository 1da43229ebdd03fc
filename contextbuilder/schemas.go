package contextbuilder

import (
	"errors"
	"strings"

	"google.golang.org/genai"
)

type scenarioOutput struct {
	Situation    string `json:"situation"`
	CustomerRole string `json:"customerRole"`
	Company      string `json:"company"`
	Trigger      string `json:"trigger"`
}

func (s *scenarioOutput) Validate() error {
	if strings.TrimSpace(s.Situation) == "" {
		return errors.New("scenario: situation is empty")
	}
	return nil
}

type valueMapOutput struct {
	Benefits        []string `json:"benefits"`
	ProofPoints     []string `json:"proofPoints"`
	Differentiators []string `json:"differentiators"`
}

func (v *valueMapOutput) Validate() error {
	if !nonBlank(v.Benefits) && !nonBlank(v.ProofPoints) && !nonBlank(v.Differentiators) {
		return errors.New("value map: every list is empty")
	}
	return nil
}

type objectionBankOutput struct {
	Objections []string `json:"objections"`
	Concerns   []string `json:"concerns"`
}

func (o *objectionBankOutput) Validate() error {
	if !nonBlank(o.Objections) && !nonBlank(o.Concerns) {
		return errors.New("objection bank: every list is empty")
	}
	return nil
}

func stringList(description string) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeArray,
		Items:       &genai.Schema{Type: genai.TypeString},
		Description: description,
	}
}

func scenarioSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"situation": {
				Type:        genai.TypeString,
				Description: "Two or three sentences describing the customer's current situation (minimum 10 characters)",
			},
			"customerRole": {
				Type:        genai.TypeString,
				Description: "Job title of the person the seller talks to",
			},
			"company": {
				Type:        genai.TypeString,
				Description: "Short description of the customer's company",
			},
			"trigger": {
				Type:        genai.TypeString,
				Description: "Why the customer is open to a conversation right now",
			},
		},
		Required:         []string{"situation", "customerRole", "company", "trigger"},
		PropertyOrdering: []string{"situation", "customerRole", "company", "trigger"},
	}
}

func valueMapSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"benefits":        stringList("Two to four concrete benefits for this customer"),
			"proofPoints":     stringList("One to three facts, references or figures that substantiate the benefits"),
			"differentiators": stringList("One to three reasons to choose this offering over alternatives"),
		},
		Required:         []string{"benefits", "proofPoints", "differentiators"},
		PropertyOrdering: []string{"benefits", "proofPoints", "differentiators"},
	}
}

func objectionBankSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"objections": stringList("Three to five objections phrased as the customer would say them"),
			"concerns":   stringList("One to three underlying concerns behind the objections"),
		},
		Required:         []string{"objections", "concerns"},
		PropertyOrdering: []string{"objections", "concerns"},
	}
}
