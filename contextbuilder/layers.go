package contextbuilder

import (
	"fmt"
	"slices"
	"strings"
)

// Depth is how much situational detail a technique needs before roleplay can start.
type Depth int

const (
	DepthLight Depth = iota + 1
	DepthStandard
	DepthDeep
)

func (d Depth) String() string {
	switch d {
	case DepthLight:
		return "light"
	case DepthStandard:
		return "standard"
	case DepthDeep:
		return "deep"
	default:
		return "unknown"
	}
}

// ParseDepth parses light, standard or deep (case-insensitive).
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "light":
		return DepthLight, nil
	case "standard", "":
		return DepthStandard, nil
	case "deep":
		return DepthDeep, nil
	}
	return 0, fmt.Errorf("unknown context depth %q", s)
}

func (d Depth) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Depth) UnmarshalText(b []byte) error {
	parsed, err := ParseDepth(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Layer names one tier of gathered context.
type Layer string

const (
	LayerBase          Layer = "base"
	LayerScenario      Layer = "scenario"
	LayerValueMap      Layer = "value_map"
	LayerObjectionBank Layer = "objection_bank"
)

// layerOrder is both the generation order and the rendering order.
var layerOrder = []Layer{LayerBase, LayerScenario, LayerValueMap, LayerObjectionBank}

// RequiredLayers maps a depth to the layers that must be present.
func RequiredLayers(d Depth) []Layer {
	switch d {
	case DepthLight:
		return []Layer{LayerBase}
	case DepthDeep:
		return slices.Clone(layerOrder)
	default:
		return []Layer{LayerBase, LayerScenario}
	}
}

// BaseContext is the seller profile the learner provides.
type BaseContext struct {
	Sector         string `json:"sector,omitempty"`
	Product        string `json:"product,omitempty"`
	TargetCustomer string `json:"target_customer,omitempty"`
	DealSize       string `json:"deal_size,omitempty"`
}

// BaseField identifies one BaseContext field, in questioning order.
type BaseField string

const (
	FieldSector         BaseField = "sector"
	FieldProduct        BaseField = "product"
	FieldTargetCustomer BaseField = "target_customer"
	FieldDealSize       BaseField = "deal_size"
)

// BaseFields lists the base fields in the order they are asked for.
func BaseFields() []BaseField {
	return []BaseField{FieldSector, FieldProduct, FieldTargetCustomer, FieldDealSize}
}

// minBaseFields is the number of populated fields that makes the base layer present.
const minBaseFields = 2

// Get returns the value of a field.
func (b BaseContext) Get(f BaseField) string {
	switch f {
	case FieldSector:
		return b.Sector
	case FieldProduct:
		return b.Product
	case FieldTargetCustomer:
		return b.TargetCustomer
	case FieldDealSize:
		return b.DealSize
	}
	return ""
}

// Set returns a copy with field f set to value.
func (b BaseContext) Set(f BaseField, value string) BaseContext {
	value = strings.TrimSpace(value)
	switch f {
	case FieldSector:
		b.Sector = value
	case FieldProduct:
		b.Product = value
	case FieldTargetCustomer:
		b.TargetCustomer = value
	case FieldDealSize:
		b.DealSize = value
	}
	return b
}

// Populated counts non-blank fields.
func (b BaseContext) Populated() int {
	n := 0
	for _, f := range BaseFields() {
		if strings.TrimSpace(b.Get(f)) != "" {
			n++
		}
	}
	return n
}

// NextMissing returns the first unanswered field in questioning order.
func (b BaseContext) NextMissing() (BaseField, bool) {
	for _, f := range BaseFields() {
		if strings.TrimSpace(b.Get(f)) == "" {
			return f, true
		}
	}
	return "", false
}

// Scenario describes the customer situation for the roleplay.
type Scenario struct {
	Situation    string `json:"situation"`
	CustomerRole string `json:"customer_role,omitempty"`
	Company      string `json:"company,omitempty"`
	Trigger      string `json:"trigger,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
}

// ValueMap lists the value the offering creates for this customer.
type ValueMap struct {
	Benefits        []string `json:"benefits,omitempty"`
	ProofPoints     []string `json:"proof_points,omitempty"`
	Differentiators []string `json:"differentiators,omitempty"`
	Fallback        bool     `json:"fallback,omitempty"`
}

// ObjectionBank lists what the customer is likely to push back on.
type ObjectionBank struct {
	Objections []string `json:"objections,omitempty"`
	Concerns   []string `json:"concerns,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// Layers is the lazily populated context of one session. A layer, once present, is never
// regenerated.
type Layers struct {
	Base          *BaseContext   `json:"base,omitempty"`
	Scenario      *Scenario      `json:"scenario,omitempty"`
	ValueMap      *ValueMap      `json:"value_map,omitempty"`
	ObjectionBank *ObjectionBank `json:"objection_bank,omitempty"`
}

// Clone returns a deep copy.
func (l Layers) Clone() Layers {
	var out Layers
	if l.Base != nil {
		b := *l.Base
		out.Base = &b
	}
	if l.Scenario != nil {
		s := *l.Scenario
		out.Scenario = &s
	}
	if l.ValueMap != nil {
		v := *l.ValueMap
		v.Benefits = slices.Clone(v.Benefits)
		v.ProofPoints = slices.Clone(v.ProofPoints)
		v.Differentiators = slices.Clone(v.Differentiators)
		out.ValueMap = &v
	}
	if l.ObjectionBank != nil {
		o := *l.ObjectionBank
		o.Objections = slices.Clone(o.Objections)
		o.Concerns = slices.Clone(o.Concerns)
		out.ObjectionBank = &o
	}
	return out
}

// Has reports whether a layer satisfies its minimum-content predicate.
func (l Layers) Has(layer Layer) bool {
	switch layer {
	case LayerBase:
		return l.Base != nil && l.Base.Populated() >= minBaseFields
	case LayerScenario:
		return l.Scenario != nil && strings.TrimSpace(l.Scenario.Situation) != ""
	case LayerValueMap:
		return l.ValueMap != nil && (nonBlank(l.ValueMap.Benefits) || nonBlank(l.ValueMap.ProofPoints) || nonBlank(l.ValueMap.Differentiators))
	case LayerObjectionBank:
		return l.ObjectionBank != nil && (nonBlank(l.ObjectionBank.Objections) || nonBlank(l.ObjectionBank.Concerns))
	}
	return false
}

// Missing returns the required layers that are not yet present, in generation order.
func (l Layers) Missing(required []Layer) []Layer {
	var missing []Layer
	for _, layer := range layerOrder {
		if slices.Contains(required, layer) && !l.Has(layer) {
			missing = append(missing, layer)
		}
	}
	return missing
}

// Complete reports whether every required layer is present.
func (l Layers) Complete(required []Layer) bool {
	return len(l.Missing(required)) == 0
}

// Fallbacks lists the present layers that were produced by the fallback policy.
func (l Layers) Fallbacks() []Layer {
	var out []Layer
	if l.Scenario != nil && l.Scenario.Fallback {
		out = append(out, LayerScenario)
	}
	if l.ValueMap != nil && l.ValueMap.Fallback {
		out = append(out, LayerValueMap)
	}
	if l.ObjectionBank != nil && l.ObjectionBank.Fallback {
		out = append(out, LayerObjectionBank)
	}
	return out
}

func nonBlank(items []string) bool {
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			return true
		}
	}
	return false
}
