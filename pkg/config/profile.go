package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// ExperimentProfile is the YAML shape an operator launches an experiment
// from: the experiment itself, its policies, and the pinned arm catalog.
type ExperimentProfile struct {
	Experiment ExperimentSection `yaml:"experiment" json:"experiment"`
	Policies   []PolicySection   `yaml:"policies" json:"policies"`
	Arms       []ArmSection      `yaml:"arms" json:"arms"`
}

// ExperimentSection mirrors contracts.Experiment in operator-facing form.
type ExperimentSection struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	Surface           string             `yaml:"surface" json:"surface"`
	Priority          int                `yaml:"priority,omitempty" json:"priority,omitempty"`
	Salt              string             `yaml:"salt" json:"salt"`
	TrafficFraction   float64            `yaml:"traffic_fraction" json:"traffic_fraction"`
	TrafficPlan       map[string]float64 `yaml:"traffic_plan" json:"traffic_plan"`
	DefaultPolicyID   string             `yaml:"default_policy_id" json:"default_policy_id"`
	CatalogVersion    int                `yaml:"catalog_version,omitempty" json:"catalog_version,omitempty"`
	AttributionWindow string             `yaml:"attribution_window,omitempty" json:"attribution_window,omitempty"`
	RewardMapping     string             `yaml:"reward_mapping,omitempty" json:"reward_mapping,omitempty"`
	RewardExpr        string             `yaml:"reward_expr,omitempty" json:"reward_expr,omitempty"`
	Guardrails        map[string]any     `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`
	Decision          map[string]any     `yaml:"decision,omitempty" json:"decision,omitempty"`
	Notes             string             `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// PolicySection declares one policy lane.
type PolicySection struct {
	ID     string         `yaml:"id" json:"id"`
	Kind   string         `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// ArmSection declares one catalog arm.
type ArmSection struct {
	ArmID    string            `yaml:"arm_id" json:"arm_id"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// profileSchema is the declared shape for experiment profiles. Structured
// maps (params, guardrails, decision) are validated here rather than parsed
// ad hoc.
const profileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["experiment", "policies", "arms"],
	"properties": {
		"experiment": {
			"type": "object",
			"required": ["id", "salt", "traffic_fraction", "traffic_plan", "default_policy_id"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"salt": {"type": "string", "minLength": 1},
				"traffic_fraction": {"type": "number", "minimum": 0, "maximum": 1},
				"traffic_plan": {
					"type": "object",
					"minProperties": 1,
					"additionalProperties": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
				},
				"default_policy_id": {"type": "string", "minLength": 1},
				"reward_mapping": {"enum": ["binary_click", "scaled_rating", "composite"]},
				"guardrails": {
					"type": "object",
					"properties": {
						"error_rate_max": {"type": "number", "minimum": 0, "maximum": 1},
						"latency_p95_max_ms": {"type": "number", "minimum": 0},
						"arm_concentration_max": {"type": "number", "minimum": 0, "maximum": 1},
						"reward_drop_min": {"type": "number", "maximum": 0},
						"sample_ratio_p_value": {"type": "number", "minimum": 0, "maximum": 1},
						"window_minutes": {"type": "integer", "minimum": 1}
					},
					"additionalProperties": false
				},
				"decision": {
					"type": "object",
					"properties": {
						"min_uplift": {"type": "number"},
						"min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
						"min_window_days": {"type": "integer", "minimum": 1},
						"max_window_days": {"type": "integer", "minimum": 1},
						"min_events": {"type": "integer", "minimum": 1},
						"propensity_min": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
						"auto_ship": {"type": "boolean"},
						"auto_kill": {"type": "boolean"}
					},
					"additionalProperties": false
				}
			}
		},
		"policies": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "kind"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"enum": ["thompson", "egreedy", "ucb", "control"]},
					"params": {
						"type": "object",
						"properties": {
							"alpha0": {"type": "number", "minimum": 0},
							"beta0": {"type": "number", "minimum": 0},
							"propensity_draws": {"type": "integer", "minimum": 500},
							"epsilon": {"type": "number", "minimum": 0, "maximum": 1},
							"exploration_c": {"type": "number", "minimum": 0},
							"exploration_floor": {"type": "number", "minimum": 0, "exclusiveMaximum": 1},
							"fixed_arm_id": {"type": "string"},
							"contextual": {"type": "boolean"}
						},
						"additionalProperties": false
					}
				}
			}
		},
		"arms": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["arm_id"],
				"properties": {"arm_id": {"type": "string", "minLength": 1}}
			}
		}
	}
}`

var compiledProfileSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://cineamate.schemas.local/experiment_profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(fmt.Sprintf("profile schema resource: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("profile schema compile: %v", err))
	}
	return s
}()

// LoadProfile reads and validates an experiment profile from path.
func LoadProfile(path string) (*ExperimentProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	return ParseProfile(raw)
}

// ParseProfile decodes YAML, validates it against the declared schema, and
// cross-checks references. Any violation is a Configuration error.
func ParseProfile(raw []byte) (*ExperimentProfile, error) {
	var p ExperimentProfile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, contracts.NewError(contracts.ErrorKindConfiguration, "decode profile", err)
	}

	// Round-trip through JSON so the schema sees the same shapes it declares.
	jsonRaw, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonRaw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(doc); err != nil {
		return nil, contracts.NewError(contracts.ErrorKindConfiguration, "validate profile", err)
	}

	if err := p.crossCheck(); err != nil {
		return nil, contracts.NewError(contracts.ErrorKindConfiguration, "validate profile", err)
	}
	return &p, nil
}

func (p *ExperimentProfile) crossCheck() error {
	policies := make(map[string]bool, len(p.Policies))
	for _, pol := range p.Policies {
		if policies[pol.ID] {
			return fmt.Errorf("duplicate policy id %q", pol.ID)
		}
		policies[pol.ID] = true
	}
	for id := range p.Experiment.TrafficPlan {
		if !policies[id] {
			return fmt.Errorf("traffic plan references unknown policy %q", id)
		}
	}
	if p.Experiment.AttributionWindow != "" {
		if _, err := time.ParseDuration(p.Experiment.AttributionWindow); err != nil {
			return fmt.Errorf("attribution_window: %w", err)
		}
	}
	return nil
}

// Build materializes the profile into data-model entities.
func (p *ExperimentProfile) Build(now time.Time) (*contracts.Experiment, []*contracts.Policy, *contracts.Catalog, error) {
	e := p.Experiment
	plan := make(contracts.TrafficPlan, 0, len(e.TrafficPlan))
	for id, share := range e.TrafficPlan {
		plan = append(plan, contracts.PlanEntry{PolicyID: id, Share: share})
	}
	plan = plan.Normalized()

	version := e.CatalogVersion
	if version == 0 {
		version = 1
	}
	exp := &contracts.Experiment{
		ID:              e.ID,
		Name:            e.Name,
		Surface:         e.Surface,
		Status:          contracts.StatusDraft,
		Priority:        e.Priority,
		Salt:            e.Salt,
		StartAt:         now,
		TrafficFraction: e.TrafficFraction,
		TrafficPlan:     plan,
		DefaultPolicyID: e.DefaultPolicyID,
		CatalogVersion:  version,
		RewardMapping:   contracts.RewardMappingMode(e.RewardMapping),
		RewardExpr:      e.RewardExpr,
		Notes:           e.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if exp.RewardMapping == "" {
		exp.RewardMapping = contracts.RewardBinaryClick
	}
	if e.AttributionWindow != "" {
		d, _ := time.ParseDuration(e.AttributionWindow)
		exp.AttributionWindow = d
	}
	if err := remarshal(e.Guardrails, &exp.Guardrails); err != nil {
		return nil, nil, nil, err
	}
	if err := remarshal(e.Decision, &exp.Decision); err != nil {
		return nil, nil, nil, err
	}
	if err := exp.Validate(); err != nil {
		return nil, nil, nil, contracts.NewError(contracts.ErrorKindConfiguration, "build experiment", err)
	}

	var policies []*contracts.Policy
	for _, ps := range p.Policies {
		pol := &contracts.Policy{ID: ps.ID, ExperimentID: e.ID, Kind: contracts.PolicyKind(ps.Kind)}
		if err := remarshal(ps.Params, &pol.Params); err != nil {
			return nil, nil, nil, err
		}
		if err := pol.Validate(); err != nil {
			return nil, nil, nil, contracts.NewError(contracts.ErrorKindConfiguration, "build policy "+ps.ID, err)
		}
		policies = append(policies, pol)
	}

	cat := &contracts.Catalog{ExperimentID: e.ID, Version: version}
	for _, a := range p.Arms {
		cat.Arms = append(cat.Arms, contracts.Arm{
			ArmID: a.ArmID, ExperimentID: e.ID, Metadata: a.Metadata,
		})
	}
	if err := cat.Validate(); err != nil {
		return nil, nil, nil, contracts.NewError(contracts.ErrorKindConfiguration, "build catalog", err)
	}
	return exp, policies, cat, nil
}

// remarshal moves a loosely-typed map into its declared struct shape.
func remarshal(from any, to any) error {
	if from == nil {
		return nil
	}
	raw, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("remarshal: %w", err)
	}
	return json.Unmarshal(raw, to)
}
