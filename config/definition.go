package config

import (
	"fmt"

	"github.com/GoCodeAlone/caseflow/model"
	"gopkg.in/yaml.v3"
)

// Wire form of a definition document as submitted to the API or loaded
// from a file. Field names follow the external snake_case contract; JSON
// parses fine through the YAML decoder.
type definitionDoc struct {
	Key         string          `yaml:"key"`
	Version     int             `yaml:"version"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	States      []stateDoc      `yaml:"states"`
	Transitions []transitionDoc `yaml:"transitions"`
	SLA         *slaDoc         `yaml:"sla"`
}

type stateDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Initial     bool   `yaml:"initial"`
	Terminal    string `yaml:"terminal"`
}

type transitionDoc struct {
	From          string      `yaml:"from"`
	To            string      `yaml:"to"`
	Trigger       string      `yaml:"trigger"`
	Guard         string      `yaml:"guard"`
	RequiredRoles []string    `yaml:"required_roles"`
	OnEnter       []actionDoc `yaml:"on_enter"`
}

type actionDoc struct {
	Name          string         `yaml:"name"`
	ExecutionMode string         `yaml:"execution_mode"`
	Mandatory     bool           `yaml:"mandatory"`
	Params        map[string]any `yaml:"params"`
}

type slaDoc struct {
	TotalDurationSeconds    int64            `yaml:"total_duration_seconds"`
	PerStateDurationSeconds map[string]int64 `yaml:"per_state_duration_seconds"`
}

// ParseDefinition decodes a JSON or YAML definition document into the
// internal model. Structural validation happens at registration, not here.
func ParseDefinition(data []byte) (*model.WorkflowDefinition, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, model.WrapError(model.KindValidation, err, "malformed definition document")
	}

	def := &model.WorkflowDefinition{
		Key:         doc.Key,
		Version:     doc.Version,
		Name:        doc.Name,
		Description: doc.Description,
	}
	for _, s := range doc.States {
		def.States = append(def.States, model.StateDef{
			Name:        s.Name,
			Description: s.Description,
			Initial:     s.Initial,
			Terminal:    s.Terminal,
		})
	}
	for _, t := range doc.Transitions {
		tr := model.TransitionDef{
			From:          t.From,
			To:            t.To,
			Trigger:       t.Trigger,
			Guard:         t.Guard,
			RequiredRoles: t.RequiredRoles,
		}
		for _, a := range t.OnEnter {
			tr.OnEnter = append(tr.OnEnter, model.ActionDef{
				Name:          a.Name,
				ExecutionMode: a.ExecutionMode,
				Mandatory:     a.Mandatory,
				Params:        normalizeParams(a.Params),
			})
		}
		def.Transitions = append(def.Transitions, tr)
	}
	if doc.SLA != nil {
		def.SLA = &model.SLADef{
			TotalDurationSeconds:    doc.SLA.TotalDurationSeconds,
			PerStateDurationSeconds: doc.SLA.PerStateDurationSeconds,
		}
	}
	return def, nil
}

// normalizeParams rewrites YAML's map[any]any params into string-keyed
// maps so they round-trip through JSON storage.
func normalizeParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case map[string]any:
		return normalizeParams(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
