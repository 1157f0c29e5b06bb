package flow

import (
	"fmt"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/manifest"
)

var (
	pipelineKeys = []string{"name", "steps"}
	stepKeys     = []string{"name", "operation", "args"}
)

// FromManifest builds a pipeline from a `kind: pipeline` document
//
//	kind: pipeline
//	spec:
//	  name: load
//	  steps:
//	    - name: read
//	      operation: select
//	      args:
//	        dataSelector: "*.csv@cd"
//	    - operation: print
//
// A step without name is named after its operation and position.
func FromManifest(doc *manifest.Document, reg *Registry) (*Pipeline, error) {
	if err := doc.Expect(manifest.KindPipeline); err != nil {
		return nil, err
	}
	if err := manifest.CheckKeys("pipeline", doc.Spec, pipelineKeys); err != nil {
		return nil, err
	}
	name, _ := manifest.Lookup(doc.Spec, "name").(string)
	if name == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "pipeline has no name")
	}
	rawSteps, ok := manifest.Lookup(doc.Spec, "steps").([]any)
	if !ok || len(rawSteps) == 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s has no steps", name)
	}

	p := New(name, reg)
	for i, raw := range rawSteps {
		m, ok := manifest.AsMap(raw)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s: step %d must be a map, got %T", name, i+1, raw)
		}
		if err := manifest.CheckKeys("step", m, stepKeys); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "pipeline %s: step %d", name, i+1)
		}
		op, _ := manifest.Lookup(m, "operation").(string)
		if op == "" {
			return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s: step %d has no operation", name, i+1)
		}
		stepName, _ := manifest.Lookup(m, "name").(string)
		if stepName == "" {
			stepName = fmt.Sprintf("%s-%d", op, i+1)
		}
		var args map[string]any
		if rawArgs := manifest.Lookup(m, "args"); rawArgs != nil {
			if args, ok = manifest.AsMap(rawArgs); !ok {
				return nil, errors.Newf(errors.ErrorTypeValidation, "pipeline %s: step %s args must be a map, got %T", name, stepName, rawArgs)
			}
		}
		if err := p.AddStep(stepName, op, args); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadPipeline reads a pipeline manifest file
func LoadPipeline(path string, reg *Registry) (*Pipeline, error) {
	doc, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	p, err := FromManifest(doc, reg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "pipeline manifest %s", path)
	}
	return p, nil
}
