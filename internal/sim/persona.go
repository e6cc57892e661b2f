// Package sim is the persona simulation harness: scripted customer personas
// exercise the production webhook surface end to end and judge the agent's
// behavior against declarative success and failure criteria.
package sim

import "fmt"

// FactKey identifies one piece of information the persona wants to obtain.
type FactKey struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
}

func (k FactKey) String() string {
	return k.Entity + "." + k.Attribute
}

// ExtractedFact is one piece of information the persona has learned from the
// agent's replies.
type ExtractedFact struct {
	Entity    string `json:"entity"`
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// PersonaSpec is a declarative customer persona.
type PersonaSpec struct {
	Name           string `json:"name"`
	Objective      string `json:"objective"`
	InitialMessage string `json:"initial_message"`

	// InformationNeeded lists the facts the persona is trying to obtain.
	InformationNeeded []FactKey `json:"information_needed"`

	// SuccessCriteria and FailureCriteria are evaluated after every turn,
	// success first. See ParseCriterion for the accepted forms.
	SuccessCriteria []string `json:"success_criteria"`
	FailureCriteria []string `json:"failure_criteria"`

	// QuestionTemplate phrases the next question about an unresolved fact.
	// Two %s verbs: attribute, then entity (e.g. "What is the %s of %s?").
	QuestionTemplate string `json:"question_template"`
}

// Validate checks the spec is runnable.
func (s PersonaSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("sim: persona name is required")
	}
	if s.InitialMessage == "" {
		return fmt.Errorf("sim: persona %q: initial_message is required", s.Name)
	}
	for _, c := range s.SuccessCriteria {
		if _, err := ParseCriterion(c); err != nil {
			return fmt.Errorf("sim: persona %q: success criterion: %w", s.Name, err)
		}
	}
	for _, c := range s.FailureCriteria {
		if _, err := ParseCriterion(c); err != nil {
			return fmt.Errorf("sim: persona %q: failure criterion: %w", s.Name, err)
		}
	}
	return nil
}

// NextQuestion phrases a question about key using the template.
func (s PersonaSpec) NextQuestion(key FactKey) string {
	tmpl := s.QuestionTemplate
	if tmpl == "" {
		tmpl = "Could you tell me the %s of %s?"
	}
	return fmt.Sprintf(tmpl, key.Attribute, key.Entity)
}

// PersonaState is the persona's accumulated knowledge during a run.
type PersonaState struct {
	Facts []ExtractedFact `json:"facts"`
	// Events raised during the run (e.g. AI_FALLBACK_DETECTED).
	Events map[string]bool `json:"events,omitempty"`
}

// Merge appends facts the state does not yet hold. Facts dedup by
// (entity, attribute): the first extracted value wins and later extractions
// for the same key are ignored, so a garbled re-answer cannot overwrite a
// good one.
func (ps *PersonaState) Merge(facts []ExtractedFact) {
	for _, f := range facts {
		if f.Entity == "" || f.Attribute == "" || f.Value == "" {
			continue
		}
		if ps.Has(FactKey{Entity: f.Entity, Attribute: f.Attribute}) {
			continue
		}
		ps.Facts = append(ps.Facts, f)
	}
}

// Has reports whether a fact for key has been extracted.
func (ps *PersonaState) Has(key FactKey) bool {
	for _, f := range ps.Facts {
		if f.Entity == key.Entity && f.Attribute == key.Attribute {
			return true
		}
	}
	return false
}

// RaiseEvent records a named event for event: criteria.
func (ps *PersonaState) RaiseEvent(name string) {
	if ps.Events == nil {
		ps.Events = make(map[string]bool)
	}
	ps.Events[name] = true
}

// AllInfoExtracted reports whether every needed fact has been obtained.
func (ps *PersonaState) AllInfoExtracted(needed []FactKey) bool {
	for _, key := range needed {
		if !ps.Has(key) {
			return false
		}
	}
	return true
}

// FirstUnresolved returns the first needed fact not yet extracted.
func (ps *PersonaState) FirstUnresolved(needed []FactKey) (FactKey, bool) {
	for _, key := range needed {
		if !ps.Has(key) {
			return key, true
		}
	}
	return FactKey{}, false
}
