package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Data is the JSON-shaped key/value payload that flows between steps and
// into the durable log.
type Data map[string]any

// Clone returns a deep copy of d. Nested maps and slices are copied so the
// clone can be mutated without affecting d.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Data:
		return t.Clone()
	case map[string]any:
		return map[string]any(Data(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Merge returns a new Data holding d overlaid with other. The merge is
// shallow: a key present in other replaces the same key in d.
func (d Data) Merge(other Data) Data {
	out := make(Data, len(d)+len(other))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	for k, v := range other {
		out[k] = cloneValue(v)
	}
	return out
}

// ToData encodes v into Data through its JSON representation, so the
// in-memory value has the same shape it will have once persisted.
func ToData(v any) (Data, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := v.(Data); ok {
		return d.Clone(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("encode data: %T is not an object: %w", v, err)
	}
	return d, nil
}

// MustData is ToData for values known to encode as a JSON object.
func MustData(v any) Data {
	d, err := ToData(v)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode copies d into out, matching keys against json tag names.
func Decode(d Data, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if err := dec.Decode(map[string]any(d)); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Outcome is what a forward action reports on success.
type Outcome struct {
	// Data is merged into the payload of every later step that declares a
	// dependency on this step. It is also persisted as the step result.
	Data Data
	// Compensation is handed to the step's compensate function if the saga
	// rolls back. When nil, Data is used instead.
	Compensation Data
}

// compensationData resolves the payload the compensate function will see.
func (o Outcome) compensationData() Data {
	if o.Compensation != nil {
		return o.Compensation
	}
	if o.Data == nil {
		return Data{}
	}
	return o.Data
}

// CompensationOutcome is what a compensating action reports on success.
type CompensationOutcome struct {
	Message string `json:"message,omitempty"`
}

// ExecuteFunc is a step's forward action. A non-nil error marks the step as
// failed.
type ExecuteFunc func(ctx context.Context, payload Data) (Outcome, error)

// CompensateFunc reverses a completed step given its compensation data.
type CompensateFunc func(ctx context.Context, data Data) (CompensationOutcome, error)

// Step is an in-memory step definition. It is never persisted; only the
// data it produces is.
type Step struct {
	Name       string
	Order      int
	DependsOn  string
	Payload    Data
	Execute    ExecuteFunc
	Compensate CompensateFunc
}

// StepOption customises a step while it is added to a definition.
type StepOption func(*Step)

// DependsOn declares that the step consumes the data produced by the named
// earlier step.
func DependsOn(name string) StepOption {
	return func(s *Step) {
		s.DependsOn = name
	}
}
