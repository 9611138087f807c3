package processor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/expression"
)

// Validator checks a resolved property value.
type Validator func(name, value string) error

// NonEmptyValidator rejects blank values.
func NonEmptyValidator(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.InvalidConfiguration(name, "value must not be empty", nil)
	}
	return nil
}

// NonNegativeIntegerValidator accepts base-10 integers >= 0.
func NonNegativeIntegerValidator(name, value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return apperrors.InvalidConfiguration(name, fmt.Sprintf("%q is not an integer", value), err)
	}
	if n < 0 {
		return apperrors.InvalidConfiguration(name, fmt.Sprintf("must not be negative, got %d", n), nil)
	}
	return nil
}

// PropertyDescriptor describes one configuration property.
type PropertyDescriptor struct {
	Name               string    `json:"name"`
	DisplayName        string    `json:"displayName"`
	Description        string    `json:"description"`
	Required           bool      `json:"required"`
	DefaultValue       string    `json:"defaultValue,omitempty"`
	ExpressionLanguage bool      `json:"expressionLanguage"`
	Validator          Validator `json:"-"`
}

func (d PropertyDescriptor) validate(value string) error {
	if d.Required && value == "" {
		return apperrors.InvalidConfiguration(d.Name, "property is required", nil)
	}
	if d.Validator != nil {
		return d.Validator(d.Name, value)
	}
	return nil
}

// PropertyContext holds a processor's configured values and resolves them
// per record.
type PropertyContext struct {
	descriptors map[string]PropertyDescriptor
	values      map[string]string
	evaluator   expression.Evaluator
}

// NewPropertyContext matches configured values to descriptors. Keys may be a
// property name or its display name. Unknown keys and static values that
// fail validation are rejected. Values containing expressions are checked
// per record instead.
func NewPropertyContext(descriptors []PropertyDescriptor, values map[string]string, evaluator expression.Evaluator) (*PropertyContext, error) {
	pc := &PropertyContext{
		descriptors: make(map[string]PropertyDescriptor, len(descriptors)),
		values:      make(map[string]string, len(values)),
		evaluator:   evaluator,
	}
	if pc.evaluator == nil {
		pc.evaluator = expression.Literal{}
	}

	aliases := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		pc.descriptors[d.Name] = d
		if d.DisplayName != "" {
			aliases[d.DisplayName] = d.Name
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := key
		if _, ok := pc.descriptors[name]; !ok {
			alias, ok := aliases[key]
			if !ok {
				return nil, apperrors.InvalidConfiguration(key, "unknown property", nil)
			}
			name = alias
		}
		if _, dup := pc.values[name]; dup {
			return nil, apperrors.InvalidConfiguration(name, "configured more than once", nil)
		}
		pc.values[name] = values[key]
	}

	for _, d := range descriptors {
		value := pc.raw(d)
		if d.ExpressionLanguage && expression.IsExpression(value) {
			continue
		}
		if err := d.validate(value); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func (pc *PropertyContext) raw(d PropertyDescriptor) string {
	if v, ok := pc.values[d.Name]; ok {
		return v
	}
	return d.DefaultValue
}

// Raw returns the configured value or the default, unevaluated.
func (pc *PropertyContext) Raw(name string) string {
	return pc.raw(pc.descriptors[name])
}

// Resolve returns the value of a property for one record: the configured
// value or default, evaluated against attrs when the property supports
// expressions, then validated.
func (pc *PropertyContext) Resolve(ctx context.Context, name string, attrs map[string]string) (string, error) {
	d, ok := pc.descriptors[name]
	if !ok {
		return "", apperrors.InvalidConfiguration(name, "unknown property", nil)
	}
	value := pc.raw(d)
	if d.ExpressionLanguage {
		v, err := pc.evaluator.Evaluate(ctx, value, attrs)
		if err != nil {
			if apperrors.IsInvalidConfiguration(err) {
				return "", err
			}
			if ctx.Err() != nil {
				return "", err
			}
			return "", apperrors.InvalidConfiguration(name, "failed to evaluate expression", err)
		}
		value = v
	}
	if err := d.validate(value); err != nil {
		return "", err
	}
	return value, nil
}
