package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var hundred = decimal.NewFromInt(100)

// Decimal is an exact YAML scalar. Rates may be written with a trailing
// percent sign ("0.04%" is 0.0004); null and empty scalars decode to zero.
type Decimal struct {
	decimal.Decimal
}

func ParseDecimal(raw string) (Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "~" || strings.EqualFold(s, "null") {
		return Decimal{}, nil
	}
	percent := strings.HasSuffix(s, "%")
	if percent {
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}
	dec, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", raw, err)
	}
	if percent {
		dec = dec.Div(hundred)
	}
	return Decimal{Decimal: dec}, nil
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	dec, err := ParseDecimal(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
