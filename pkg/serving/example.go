// Package serving defines the serialized example format accepted by exported
// models and the receiver that parses it.
package serving

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"submitter/pkg/feature"
)

// EncodeExample serializes one example. Each feature becomes a list of
// numbers or a list of strings.
func EncodeExample(f feature.Features) ([]byte, error) {
	fields := make(map[string]interface{}, len(f))
	for name, v := range f {
		var list []interface{}
		if v.Strings != nil {
			for _, s := range v.Strings {
				list = append(list, s)
			}
		} else {
			for _, x := range v.Floats {
				list = append(list, x)
			}
		}
		fields[name] = list
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("error building example: %w", err)
	}
	return proto.Marshal(s)
}

// ParseExamples parses serialized examples according to spec. Features not
// named in spec are ignored.
func ParseExamples(serialized [][]byte, spec map[string]feature.Spec) ([]feature.Features, error) {
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]feature.Features, len(serialized))
	for i, b := range serialized {
		s := &structpb.Struct{}
		if err := proto.Unmarshal(b, s); err != nil {
			return nil, fmt.Errorf("error decoding example %d: %w", i, err)
		}
		f := feature.Features{}
		for _, name := range names {
			sp := spec[name]
			raw, ok := s.GetFields()[name]
			if !ok {
				switch {
				case sp.HasDefault:
					f[name] = sp.Default
				case sp.VarLen:
				default:
					return nil, fmt.Errorf("example %d: missing required feature %s", i, name)
				}
				continue
			}
			v, err := parseValue(raw, sp)
			if err != nil {
				return nil, fmt.Errorf("example %d: feature %s: %w", i, name, err)
			}
			f[name] = v
		}
		result[i] = f
	}
	return result, nil
}

func parseValue(raw *structpb.Value, sp feature.Spec) (feature.Value, error) {
	items := []*structpb.Value{raw}
	if list := raw.GetListValue(); list != nil {
		items = list.GetValues()
	}
	var v feature.Value
	for _, item := range items {
		switch sp.DType {
		case feature.String:
			s, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return v, fmt.Errorf("expected string values")
			}
			v.Strings = append(v.Strings, s.StringValue)
		default:
			n, ok := item.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return v, fmt.Errorf("expected numeric values")
			}
			if sp.DType == feature.Int64 && n.NumberValue != math.Trunc(n.NumberValue) {
				return v, fmt.Errorf("expected integer values, got %v", n.NumberValue)
			}
			v.Floats = append(v.Floats, n.NumberValue)
		}
	}
	if !sp.VarLen && v.Len() != sp.Size() {
		return v, fmt.Errorf("got %d values, expected %d", v.Len(), sp.Size())
	}
	return v, nil
}

// InputReceiver parses serialized examples for an exported model.
type InputReceiver struct {
	Spec map[string]feature.Spec
}

func (r InputReceiver) Parse(serialized [][]byte) ([]feature.Features, error) {
	return ParseExamples(serialized, r.Spec)
}

type ReceiverFn func() InputReceiver

func BuildParsingServingInputReceiverFn(spec map[string]feature.Spec) ReceiverFn {
	return func() InputReceiver {
		return InputReceiver{Spec: spec}
	}
}
