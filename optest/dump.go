package optest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opcheck/netbuilder"
	"github.com/gomlx/opcheck/runtime"
	"github.com/gomlx/opcheck/target"
	"github.com/gomlx/opcheck/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Reproducer is a candidate program together with the values it was executed with, enough to replay a failing
// comparison outside of the test (see cmd/opcheck_replay).
type Reproducer struct {
	Program *netbuilder.Program
	Target  target.Target

	// Feeds maps input IDs to their values. Inputs without a feed are replayed with zeros.
	Feeds map[string]*tensors.Tensor

	// Fetch are the IDs of the variables retrieved after execution.
	Fetch []string
}

// ToStruct converts the reproducer to a protobuf Struct.
//
// Feed values are saved as strings, so NaN and infinities survive the JSON encoding. Attributes are tagged by
// their type, e.g. {"ints": [0, 1]}.
func (r *Reproducer) ToStruct() (*structpb.Struct, error) {
	prog := r.Program
	inputs := make([]any, 0, len(prog.Inputs()))
	for _, input := range prog.Inputs() {
		entry := map[string]any{
			"id":    input.ID,
			"dtype": input.DType.String(),
			"dims":  intsToJSON(input.Dims),
		}
		if feed, found := r.Feeds[input.ID]; found {
			values := feed.Float64s()
			encoded := make([]any, len(values))
			for i, v := range values {
				encoded[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			entry["values"] = encoded
		}
		inputs = append(inputs, entry)
	}
	instructions := make([]any, 0, prog.Size())
	for _, instr := range prog.Instructions() {
		attrs := make(map[string]any, len(instr.Attrs))
		for key, value := range instr.Attrs {
			encoded, err := encodeAttr(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "instruction %q, attribute %q", instr, key)
			}
			attrs[key] = encoded
		}
		instructions = append(instructions, map[string]any{
			"op_type": instr.OpType,
			"inputs":  variableIDs(instr.Inputs),
			"outputs": variableIDs(instr.Outputs),
			"attrs":   attrs,
			"text":    instr.String(),
		})
	}
	fetch := make([]any, len(r.Fetch))
	for i, id := range r.Fetch {
		fetch[i] = id
	}
	s, err := structpb.NewStruct(map[string]any{
		"name":         prog.Name(),
		"target":       map[string]any{"arch": r.Target.Arch.String(), "plugin": r.Target.Plugin},
		"inputs":       inputs,
		"instructions": instructions,
		"fetch":        fetch,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "converting program %q", prog.Name())
	}
	return s, nil
}

// Run executes the program on tgt, with the saved feeds, and returns the fetched values. Inputs without a saved
// feed are fed zeros. If nothing was fetched, the outputs of the last instruction are returned.
func (r *Reproducer) Run(tgt target.Target) ([]*tensors.Tensor, error) {
	inputs := r.Program.Inputs()
	feeds := make([]*tensors.Tensor, len(inputs))
	for i, input := range inputs {
		feeds[i] = r.Feeds[input.ID]
		if feeds[i] == nil {
			zeros, err := tensors.Zeros(input.DType, input.Dims...)
			if err != nil {
				return nil, err
			}
			feeds[i] = zeros
		}
	}
	var outputs []*netbuilder.Variable
	for _, id := range r.Fetch {
		outputs = append(outputs, r.Program.Variable(id))
	}
	if len(outputs) == 0 && r.Program.Size() > 0 {
		outputs = r.Program.Instruction(r.Program.Size() - 1).Outputs
	}
	return runtime.BuildAndGetOutput(r.Program, tgt, inputs, feeds, outputs)
}

// DumpReproducer saves r as JSON in dir, under a unique file name, and returns the path of the file.
func DumpReproducer(dir string, r *Reproducer) (string, error) {
	s, err := r.ToStruct()
	if err != nil {
		return "", err
	}
	contents, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return "", errors.Wrapf(err, "marshaling program %q", r.Program.Name())
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating dump directory %q", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", r.Program.Name(), uuid.NewString()))
	if err = os.WriteFile(path, contents, 0644); err != nil {
		return "", errors.Wrapf(err, "writing program %q", r.Program.Name())
	}
	return path, nil
}

// LoadReproducer reads a file saved by DumpReproducer. The program is rebuilt with a NetBuilder, so it is
// validated again. Variable IDs of instruction outputs may differ from the saved ones: Fetch is translated.
func LoadReproducer(path string) (*Reproducer, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading reproducer")
	}
	s := &structpb.Struct{}
	if err = protojson.Unmarshal(contents, s); err != nil {
		return nil, errors.Wrapf(err, "parsing reproducer %q", path)
	}
	r, err := reproducerFromMap(s.AsMap())
	if err != nil {
		return nil, errors.WithMessagef(err, "reproducer %q", path)
	}
	return r, nil
}

func reproducerFromMap(m map[string]any) (*Reproducer, error) {
	name, _ := m["name"].(string)
	builder := netbuilder.New(name)
	r := &Reproducer{Feeds: make(map[string]*tensors.Tensor)}

	targetMap, _ := m["target"].(map[string]any)
	arch, _ := targetMap["arch"].(string)
	tgt, err := target.Parse(arch)
	if err != nil {
		return nil, err
	}
	if plugin, _ := targetMap["plugin"].(string); plugin != "" {
		tgt.Plugin = plugin
	}
	r.Target = tgt

	// Saved ID -> rebuilt variable.
	vars := make(map[string]*netbuilder.Variable)
	inputs, _ := m["inputs"].([]any)
	for i, entry := range inputs {
		input, _ := entry.(map[string]any)
		id, _ := input["id"].(string)
		dtype, err := parseDType(input["dtype"])
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d", i)
		}
		dims, err := jsonToInts(input["dims"])
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q dims", id)
		}
		v, err := builder.CreateInput(dtype, dims, id)
		if err != nil {
			return nil, err
		}
		vars[id] = v
		if encoded, found := input["values"].([]any); found {
			values := make([]float64, len(encoded))
			for j, e := range encoded {
				str, _ := e.(string)
				values[j], err = strconv.ParseFloat(str, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "input %q value #%d", id, j)
				}
			}
			feed, err := tensors.FromFloat64s(dtype, values, dims...)
			if err != nil {
				return nil, errors.WithMessagef(err, "input %q", id)
			}
			r.Feeds[id] = feed
		}
	}

	instructions, _ := m["instructions"].([]any)
	for i, entry := range instructions {
		instr, _ := entry.(map[string]any)
		opType, _ := instr["op_type"].(string)
		inputIDs, _ := instr["inputs"].([]any)
		operands := make([]*netbuilder.Variable, len(inputIDs))
		for j, id := range inputIDs {
			idStr, _ := id.(string)
			operands[j] = vars[idStr]
			if operands[j] == nil {
				return nil, errors.Errorf("instruction #%d (%s) uses undefined variable %q", i, opType, idStr)
			}
		}
		attrs := make(netbuilder.Attrs)
		encodedAttrs, _ := instr["attrs"].(map[string]any)
		for key, encoded := range encodedAttrs {
			attrs[key], err = decodeAttr(encoded)
			if err != nil {
				return nil, errors.WithMessagef(err, "instruction #%d (%s), attribute %q", i, opType, key)
			}
		}
		outputs, err := builder.AddInstruction(opType, operands, attrs)
		if err != nil {
			return nil, errors.WithMessagef(err, "instruction #%d", i)
		}
		outputIDs, _ := instr["outputs"].([]any)
		if len(outputIDs) != len(outputs) {
			return nil, errors.Errorf("instruction #%d (%s) saved with %d outputs, rebuilt with %d",
				i, opType, len(outputIDs), len(outputs))
		}
		for j, id := range outputIDs {
			idStr, _ := id.(string)
			vars[idStr] = outputs[j]
		}
	}

	fetch, _ := m["fetch"].([]any)
	for _, id := range fetch {
		idStr, _ := id.(string)
		v := vars[idStr]
		if v == nil {
			return nil, errors.Errorf("fetched variable %q not defined", idStr)
		}
		r.Fetch = append(r.Fetch, v.ID)
	}
	r.Program, err = builder.Build()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func parseDType(value any) (dtypes.DType, error) {
	name, _ := value.(string)
	for _, dtype := range tensors.SupportedDTypes {
		if dtype.String() == name {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q", name)
}

func variableIDs(vars []*netbuilder.Variable) []any {
	ids := make([]any, len(vars))
	for i, v := range vars {
		ids[i] = v.ID
	}
	return ids
}

func intsToJSON(values []int) []any {
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = v
	}
	return converted
}

func jsonToInts(value any) ([]int, error) {
	list, ok := value.([]any)
	if !ok && value != nil {
		return nil, errors.Errorf("expected a list, got %T", value)
	}
	ints := make([]int, len(list))
	for i, e := range list {
		f, ok := e.(float64)
		if !ok {
			return nil, errors.Errorf("expected a number, got %T", e)
		}
		ints[i] = int(f)
	}
	return ints, nil
}

func encodeAttr(value any) (map[string]any, error) {
	switch v := value.(type) {
	case int:
		return map[string]any{"int": v}, nil
	case []int:
		return map[string]any{"ints": intsToJSON(v)}, nil
	case float64:
		return map[string]any{"float": strconv.FormatFloat(v, 'g', -1, 64)}, nil
	case string:
		return map[string]any{"string": v}, nil
	case dtypes.DType:
		return map[string]any{"dtype": v.String()}, nil
	}
	return nil, errors.Errorf("unsupported attribute type %T", value)
}

func decodeAttr(encoded any) (any, error) {
	tagged, ok := encoded.(map[string]any)
	if !ok || len(tagged) != 1 {
		return nil, errors.Errorf("invalid attribute encoding %v", encoded)
	}
	for tag, value := range tagged {
		switch tag {
		case "int":
			f, ok := value.(float64)
			if !ok {
				return nil, errors.Errorf("int attribute is a %T", value)
			}
			return int(f), nil
		case "ints":
			return jsonToInts(value)
		case "float":
			str, _ := value.(string)
			f, err := strconv.ParseFloat(str, 64)
			return f, errors.WithStack(err)
		case "string":
			str, _ := value.(string)
			return str, nil
		case "dtype":
			return parseDType(value)
		}
		return nil, errors.Errorf("unknown attribute type %q", tag)
	}
	return nil, nil
}
