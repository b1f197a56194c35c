package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tonimelisma/keysync/internal/model"
)

// Output formats accepted by --format.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

const yamlIndent = 2

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// printValue writes v to w in the given format, keeping map field order.
func printValue(w io.Writer, v model.Value, format string) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding JSON: %w", err)
		}

		_, err = fmt.Fprintf(w, "%s\n", data)

		return err
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(yamlIndent)

		if err := enc.Encode(yamlNode(v)); err != nil {
			return fmt.Errorf("encoding YAML: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: unknown format %q (want json or yaml)", errUsage, format)
	}
}

// yamlNode builds a YAML node tree for v. Building nodes rather than
// encoding a Go map keeps field order.
func yamlNode(v model.Value) *yaml.Node {
	switch v.Kind() {
	case model.KindScalar:
		return yamlScalar(v.Scalar())
	case model.KindMap:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for k, child := range v.Map().All() {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				yamlNode(child),
			)
		}

		return n
	case model.KindSequence:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, child := range v.Sequence() {
			n.Content = append(n.Content, yamlNode(child))
		}

		return n
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
}

func yamlScalar(s any) *yaml.Node {
	switch x := s.(type) {
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(x)}
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(x, 10)}
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: formatFloat(x)}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fmt.Sprint(x)}
	}
}

// formatFloat renders f so that YAML reads it back as a float.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}

	return s
}

// summarize renders v for one table cell: primitives as JSON, containers by
// their size.
func summarize(v model.Value) string {
	switch v.Kind() {
	case model.KindMap:
		return fmt.Sprintf("{%d}", v.Map().Len())
	case model.KindSequence:
		return fmt.Sprintf("[%d]", len(v.Sequence()))
	default:
		return v.String()
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// modelValue returns the value a model stands for: the primitive itself when
// the model only wraps one, otherwise the model as an object.
func modelValue(m *model.Map) model.Value {
	if scalar, ok := m.Get(model.ValueField); ok && m.Len() == 1 {
		return scalar
	}

	return model.MapOf(m)
}
