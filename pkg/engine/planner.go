package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// GraphFormat identifies the encoding of a dependency graph document.
type GraphFormat string

const (
	// GraphFormatYAML is a YAML document.
	GraphFormatYAML GraphFormat = "yaml"

	// GraphFormatJSON is a JSON document.
	GraphFormatJSON GraphFormat = "json"

	// GraphFormatCUE is a CUE file exporting a top-level batches field.
	GraphFormatCUE GraphFormat = "cue"
)

// FormatFromPath infers the graph format from a file extension.
func FormatFromPath(path string) (GraphFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return GraphFormatYAML, nil
	case ".json":
		return GraphFormatJSON, nil
	case ".cue":
		return GraphFormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported dependency graph extension %q", filepath.Ext(path))
	}
}

// BatchPlanner loads the precomputed dependency graph and turns it into an
// ordered list of batches. It performs no dependency inference.
type BatchPlanner struct {
	path   string
	logger zerolog.Logger
}

// NewBatchPlanner creates a planner for the graph document at path.
func NewBatchPlanner(path string, logger zerolog.Logger) *BatchPlanner {
	return &BatchPlanner{
		path:   path,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Load reads, parses and validates the dependency graph.
// Any failure is a configuration error; batches are returned ordered by BatchID.
func (p *BatchPlanner) Load(ctx context.Context) ([]BatchDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, err := FormatFromPath(p.path)
	if err != nil {
		return nil, NewConfigError("cannot load dependency graph", err).WithCode(ErrCodeValidation)
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		code := ErrCodeValidation
		if errors.Is(err, fs.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return nil, NewConfigError(fmt.Sprintf("failed to read dependency graph %s", p.path), err).
			WithCode(code)
	}

	batches, err := ParseGraph(data, format, p.path)
	if err != nil {
		return nil, err
	}

	p.logger.Debug().
		Str("path", p.path).
		Int("batches", len(batches)).
		Int("rules", countRules(batches)).
		Msg("Loaded dependency graph")

	return batches, nil
}

// ParseGraph decodes a graph document and validates its structure.
// filename is used in error messages and CUE positions only.
func ParseGraph(data []byte, format GraphFormat, filename string) ([]BatchDefinition, error) {
	var graph DependencyGraph

	switch format {
	case GraphFormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&graph); err != nil {
			return nil, parseError(filename, err)
		}

	case GraphFormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&graph); err != nil {
			return nil, parseError(filename, err)
		}

	case GraphFormatCUE:
		cctx := cuecontext.New()
		val := cctx.CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return nil, parseError(filename, err)
		}
		batchesVal := val.LookupPath(cue.ParsePath("batches"))
		if !batchesVal.Exists() {
			return nil, NewConfigError("dependency graph has no batches field", nil).
				WithCode(ErrCodeValidation).
				WithDetail("file", filename)
		}
		if err := batchesVal.Decode(&graph.Batches); err != nil {
			return nil, parseError(filename, err)
		}

	default:
		return nil, NewConfigError(fmt.Sprintf("unsupported dependency graph format %q", format), nil).
			WithCode(ErrCodeValidation)
	}

	if err := ValidateBatches(graph.Batches); err != nil {
		return nil, err
	}

	return orderBatches(graph.Batches), nil
}

// ValidateBatches checks the structural invariants of a batch partition:
// at least one batch, ids forming the range 0..n-1, no empty batch, no empty
// rule id and no rule id appearing more than once across the whole graph.
func ValidateBatches(batches []BatchDefinition) error {
	if len(batches) == 0 {
		return NewConfigError("dependency graph contains no batches", nil).WithCode(ErrCodeValidation)
	}

	ids := make(map[int]bool, len(batches))
	seen := make(map[RuleID]int)

	for _, b := range batches {
		if b.BatchID < 0 || b.BatchID >= len(batches) {
			return NewConfigError(
				fmt.Sprintf("batch id %d is outside the range 0..%d", b.BatchID, len(batches)-1), nil,
			).WithCode(ErrCodeValidation).WithBatch(b.BatchID)
		}
		if ids[b.BatchID] {
			return NewConfigError(fmt.Sprintf("batch id %d appears more than once", b.BatchID), nil).
				WithCode(ErrCodeValidation).WithBatch(b.BatchID)
		}
		ids[b.BatchID] = true

		if len(b.RuleIDs) == 0 {
			return NewConfigError("batch contains no rules", nil).
				WithCode(ErrCodeValidation).WithBatch(b.BatchID)
		}

		for _, id := range b.RuleIDs {
			if strings.TrimSpace(string(id)) == "" {
				return NewConfigError("batch contains an empty rule id", nil).
					WithCode(ErrCodeValidation).WithBatch(b.BatchID)
			}
			if prev, dup := seen[id]; dup {
				msg := fmt.Sprintf("rule appears in batch %d and batch %d", prev, b.BatchID)
				if prev == b.BatchID {
					msg = "rule appears twice in the same batch"
				}
				return NewConfigError(msg, nil).
					WithCode(ErrCodeDuplicateRule).WithRule(id).WithBatch(b.BatchID)
			}
			seen[id] = b.BatchID
		}
	}

	return nil
}

// EncodeGraph serializes batches in the given format. CUE output is not supported.
func EncodeGraph(batches []BatchDefinition, format GraphFormat) ([]byte, error) {
	graph := DependencyGraph{Batches: batches}
	switch format {
	case GraphFormatYAML:
		return yaml.Marshal(&graph)
	case GraphFormatJSON:
		return json.MarshalIndent(&graph, "", "  ")
	default:
		return nil, fmt.Errorf("cannot encode dependency graph as %q", format)
	}
}

func parseError(filename string, err error) error {
	return NewConfigError(fmt.Sprintf("failed to parse dependency graph %s", filename), err).
		WithCode(ErrCodeParse)
}

func countRules(batches []BatchDefinition) int {
	n := 0
	for _, b := range batches {
		n += len(b.RuleIDs)
	}
	return n
}
