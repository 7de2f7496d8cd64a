// Package jobfile loads job lists from disk.
//
// Two formats are supported. A plain text list holds one header path per
// line; blank lines and lines starting with # are ignored, and every record
// gets the default products. A YAML batch file (.yaml or .yml) can override
// products and AOT per job:
//
//	products: [DOSAOTSGL, SREF]
//	aot: 0.25
//	jobs:
//	  - header: scenes/LT05_a.mtl
//	  - header: scenes/LT05_b.mtl
//	    products: [TOA, METADATA]
//	    aot: 0.1
//
// Records are indexed in file order.
package jobfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getpup/stagecoord"
)

// ErrEmpty is returned when a job file lists no jobs.
var ErrEmpty = errors.New("job file lists no jobs")

// Defaults are applied to every record that does not override them.
type Defaults struct {
	Products stagecoord.ProductSet
	AOT      *float64
}

// Load reads path, choosing the format from its extension.
func Load(path string, defaults Defaults) ([]stagecoord.JobRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data, defaults)
	default:
		return ParseList(bytes.NewReader(data), defaults)
	}
}

// ParseList reads a plain text list of header paths.
func ParseList(r io.Reader, defaults Defaults) ([]stagecoord.JobRecord, error) {
	var jobs []stagecoord.JobRecord
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		jobs = append(jobs, newRecord(len(jobs), line, defaults.Products, defaults.AOT))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan job list: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrEmpty
	}
	return jobs, nil
}

type batchFile struct {
	Products []string   `yaml:"products"`
	AOT      *float64   `yaml:"aot"`
	Jobs     []batchJob `yaml:"jobs"`
}

type batchJob struct {
	Header   string   `yaml:"header"`
	Products []string `yaml:"products"`
	AOT      *float64 `yaml:"aot"`
}

// ParseYAML reads a YAML batch file.
func ParseYAML(data []byte, defaults Defaults) ([]stagecoord.JobRecord, error) {
	var file batchFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode job file: %w", err)
	}

	products := defaults.Products
	if len(file.Products) > 0 {
		p, err := stagecoord.ParseProducts(file.Products)
		if err != nil {
			return nil, err
		}
		products = p
	}
	batchAOT := defaults.AOT
	if file.AOT != nil {
		batchAOT = file.AOT
	}

	jobs := make([]stagecoord.JobRecord, 0, len(file.Jobs))
	for i, j := range file.Jobs {
		header := strings.TrimSpace(j.Header)
		if header == "" {
			return nil, fmt.Errorf("%w: job %d has no header", stagecoord.ErrInvalidConfig, i)
		}

		jobProducts := products
		if len(j.Products) > 0 {
			p, err := stagecoord.ParseProducts(j.Products)
			if err != nil {
				return nil, fmt.Errorf("job %d: %w", i, err)
			}
			jobProducts = p
		}
		jobAOT := batchAOT
		if j.AOT != nil {
			jobAOT = j.AOT
		}
		jobs = append(jobs, newRecord(i, header, jobProducts, jobAOT))
	}
	if len(jobs) == 0 {
		return nil, ErrEmpty
	}
	return jobs, nil
}

func newRecord(index int, header string, products stagecoord.ProductSet, aot *float64) stagecoord.JobRecord {
	rec := stagecoord.JobRecord{
		Index:    index,
		Header:   header,
		Products: append(stagecoord.ProductSet(nil), products...),
	}
	if aot != nil {
		v := *aot
		rec.AOT = &v
	}
	return rec
}
