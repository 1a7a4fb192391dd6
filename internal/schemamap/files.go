package schemamap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ConversionFile is the on-disk form of a conversion matrix:
//
//	{"source_schema": "SARA_v1.0", "target_schema": "SUPPAS_2013", "conv_matrix": {"MUR1": {"MUR": 1.0}}}
type ConversionFile struct {
	SourceSchema string `json:"source_schema"`
	TargetSchema string `json:"target_schema"`
	Matrix       Matrix `json:"conv_matrix"`
}

// ReadConversionFile decodes one conversion file.
func ReadConversionFile(path string) (*ConversionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversion file: %w", err)
	}
	var cf ConversionFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse conversion file %s: %w", path, err)
	}
	if cf.SourceSchema == "" || cf.TargetSchema == "" {
		return nil, fmt.Errorf("conversion file %s has no source or target schema", path)
	}
	return &cf, nil
}

// LoadFiles builds a registry from taxonomy and damage state conversion files.
func LoadFiles(taxonomyFiles, damageStateFiles []string) (*Registry, error) {
	r := NewRegistry()
	for _, path := range taxonomyFiles {
		cf, err := ReadConversionFile(path)
		if err != nil {
			return nil, err
		}
		if err := r.RegisterTaxonomies(cf.SourceSchema, cf.TargetSchema, cf.Matrix); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, path := range damageStateFiles {
		cf, err := ReadConversionFile(path)
		if err != nil {
			return nil, err
		}
		if err := r.RegisterDamageStates(cf.SourceSchema, cf.TargetSchema, cf.Matrix); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return r, nil
}

// LoadDirs builds a registry out of every *.json file in the taxonomy and damage state directories.
// Empty directory names are skipped.
func LoadDirs(taxonomyDir, damageStateDir string) (*Registry, error) {
	taxFiles, err := jsonFiles(taxonomyDir)
	if err != nil {
		return nil, err
	}
	dsFiles, err := jsonFiles(damageStateDir)
	if err != nil {
		return nil, err
	}
	return LoadFiles(taxFiles, dsFiles)
}

func jsonFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
