package suppliers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// Store is the read-only supplier configuration source used at run time.
type Store interface {
	Get(ctx context.Context, supplierCode string) (*models.SupplierConfig, error)
	ListEnabled(ctx context.Context) ([]*models.SupplierConfig, error)
}

// Document is the YAML file layout: a list of supplier configurations.
type Document struct {
	Suppliers []*models.SupplierConfig `yaml:"suppliers"`
}

// FileStore serves supplier configurations parsed from a YAML document.
// It is immutable after construction.
type FileStore struct {
	configs map[string]*models.SupplierConfig
	order   []string
}

var _ Store = (*FileStore)(nil)

// LoadFile reads and validates a supplier YAML file.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read supplier file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a supplier YAML document. Unknown keys are rejected so a
// misspelt field fails here instead of silently defaulting. Every supplier
// must pass Validate.
func Parse(data []byte) (*FileStore, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	store := &FileStore{configs: make(map[string]*models.SupplierConfig, len(doc.Suppliers))}
	var errs []error
	for i, cfg := range doc.Suppliers {
		if cfg == nil {
			errs = append(errs, fmt.Errorf("%w: supplier entry %d is empty", apperrors.ErrInvalidConfig, i))
			continue
		}
		if cfg.Version == 0 {
			cfg.Version = 1
		}
		if _, dup := store.configs[cfg.SupplierCode]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate supplier_code %q", apperrors.ErrInvalidConfig, cfg.SupplierCode))
			continue
		}
		if err := Validate(cfg); err != nil {
			errs = append(errs, err)
			continue
		}
		store.configs[cfg.SupplierCode] = cfg
		store.order = append(store.order, cfg.SupplierCode)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(store.order)
	return store, nil
}

// Get returns a supplier configuration or apperrors.ErrNotFound.
func (s *FileStore) Get(_ context.Context, supplierCode string) (*models.SupplierConfig, error) {
	cfg, ok := s.configs[supplierCode]
	if !ok {
		return nil, fmt.Errorf("supplier %q: %w", supplierCode, apperrors.ErrNotFound)
	}
	return cfg, nil
}

// ListEnabled returns enabled suppliers ordered by code.
func (s *FileStore) ListEnabled(_ context.Context) ([]*models.SupplierConfig, error) {
	out := make([]*models.SupplierConfig, 0, len(s.order))
	for _, code := range s.order {
		if cfg := s.configs[code]; cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// All returns every supplier, enabled or not, ordered by code.
func (s *FileStore) All() []*models.SupplierConfig {
	out := make([]*models.SupplierConfig, 0, len(s.order))
	for _, code := range s.order {
		out = append(out, s.configs[code])
	}
	return out
}
