package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// LoadFile reads a JSON array of policy inputs, e.g. a bootstrap catalog
// shipped with a deployment.
func LoadFile(path string) ([]Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var inputs []Input
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return inputs, nil
}

// Seed creates inputs when the repository holds no policies yet, so restarting
// a replica never duplicates the catalog. It returns how many were created.
func (s *Service) Seed(ctx context.Context, inputs []Input) (int, error) {
	existing, err := s.repo.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	var errs []error
	created := 0
	for i, in := range inputs {
		if _, err := s.Create(ctx, in); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, in.Name, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}
