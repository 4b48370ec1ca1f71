package domain

import (
	"fmt"
	"time"
)

// Project is a named container for tasks. Deleting a project cascades
// deletion of its tasks; the core otherwise treats the relationship as a
// lookup-only weak reference.
type Project struct {
	ID          int64
	Name        string
	Description string
	XMLPath     string
	AudioPath   string
	VideoPath   string
	OutputDir   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProject creates a validated project.
func NewProject(name, description string) (*Project, error) {
	now := time.Now().UTC()
	p := &Project{
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the project's field invariants.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: project name is required", ErrValidation)
	}
	if len(p.Name) > 200 {
		return fmt.Errorf("%w: project name exceeds 200 characters", ErrValidation)
	}
	return nil
}
