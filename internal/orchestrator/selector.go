package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/maxdollinger/sandboxd/internal/config"
	"github.com/maxdollinger/sandboxd/internal/db/models"
)

// Selector picks sandboxes: all of them, those of one group, or explicit
// names. Group and Names combine as an intersection.
type Selector struct {
	Group string
	Names []string
}

func (s Selector) All() bool {
	return s.Group == "" && len(s.Names) == 0
}

func (s Selector) String() string {
	switch {
	case s.All():
		return "all"
	case len(s.Names) == 0:
		return "group " + s.Group
	case s.Group == "":
		return fmt.Sprint(s.Names)
	default:
		return fmt.Sprintf("%v in group %s", s.Names, s.Group)
	}
}

// services returns the service names of cfg the selector matches.
func (s Selector) services(cfg *config.Config) ([]string, error) {
	if s.Group != "" {
		if _, ok := cfg.Group(s.Group); !ok && !slices.Contains(cfg.GroupNames(), s.Group) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, s.Group)
		}
	}

	var errs []error
	for _, n := range s.Names {
		svc, ok := cfg.Service(n)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSandbox, n))
			continue
		}
		if s.Group != "" && svc.GroupName() != s.Group {
			errs = append(errs, fmt.Errorf("%w: %s is not in group %s", ErrUnknownSandbox, n, s.Group))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	var names []string
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if s.Group != "" && svc.GroupName() != s.Group {
			continue
		}
		if len(s.Names) > 0 && !slices.Contains(s.Names, svc.Name) {
			continue
		}
		names = append(names, svc.Name)
	}
	return names, nil
}

// rows returns the persisted sandboxes the selector matches.
func (s Selector) rows(ctx context.Context, q models.Querier) ([]*models.Sandbox, error) {
	if s.Group != "" {
		if _, err := models.GetGroupByName(ctx, q, s.Group); errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, s.Group)
		} else if err != nil {
			return nil, err
		}
	}

	rows, err := models.ListSandboxes(ctx, q, models.SandboxFilter{Group: s.Group, Names: s.Names})
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, n := range s.Names {
		found := slices.ContainsFunc(rows, func(r *models.Sandbox) bool { return r.Name == n })
		if !found {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSandbox, n))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rows, nil
}
