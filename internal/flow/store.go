package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"sevak/internal/logging"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// Store provides read-only access to a tenant's authored flows.
type Store interface {
	// ByTrigger returns the highest-priority active flow whose trigger list
	// contains a case-insensitive exact match for phrase.
	ByTrigger(ctx context.Context, tenantID, phrase string) (*Flow, error)
	// ByID returns an active flow by its stable identifier, used for
	// mid-conversation resumption.
	ByID(ctx context.Context, tenantID, flowID string) (*Flow, error)
	// List returns every active flow for a tenant.
	List(ctx context.Context, tenantID string) ([]*Flow, error)
}

// ErrNotFound reports that no flow matched the lookup.
var ErrNotFound = fmt.Errorf("flow not found")

const cacheSize = 64

// FileStore loads flow documents from per-tenant directories of YAML files.
// Parsed tenant flow sets are cached in an LRU keyed by tenant.
type FileStore struct {
	root   string
	logger logging.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, []*Flow]
}

// NewFileStore constructs a store rooted at dir, where each tenant owns a
// subdirectory of *.yaml flow documents.
func NewFileStore(dir string, logger logging.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("flow store requires a root directory")
	}
	cache, err := lru.New[string, []*Flow](cacheSize)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		root:   dir,
		logger: logging.OrNop(logger),
		cache:  cache,
	}, nil
}

// Invalidate drops a tenant's cached flow set, forcing a reload on next use.
func (s *FileStore) Invalidate(tenantID string) {
	s.mu.Lock()
	s.cache.Remove(tenantID)
	s.mu.Unlock()
}

func (s *FileStore) load(ctx context.Context, tenantID string) ([]*Flow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if flows, ok := s.cache.Get(tenantID); ok {
		return flows, nil
	}

	dir := filepath.Join(s.root, tenantID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
		}
		return nil, fmt.Errorf("read flow dir for %s: %w", tenantID, err)
	}

	var flows []*Flow
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable flow file %s: %v", entry.Name(), err)
			continue
		}
		var f Flow
		if err := yaml.Unmarshal(data, &f); err != nil {
			s.logger.Warn("Skipping malformed flow file %s: %v", entry.Name(), err)
			continue
		}
		if err := f.Validate(); err != nil {
			s.logger.Warn("Skipping invalid flow in %s: %v", entry.Name(), err)
			continue
		}
		flows = append(flows, &f)
	}

	// Higher priority first, stable across reloads.
	sort.SliceStable(flows, func(i, j int) bool {
		return flows[i].Priority > flows[j].Priority
	})

	s.cache.Add(tenantID, flows)
	return flows, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, tenantID string) ([]*Flow, error) {
	flows, err := s.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	active := make([]*Flow, 0, len(flows))
	for _, f := range flows {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}

// ByTrigger implements Store.
func (s *FileStore) ByTrigger(ctx context.Context, tenantID, phrase string) (*Flow, error) {
	flows, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(phrase))
	for _, f := range flows {
		for _, trigger := range f.Triggers {
			if strings.ToLower(strings.TrimSpace(trigger.Phrase)) == needle {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("trigger %q for tenant %s: %w", phrase, tenantID, ErrNotFound)
}

// ByID implements Store.
func (s *FileStore) ByID(ctx context.Context, tenantID, flowID string) (*Flow, error) {
	flows, err := s.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, f := range flows {
		if f.ID == flowID {
			return f, nil
		}
	}
	return nil, fmt.Errorf("flow %s for tenant %s: %w", flowID, tenantID, ErrNotFound)
}

// StartStep resolves the entry step for a trigger phrase: the trigger's own
// start step when it exists in the step set, otherwise the flow's global
// start step. A missing global start step is a configuration error.
func StartStep(f *Flow, phrase string) (*Step, error) {
	needle := strings.ToLower(strings.TrimSpace(phrase))
	for _, trigger := range f.Triggers {
		if strings.ToLower(strings.TrimSpace(trigger.Phrase)) != needle {
			continue
		}
		if step, ok := f.StepByID(trigger.StartStepID); ok {
			return step, nil
		}
		break
	}
	if step, ok := f.StepByID(f.StartStepID); ok {
		return step, nil
	}
	return nil, fmt.Errorf("flow %s has no usable start step for trigger %q", f.ID, phrase)
}
