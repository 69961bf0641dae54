package permissions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
)

var (
	DefaultAPIs = []string{
		"run.googleapis.com",
		"cloudbuild.googleapis.com",
		"artifactregistry.googleapis.com",
	}
	DefaultRoles = []string{
		"roles/run.admin",
		"roles/iam.serviceAccountUser",
		"roles/artifactregistry.writer",
	}
)

// DefaultKeys is the capability list the wizard asks for.
func DefaultKeys() []string {
	return append(slices.Clone(DefaultAPIs), IAMKey)
}

// NormalizeKeys trims keys and drops empty and repeated ones, keeping the
// first occurrence order. Run and GrantRecord.Complete must see the same list.
func NormalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key != "" && !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	return out
}

// CapabilityEnabler turns on a cloud API. Enabling an enabled API succeeds.
type CapabilityEnabler interface {
	Enable(ctx context.Context, projectID, key string) error
}

// PolicyStore reads and writes a project's role-binding policy.
type PolicyStore interface {
	GetPolicy(ctx context.Context, projectID string) (*Policy, error)
	SetPolicy(ctx context.Context, projectID string, policy *Policy) error
}

// ProjectResolver maps a project id to its numeric identifier.
type ProjectResolver interface {
	ProjectNumber(ctx context.Context, projectID string) (string, error)
}

// StageError is returned when the stage aborts. Key is the capability that
// was being granted.
type StageError struct {
	Key string
	Err error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("granting %s: %v", e.Key, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage ensures the capabilities a deployment needs exist on a project.
type Stage struct {
	Enabler  CapabilityEnabler
	Policies PolicyStore
	Projects ProjectResolver
	Roles    []string
	Log      logrus.FieldLogger
}

func NewStage(enabler CapabilityEnabler, policies PolicyStore, projects ProjectResolver, roles []string, log logrus.FieldLogger) *Stage {
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stage{Enabler: enabler, Policies: policies, Projects: projects, Roles: roles, Log: log}
}

// Run grants every key in order and emits one granted event per key. The
// iam key, wherever it appears in keys, is handled after all API keys. The
// first failure aborts the stage; the returned record holds what was
// granted up to that point.
func (s *Stage) Run(ctx context.Context, projectID string, keys []string, emit stream.Emitter) (GrantRecord, error) {
	if emit == nil {
		emit = stream.Discard
	}
	record := GrantRecord{}
	if strings.TrimSpace(projectID) == "" {
		return record, &StageError{Key: IAMKey, Err: errors.New("project id is required")}
	}

	wantIAM := false
	for _, key := range NormalizeKeys(keys) {
		if key == IAMKey {
			wantIAM = true
			continue
		}
		if err := ctx.Err(); err != nil {
			return record, &StageError{Key: key, Err: err}
		}
		s.Log.WithFields(logrus.Fields{"project": projectID, "capability": key}).Debug("enabling capability")
		if err := s.Enabler.Enable(ctx, projectID, key); err != nil {
			return record, &StageError{Key: key, Err: err}
		}
		record.grant(key)
		emit(stream.Granted(key))
	}

	if !wantIAM {
		return record, nil
	}
	if err := s.bindRoles(ctx, projectID); err != nil {
		return record, &StageError{Key: IAMKey, Err: err}
	}
	record.grant(IAMKey)
	emit(stream.Granted(IAMKey))
	return record, nil
}

func (s *Stage) bindRoles(ctx context.Context, projectID string) error {
	number, err := s.Projects.ProjectNumber(ctx, projectID)
	if err != nil {
		return fmt.Errorf("resolve project number: %w", err)
	}
	member := CloudBuildPrincipal(number)

	policy, err := s.Policies.GetPolicy(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get policy: %w", err)
	}
	if policy == nil {
		policy = &Policy{}
	}

	added := 0
	for _, role := range s.Roles {
		if policy.AddMember(role, member) {
			added++
		}
	}
	s.Log.WithFields(logrus.Fields{"project": projectID, "member": member, "added": added}).Debug("writing role bindings")

	if err := s.Policies.SetPolicy(ctx, projectID, policy); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return nil
}
