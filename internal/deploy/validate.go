package deploy

import (
	"fmt"
	"regexp"
	"strings"
)

// Upper bounds accepted from clients. Instance counts end up as int32 in
// the service template.
const (
	MaxRetriesLimit  = 10
	MaxInstanceLimit = 1000
)

var dnsLabel = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidationError lists every problem found in a request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid deployment request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// ValidServiceName reports whether name is usable as a new service name.
func ValidServiceName(name string) bool {
	return dnsLabel.MatchString(name)
}

// Validate checks the request without touching any backend. It returns a
// *ValidationError or nil.
func (r *Request) Validate() error {
	v := &ValidationError{}

	if r.Project == "" {
		v.add("project is required")
	}
	if r.RepoURL == "" {
		v.add("repository is required")
	}
	if r.Region == "" {
		v.add("region is required")
	}

	switch r.BuildStrategy {
	case StrategyBuildpacks:
	case StrategyDockerfile:
		if strings.TrimSpace(r.DockerfilePath) == "" {
			v.add("dockerfile build strategy requires a dockerfile path")
		}
	default:
		v.add("unknown build strategy %q", r.BuildStrategy)
	}

	switch r.DeploymentType {
	case DeploymentNew:
		name := strings.TrimSpace(r.ServiceName)
		if name == "" {
			v.add("service name is required for a new service")
		} else if !ValidServiceName(name) {
			v.add("service name %q must be a lowercase DNS label (letters, digits, hyphens; start with a letter; at most 63 characters)", name)
		}
	case DeploymentExisting:
		if strings.TrimSpace(r.ExistingService) == "" {
			v.add("existing service is required when deploying to an existing service")
		}
	default:
		v.add("unknown deployment type %q", r.DeploymentType)
	}

	seen := make(map[string]bool, len(r.EnvironmentVariables))
	for i, env := range r.EnvironmentVariables {
		key := strings.TrimSpace(env.Key)
		if key == "" {
			v.add("environment variable %d has no key", i+1)
			continue
		}
		if seen[key] {
			v.add("environment variable %q is defined more than once", key)
		}
		seen[key] = true
	}
	for i, s := range r.Secrets {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.EnvVarName) == "" {
			v.add("secret %d needs a name and a variable name", i+1)
			continue
		}
		if seen[s.EnvVarName] {
			v.add("variable %q is set by both an environment variable and a secret, or twice", s.EnvVarName)
		}
		seen[s.EnvVarName] = true
	}

	if r.MinInstances < 0 || r.MaxInstances < 0 {
		v.add("instance bounds must not be negative")
	} else if r.MinInstances > MaxInstanceLimit || r.MaxInstances > MaxInstanceLimit {
		v.add("instance bounds must not exceed %d", MaxInstanceLimit)
	} else if r.MaxInstances > 0 && r.MinInstances > r.MaxInstances {
		v.add("min instances (%d) exceeds max instances (%d)", r.MinInstances, r.MaxInstances)
	}

	if r.MaxRetries < 0 || r.MaxRetries > MaxRetriesLimit {
		v.add("autonomous iterations must be between 1 and %d", MaxRetriesLimit)
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}
