package deploy

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// RepoProfile is what the root files of a repository say about its stack.
type RepoProfile struct {
	Language  string            `json:"language"`
	Framework string            `json:"framework,omitempty"`
	KeyFiles  map[string]string `json:"keyFiles,omitempty"` // filename → content (capped)
}

// KeyFileNames are the root files read to profile a repository.
var KeyFileNames = []string{
	"Dockerfile",
	"Procfile",
	"app.yaml",
	"project.toml",
	"requirements.txt", "pyproject.toml", "runtime.txt",
	"package.json",
	"go.mod",
	"Cargo.toml",
	"pom.xml", "build.gradle",
}

// MaxKeyFileBytes caps how much of each key file is kept.
const MaxKeyFileBytes = 4096

type framework struct {
	name, marker string
}

// Checked in order; the first language with a marker file wins, then the
// first framework whose marker appears in that file.
var languages = []struct {
	name       string
	files      []string
	frameworks []framework
}{
	{"go", []string{"go.mod"}, []framework{{"gin", "gin-gonic"}, {"fiber", "gofiber"}, {"echo", "labstack/echo"}, {"chi", "go-chi"}}},
	{"python", []string{"requirements.txt", "pyproject.toml"}, []framework{{"fastapi", "fastapi"}, {"flask", "flask"}, {"django", "django"}, {"streamlit", "streamlit"}}},
	{"node", []string{"package.json"}, []framework{{"nextjs", `"next"`}, {"express", "express"}, {"fastify", "fastify"}, {"nuxt", "nuxt"}}},
	{"rust", []string{"Cargo.toml"}, []framework{{"actix", "actix"}, {"axum", "axum"}, {"rocket", "rocket"}}},
	{"java", []string{"pom.xml", "build.gradle"}, []framework{{"spring-boot", "spring-boot"}}},
}

// ProfileFiles detects the stack from root file contents keyed by name.
// Contents longer than MaxKeyFileBytes are truncated in the result.
func ProfileFiles(files map[string]string) RepoProfile {
	p := RepoProfile{Language: "unknown", KeyFiles: map[string]string{}}
	for name, content := range files {
		if len(content) > MaxKeyFileBytes {
			content = truncate(content, MaxKeyFileBytes) + "\n... (truncated)"
		}
		p.KeyFiles[name] = content
	}

	for _, lang := range languages {
		for _, file := range lang.files {
			content, ok := files[file]
			if !ok {
				continue
			}
			p.Language = lang.name
			lower := strings.ToLower(content)
			for _, fw := range lang.frameworks {
				if strings.Contains(lower, fw.marker) {
					p.Framework = fw.name
					break
				}
			}
			return p
		}
	}
	return p
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FileNames returns the key file names in a stable order.
func (p RepoProfile) FileNames() []string {
	names := make([]string, 0, len(p.KeyFiles))
	for name := range p.KeyFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
