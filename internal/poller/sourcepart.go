package poller

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrManifestParse is returned when a snapcraft.yaml exists but is not valid
// structured data.
var ErrManifestParse = errors.New("snapcraft.yaml is not valid yaml")

// manifest is the subset of a snapcraft.yaml that the detector needs.
// Parts is kept as a yaml node so the document order of the part definitions
// is preserved.
type manifest struct {
	Name  string    `yaml:"name"`
	Parts yaml.Node `yaml:"parts"`
}

type manifestPart struct {
	Source       string `yaml:"source"`
	SourceBranch string `yaml:"source-branch"`
	SourceTag    string `yaml:"source-tag"`
}

// SourcePart is one externally sourced dependency declared in a build
// manifest. Two parts with the same repository URL, branch and tag are the
// same logical part.
type SourcePart struct {
	RepoURL string
	Branch  string
	Tag     string
}

func (p *SourcePart) String() string {
	if p.Branch == "" {
		return p.RepoURL
	}

	return fmt.Sprintf("%s (branch: %s)", p.RepoURL, p.Branch)
}

func parseManifest(data []byte) (*manifest, error) {
	var m manifest

	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestParse, err)
	}

	return &m, nil
}

// sourcePartFromManifestPart converts a manifest part definition into a
// SourcePart.
// Only parts with a github hosted source are supported, tag-pinned sources
// are currently unsupported. Unsupported parts yield nil, they are skipped,
// not errors.
func sourcePartFromManifestPart(part *manifestPart, ghRepoPrefix string, logger *zap.Logger) *SourcePart {
	if part.Source == "" {
		logger.Debug("skipping part with no source set")
		return nil
	}

	if !strings.HasPrefix(part.Source, ghRepoPrefix) {
		logger.Debug(
			"skipping part, only github hosted sources are supported",
			zap.String("part_source", part.Source),
		)

		return nil
	}

	if part.SourceTag != "" {
		logger.Debug(
			"skipping part, tag-pinned sources are not supported",
			zap.String("part_source", part.Source),
			zap.String("part_source_tag", part.SourceTag),
		)

		return nil
	}

	return &SourcePart{
		RepoURL: part.Source,
		Branch:  part.SourceBranch,
		Tag:     part.SourceTag,
	}
}

// extractPartsToPoll returns the unique pollable source parts of the
// manifest, in document order of their first occurrence.
func extractPartsToPoll(m *manifest, ghRepoPrefix string, logger *zap.Logger) []SourcePart {
	var result []SourcePart
	seen := map[SourcePart]struct{}{}

	// the parts node is a mapping of part name to part definition
	if m.Parts.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(m.Parts.Content); i += 2 {
		nameNode := m.Parts.Content[i]
		valueNode := m.Parts.Content[i+1]

		var part manifestPart
		if err := valueNode.Decode(&part); err != nil {
			logger.Debug(
				"skipping unparseable part definition",
				zap.String("part_name", nameNode.Value),
				zap.Error(err),
			)

			continue
		}

		sourcePart := sourcePartFromManifestPart(&part, ghRepoPrefix, logger.With(
			zap.String("part_name", nameNode.Value),
		))
		if sourcePart == nil {
			continue
		}

		if _, exist := seen[*sourcePart]; exist {
			continue
		}

		seen[*sourcePart] = struct{}{}
		result = append(result, *sourcePart)
	}

	return result
}

// parseGitHubRepoURL splits a repository URL below the configured github
// prefix into owner and repository name.
func parseGitHubRepoURL(repoURL, ghRepoPrefix string) (owner, name string, err error) {
	rest := strings.TrimPrefix(repoURL, strings.TrimRight(ghRepoPrefix, "/")+"/")
	if rest == repoURL {
		return "", "", fmt.Errorf("%q is not below the github repository prefix %q", repoURL, ghRepoPrefix)
	}

	rest = strings.TrimSuffix(rest, ".git")

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("can not extract owner and name from repository url %q", repoURL)
	}

	return parts[0], parts[1], nil
}

func githubRepoURL(ghRepoPrefix, owner, name string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(ghRepoPrefix, "/"), owner, name)
}
