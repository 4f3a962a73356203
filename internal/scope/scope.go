// Package scope maps projects and datasets onto vector collections and
// expands dataset selection patterns. All functions are pure; two
// processes computing a collection name in parallel always agree.
package scope

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// CollectionPrefix is the fixed prefix for all corpusd collections.
const CollectionPrefix = "project"

var invalidRunes = regexp.MustCompile(`[^a-z0-9_-]+`)
var dashRuns = regexp.MustCompile(`-{2,}`)

// Normalize folds a project or dataset name into the collection-name
// alphabet: lowercase, runes outside [a-z0-9_-] replaced with '-'
// (never stripped), runs of '-' collapsed, leading/trailing '-' trimmed.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = invalidRunes.ReplaceAllString(n, "-")
	n = dashRuns.ReplaceAllString(n, "-")
	return strings.Trim(n, "-")
}

// CollectionName derives the collection bound to (project, dataset).
// The mapping is a pure function: project_<proj>_dataset_<ds>.
func CollectionName(project, dataset string) string {
	return fmt.Sprintf("%s_%s_dataset_%s", CollectionPrefix, Normalize(project), Normalize(dataset))
}

// EnsureDistinct verifies that no two names collapse to the same
// normalized form. Collisions after normalization are a consistency
// error: silently merging two datasets into one collection would leak
// data across scopes.
func EnsureDistinct(names []string) error {
	seen := make(map[string]string, len(names))
	for _, name := range names {
		norm := Normalize(name)
		if prev, ok := seen[norm]; ok && prev != name {
			return cerr.ConsistencyError(cerr.ErrCodeNameCollision,
				fmt.Sprintf("names %q and %q both normalize to %q", prev, name, norm))
		}
		seen[norm] = name
	}
	return nil
}

// ProjectID derives the deterministic UUID for a project name.
// Uses UUIDv5 over the DNS namespace so every component of the system
// computes the same id without coordination.
func ProjectID(project string) uuid.UUID {
	if project == "" {
		project = "default"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(project))
}

// DatasetID derives the deterministic UUID for a dataset within a project.
func DatasetID(project, dataset string) uuid.UUID {
	if dataset == "" {
		dataset = "default"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(project+"/"+dataset))
}

// DatasetNameForURL derives the default dataset name for a web ingest
// with no explicit dataset: the URL host with dots folded to dashes.
func DatasetNameForURL(host string) string {
	return Normalize(strings.ReplaceAll(host, ".", "-"))
}
