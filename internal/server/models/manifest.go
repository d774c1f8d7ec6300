package models

import (
	"encoding/json"
	"path"
)

// Manifest is the registry document describing a package: a "versions"
// mapping, a "dist-tags" mapping, and whatever other fields the publishing
// client sent. It is kept schemaless on purpose; the registry only ever
// interprets the two mappings and the dist.tarball reference inside a
// version entry.
type Manifest map[string]any

// DecodeManifest parses a stored manifest. Malformed JSON decodes to an
// empty document rather than failing (lenient-read policy).
func DecodeManifest(raw string) Manifest {
	m := Manifest{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Manifest{}
	}
	return m
}

// Encode serializes the manifest for storage.
func (m Manifest) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Versions returns the versions mapping, or nil when absent or malformed.
func (m Manifest) Versions() map[string]any {
	v, _ := m["versions"].(map[string]any)
	return v
}

// DistTags returns the dist-tags mapping, or nil when absent or malformed.
func (m Manifest) DistTags() map[string]any {
	v, _ := m["dist-tags"].(map[string]any)
	return v
}

// SetDistTag points tag at version, creating the mapping if needed. The
// version is not checked against Versions; tags may dangle.
func (m Manifest) SetDistTag(tag, version string) {
	tags := m.DistTags()
	if tags == nil {
		tags = map[string]any{}
		m["dist-tags"] = tags
	}
	tags[tag] = version
}

// RemoveDistTag deletes tag. Removing an absent tag is a no-op.
func (m Manifest) RemoveDistTag(tag string) {
	delete(m.DistTags(), tag)
}

// RemoveVersion deletes the version entry. Dist-tags pointing at it are left
// untouched.
func (m Manifest) RemoveVersion(version string) {
	delete(m.Versions(), version)
}

// TarballName returns the artifact file name for a version: the base name of
// its dist.tarball reference, or "" when the version carries none.
func (m Manifest) TarballName(version string) string {
	meta, _ := m.Versions()[version].(map[string]any)
	dist, _ := meta["dist"].(map[string]any)
	tarball, _ := dist["tarball"].(string)
	if tarball == "" {
		return ""
	}
	return path.Base(tarball)
}

// MergeManifests overlays incoming onto existing: versions and dist-tags are
// merged per key with incoming winning on conflict, every other top-level
// field from incoming replaces its counterpart, and existing fields absent
// from incoming are preserved. Neither input is mutated.
func MergeManifests(existing, incoming Manifest) Manifest {
	merged := Manifest{}
	for k, v := range existing {
		merged[k] = v
	}

	for k, v := range incoming {
		if k == "versions" || k == "dist-tags" {
			continue
		}
		merged[k] = v
	}

	merged["versions"] = mergeMaps(existing.Versions(), incoming.Versions())
	merged["dist-tags"] = mergeMaps(existing.DistTags(), incoming.DistTags())
	return merged
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
