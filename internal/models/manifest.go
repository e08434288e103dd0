package models

import (
	"encoding/json"
	"strings"
	"time"

	"pose-factory/internal/errdefs"
)

// Params is the recipe-specific record carried by a manifest. Unknown keys
// are preserved across a parse/serialize round trip.
type Params struct {
	// Script is the store-relative path under scripts/.
	Script string
	// Characters lists character names for render jobs.
	Characters []string
	// OutputDir is the subpath under the workspace output/ root.
	OutputDir string
	// Assets lists store-relative paths under assets/ to stage before
	// execution.
	Assets []string
	// Overrides are arbitrary scalar key-value pairs passed to the tool.
	Overrides map[string]any

	extra map[string]json.RawMessage
}

// Manifest is the immutable on-wire record describing one job. Status is
// never part of it; status is derived from which prefix holds the manifest.
type Manifest struct {
	JobID     string
	JobType   JobKind
	CreatedAt string
	Params    Params

	extra map[string]json.RawMessage
}

// NewManifest builds a manifest with a fresh id and an RFC 3339 UTC
// creation timestamp.
func NewManifest(kind JobKind, params Params) *Manifest {
	return &Manifest{
		JobID:     NewJobID(kind),
		JobType:   kind,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Params:    params,
	}
}

// CreatedTime parses the manifest creation timestamp.
func (m *Manifest) CreatedTime() (time.Time, error) {
	return time.Parse(time.RFC3339, m.CreatedAt)
}

// Validate checks the manifest against the declared kind's required fields
// and sanitizes every field that becomes a path segment.
func (m *Manifest) Validate() error {
	if err := CheckSlug(m.JobID); err != nil {
		return err
	}
	if !m.JobType.Valid() {
		return errdefs.Validationf("unknown job kind %q", m.JobType)
	}
	if m.Params.Script == "" {
		return errdefs.Validationf("script is required for kind %q", m.JobType)
	}
	if err := CheckSubpath(m.Params.Script); err != nil {
		return err
	}
	if m.Params.OutputDir == "" {
		return errdefs.Validationf("output_dir is required for kind %q", m.JobType)
	}
	// Unlike script and asset file paths, output_dir segments are bare slugs.
	for _, seg := range strings.Split(m.Params.OutputDir, "/") {
		if err := CheckSlug(seg); err != nil {
			return err
		}
	}
	for _, c := range m.Params.Characters {
		if err := CheckSlug(c); err != nil {
			return err
		}
	}
	for _, a := range m.Params.Assets {
		if err := CheckSubpath(a); err != nil {
			return err
		}
	}
	return nil
}

// ParseManifest decodes manifest bytes, preserving unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Validationf("malformed manifest: %v", err)
	}
	return &m, nil
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(m.extra)+4)
	for k, v := range m.extra {
		fields[k] = v
	}
	var err error
	if fields["job_id"], err = json.Marshal(m.JobID); err != nil {
		return nil, err
	}
	if fields["job_type"], err = json.Marshal(m.JobType); err != nil {
		return nil, err
	}
	if fields["created_at"], err = json.Marshal(m.CreatedAt); err != nil {
		return nil, err
	}
	if fields["params"], err = json.Marshal(&m.Params); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["job_id"]; ok {
		if err := json.Unmarshal(raw, &m.JobID); err != nil {
			return err
		}
		delete(fields, "job_id")
	}
	if raw, ok := fields["job_type"]; ok {
		if err := json.Unmarshal(raw, &m.JobType); err != nil {
			return err
		}
		delete(fields, "job_type")
	}
	if raw, ok := fields["created_at"]; ok {
		if err := json.Unmarshal(raw, &m.CreatedAt); err != nil {
			return err
		}
		delete(fields, "created_at")
	}
	if raw, ok := fields["params"]; ok {
		if err := json.Unmarshal(raw, &m.Params); err != nil {
			return err
		}
		delete(fields, "params")
	}
	if len(fields) > 0 {
		m.extra = fields
	}
	return nil
}

func (p *Params) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(p.extra)+5)
	for k, v := range p.extra {
		fields[k] = v
	}
	var err error
	if fields["script"], err = json.Marshal(p.Script); err != nil {
		return nil, err
	}
	if fields["output_dir"], err = json.Marshal(p.OutputDir); err != nil {
		return nil, err
	}
	if len(p.Characters) > 0 {
		if fields["characters"], err = json.Marshal(p.Characters); err != nil {
			return nil, err
		}
	}
	if len(p.Assets) > 0 {
		if fields["assets"], err = json.Marshal(p.Assets); err != nil {
			return nil, err
		}
	}
	if len(p.Overrides) > 0 {
		if fields["overrides"], err = json.Marshal(p.Overrides); err != nil {
			return nil, err
		}
	}
	return json.Marshal(fields)
}

func (p *Params) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	known := map[string]any{
		"script":     &p.Script,
		"output_dir": &p.OutputDir,
		"characters": &p.Characters,
		"assets":     &p.Assets,
		"overrides":  &p.Overrides,
	}
	for name, dst := range known {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return err
		}
		delete(fields, name)
	}
	if len(fields) > 0 {
		p.extra = fields
	}
	return nil
}
