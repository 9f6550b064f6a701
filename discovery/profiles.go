package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/kit"
)

var profileIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ProfileInput is a profile create or edit request.
type ProfileInput struct {
	ID         string            `json:"id,omitempty" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Definition ProfileDefinition `json:"definition" yaml:"definition"`
}

// CreateProfile stores version 1 of a new profile. An empty ID is generated.
func (svc *Service) CreateProfile(ctx context.Context, in ProfileInput) (*Profile, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = svc.newID()
	} else if existing, err := svc.db.ListProfileVersions(ctx, t, in.ID); err != nil {
		return nil, err
	} else if len(existing) > 0 {
		return nil, fmt.Errorf("%w: profile %s already exists", ErrInvalidProfile, in.ID)
	}
	p, _, err := svc.saveProfile(ctx, t, in)
	return p, err
}

// UpdateProfile stores an edit of an existing profile as a new version.
// Versions already referenced by runs are never modified. An edit identical
// to the latest version returns that version.
func (svc *Service) UpdateProfile(ctx context.Context, id string, in ProfileInput) (*Profile, error) {
	latest, err := svc.GetProfile(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	in.ID = id
	if in.Name == "" {
		in.Name = latest.Name
	}
	p, _, err := svc.saveProfile(ctx, latest.TenantID, in)
	return p, err
}

// saveProfile validates in and appends it as the next version of in.ID.
// The bool is false when the content matched the latest version.
func (svc *Service) saveProfile(ctx context.Context, tenantID string, in ProfileInput) (*Profile, bool, error) {
	if !profileIDRe.MatchString(in.ID) {
		return nil, false, fmt.Errorf("%w: id %q", ErrInvalidProfile, in.ID)
	}
	if in.Name == "" {
		return nil, false, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	def := in.Definition
	body, hash, err := parse.Canonical(&def)
	if err != nil {
		return nil, false, err
	}
	p := &store.Profile{
		ID:          in.ID,
		TenantID:    tenantID,
		Name:        in.Name,
		SourceType:  def.SourceType,
		Definition:  body,
		ContentHash: hash,
		CreatedAt:   svc.now().UnixMilli(),
	}
	created, err := svc.db.InsertProfileVersion(ctx, p)
	if errors.Is(err, store.ErrProfileOwner) {
		return nil, false, fmt.Errorf("%w: profile %s", ErrForbidden, in.ID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("discovery: insert profile: %w", err)
	}
	if created {
		svc.logger.Info("discovery: profile version", "tenant_id", tenantID, "profile_id", p.ID, "version", p.Version)
	}
	return p, created, nil
}

// GetProfile returns one version of a profile; version <= 0 means latest.
func (svc *Service) GetProfile(ctx context.Context, id string, version int) (*Profile, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	p, err := svc.db.GetProfile(ctx, t, id, version)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// ProfileVersions returns every version of a profile, oldest first.
func (svc *Service) ProfileVersions(ctx context.Context, id string) ([]*Profile, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	versions, err := svc.db.ListProfileVersions(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// ListProfiles returns the latest version of each of the caller's profiles.
func (svc *Service) ListProfiles(ctx context.Context) ([]*Profile, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListProfiles(ctx, t)
}

// profilesFile is the YAML seed format:
//
//	tenant_id: acme
//	profiles:
//	  - id: dutchie-menu
//	    name: Dutchie embedded menu
//	    definition:
//	      source_type: api
//	      container: data.filteredProducts.products
//	      fields: {id: id, name: Name, price: Prices.0}
type profilesFile struct {
	TenantID string `yaml:"tenant_id"`
	Profiles []struct {
		ProfileInput `yaml:",inline"`
		TenantID     string `yaml:"tenant_id"`
	} `yaml:"profiles"`
}

// LoadProfilesFile seeds parser profiles from a YAML file. Every profile is
// validated before any is stored. Loading the same file twice stores
// nothing new; a changed definition becomes a new version. It returns the
// number of versions written.
func (svc *Service) LoadProfilesFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
	}
	for i := range f.Profiles {
		p := &f.Profiles[i]
		if p.TenantID == "" {
			p.TenantID = f.TenantID
		}
		if p.TenantID == "" {
			return 0, fmt.Errorf("%w: profile %q has no tenant_id", ErrInvalidProfile, p.ID)
		}
		if p.ID == "" {
			return 0, fmt.Errorf("%w: profile %d has no id", ErrInvalidProfile, i)
		}
		def := p.Definition
		if _, _, err := parse.Canonical(&def); err != nil {
			return 0, fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	written := 0
	for _, p := range f.Profiles {
		_, created, err := svc.saveProfile(kit.WithTenantID(ctx, p.TenantID), p.TenantID, p.ProfileInput)
		if err != nil {
			return written, fmt.Errorf("profile %s: %w", p.ID, err)
		}
		if created {
			written++
		}
	}
	svc.logger.Info("discovery: profiles loaded", "path", path, "profiles", len(f.Profiles), "written", written)
	return written, nil
}
